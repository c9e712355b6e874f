package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loykin/kmsconverge/internal/clock"
	"github.com/loykin/kmsconverge/internal/common"
)

// Config holds configuration for retried operations: ledger writes and
// deployment bring-up.
type Config struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialDelay    time.Duration // Initial delay before first retry
	MaxDelay        time.Duration // Maximum delay between retries
	BackoffFactor   float64       // Multiplier for exponential backoff
	RetryableErrors []string      // Error strings that trigger retries
	// Retryable, when set, replaces RetryableErrors matching.
	Retryable func(error) bool
	// OnRetry runs after a failed attempt and before the wait.
	OnRetry func(attempt int, err error)
	Clock   clock.Clock
	// Component names the logger component.
	Component string
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() *Config {
	return &Config{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"timeout",
			"temporary failure",
			"deadlock",
			"lock wait timeout",
			"database is locked",
			"connection lost",
			"broken pipe",
		},
	}
}

// Attempts returns a config that retries any error, up to n total attempts,
// with a fixed delay.
func Attempts(n int, delay time.Duration) *Config {
	if n < 1 {
		n = 1
	}
	return &Config{
		MaxRetries:    n - 1,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1,
		Retryable:     func(error) bool { return true },
	}
}

// isRetryableError checks if an error should trigger a retry
func (rc *Config) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Check for context cancellation - don't retry these
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if rc.Retryable != nil {
		return rc.Retryable(err)
	}

	errStr := strings.ToLower(err.Error())
	for _, retryableErr := range rc.RetryableErrors {
		if strings.Contains(errStr, retryableErr) {
			return true
		}
	}

	return false
}

// calculateDelay calculates the delay for a given retry attempt using exponential backoff
func (rc *Config) calculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return rc.InitialDelay
	}

	factor := rc.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}
	return delay
}

// RetryableOperation represents an operation that can be retried
type RetryableOperation func() error

// WithRetry executes an operation with retry logic
func WithRetry(ctx context.Context, config *Config, operation RetryableOperation) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	component := config.Component
	if component == "" {
		component = "retry"
	}
	logger := common.GetLogger().WithComponent(component)

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry",
					"attempt", attempt+1,
					"total_attempts", config.MaxRetries+1)
			}
			return nil
		}

		lastErr = err

		if !config.isRetryableError(err) {
			logger.Debug("operation failed with non-retryable error",
				"error", err,
				"attempt", attempt+1)
			return err
		}

		// Don't wait after the last attempt
		if attempt == config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err)
		}

		delay := config.calculateDelay(attempt)
		logger.Warn("operation failed, retrying",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", config.MaxRetries+1,
			"retry_delay", delay)

		if err := clock.Sleep(ctx, config.Clock, delay); err != nil {
			return fmt.Errorf("operation cancelled during retry: %w", err)
		}
	}

	logger.Error("operation failed after all retry attempts",
		"error", lastErr,
		"attempts", config.MaxRetries+1)

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// RetryableQuery represents a database query that can be retried
type RetryableQuery func() (*sql.Rows, error)

// WithRetryQuery executes a database query with retry logic
func WithRetryQuery(ctx context.Context, config *Config, query RetryableQuery) (*sql.Rows, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var rows *sql.Rows
	err := WithRetry(ctx, config, func() error {
		var err error
		rows, err = query()
		return err
	})

	return rows, err
}

// RetryableExec represents a database exec operation that can be retried
type RetryableExec func() (sql.Result, error)

// WithRetryExec executes a database exec with retry logic
func WithRetryExec(ctx context.Context, config *Config, exec RetryableExec) (sql.Result, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var result sql.Result
	err := WithRetry(ctx, config, func() error {
		var err error
		result, err = exec()
		return err
	})

	return result, err
}
