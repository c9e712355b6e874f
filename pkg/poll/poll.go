// Package poll re-issues operations that answer "still processing" until
// they reach a terminal status.
package poll

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loykin/kmsconverge/internal/clock"
	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/constants"
)

// Operation performs one attempt and reports its status code and body. A
// non-nil error means the attempt did not produce a status at all.
type Operation func(ctx context.Context) (status int, body []byte, err error)

// State of an InvokeUntilReady call.
type State int

const (
	Pending State = iota
	Done
)

func (s State) String() string {
	if s == Done {
		return "done"
	}
	return "pending"
}

// Outcome is the terminal answer of an operation. Its StatusCode is never
// the pending status.
type Outcome struct {
	StatusCode int
	Body       []byte
	Attempts   int
	Elapsed    time.Duration
}

// Attempt describes a single issued call, reported to Client.Observer.
type Attempt struct {
	Number int
	Status int
	State  State
	Err    error
	At     time.Time
}

// Config bounds the pending loop. When both MaxAttempts and Timeout are
// unset the defaults apply, unless Unbounded is set. A zero Interval uses the
// default pause; a negative one re-issues at once.
type Config struct {
	PendingStatus int
	MaxAttempts   int
	Timeout       time.Duration
	Interval      time.Duration
	Unbounded     bool
	Clock         clock.Clock
}

// DefaultConfig is a generous bound for attestation-gated endpoints.
func DefaultConfig() Config {
	return Config{
		PendingStatus: constants.DefaultPendingStatus,
		MaxAttempts:   constants.DefaultPendingMaxAttempts,
		Timeout:       constants.DefaultPendingTimeout,
		Interval:      constants.DefaultPendingInterval,
	}
}

func (c Config) normalized() Config {
	if c.PendingStatus == 0 {
		c.PendingStatus = http.StatusAccepted
	}
	d := DefaultConfig()
	if !c.Unbounded && c.MaxAttempts <= 0 && c.Timeout <= 0 {
		c.MaxAttempts, c.Timeout = d.MaxAttempts, d.Timeout
	}
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.Interval < 0 {
		c.Interval = 0
	}
	c.Clock = clock.OrReal(c.Clock)
	return c
}

// PendingOperationExhaustedError reports an operation that was still
// pending when the attempt or time bound ran out.
type PendingOperationExhaustedError struct {
	Attempts   int
	Elapsed    time.Duration
	LastStatus int
	Bound      string
}

func (e *PendingOperationExhaustedError) Error() string {
	return fmt.Sprintf("operation still pending after %d attempts over %s (last=%d, %s exceeded)",
		e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastStatus, e.Bound)
}

// Client runs operations through the pending state machine.
type Client struct {
	Config   Config
	Logger   *common.Logger
	Observer func(Attempt)
}

// New returns a Client with cfg.
func New(cfg Config) *Client {
	return &Client{Config: cfg}
}

func (c *Client) logger() *common.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return common.GetLogger().WithComponent("poll")
}

// InvokeUntilReady issues op until it returns a status other than the
// pending status, and returns that call's status and body. Errors from op
// are returned at once; the loop only re-issues on the pending status.
func (c *Client) InvokeUntilReady(ctx context.Context, op Operation) (Outcome, error) {
	cfg := c.Config.normalized()
	log := c.logger()
	start := cfg.Clock.Now()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempt - 1, Elapsed: cfg.Clock.Now().Sub(start)}, err
		}
		status, body, err := op(ctx)
		now := cfg.Clock.Now()
		elapsed := now.Sub(start)
		if err != nil {
			c.observe(Attempt{Number: attempt, Status: status, State: Pending, Err: err, At: now})
			return Outcome{Attempts: attempt, Elapsed: elapsed}, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		if status != cfg.PendingStatus {
			c.observe(Attempt{Number: attempt, Status: status, State: Done, At: now})
			if attempt > 1 {
				log.Debug("operation completed after pending", "attempts", attempt, "status", status, "elapsed", elapsed)
			}
			return Outcome{StatusCode: status, Body: body, Attempts: attempt, Elapsed: elapsed}, nil
		}
		c.observe(Attempt{Number: attempt, Status: status, State: Pending, At: now})

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return Outcome{Attempts: attempt, Elapsed: elapsed},
				&PendingOperationExhaustedError{Attempts: attempt, Elapsed: elapsed, LastStatus: status, Bound: "max attempts"}
		}
		if cfg.Timeout > 0 && elapsed >= cfg.Timeout {
			return Outcome{Attempts: attempt, Elapsed: elapsed},
				&PendingOperationExhaustedError{Attempts: attempt, Elapsed: elapsed, LastStatus: status, Bound: "timeout"}
		}
		log.Debug("operation pending, re-issuing", "attempt", attempt, "status", status)
		if err := clock.Sleep(ctx, cfg.Clock, cfg.Interval); err != nil {
			return Outcome{Attempts: attempt, Elapsed: elapsed}, err
		}
	}
}

func (c *Client) observe(a Attempt) {
	if c.Observer != nil {
		c.Observer(a)
	}
}
