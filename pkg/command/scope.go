package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/loykin/kmsconverge/internal/retry"
)

// Resource is an external resource with a bring-up and a tear-down command,
// e.g. a deployed network or a running orchestrator container.
type Resource struct {
	Name string
	Up   Command
	Down Command
	// Attempts bounds bring-up attempts; a failed attempt is followed by a
	// best-effort Down before the next one. Values below 1 mean one attempt.
	Attempts   int
	RetryDelay time.Duration
}

// ReleaseFunc tears down one acquired resource.
type ReleaseFunc func(ctx context.Context) error

type release struct {
	name string
	fn   ReleaseFunc
}

// Scope is a LIFO stack of releases. Close runs every release, even after
// earlier ones fail, and aggregates their errors.
type Scope struct {
	Runner *Runner
	// Retry, when set, is used as the template for multi-attempt bring-ups.
	Retry *retry.Config

	mu       sync.Mutex
	releases []release
}

// NewScope returns a Scope whose releases run through r.
func NewScope(r *Runner) *Scope {
	return &Scope{Runner: r}
}

// Push registers a release to run on Close.
func (s *Scope) Push(name string, fn ReleaseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// Len reports the number of pending releases.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

func (s *Scope) down(r Resource) ReleaseFunc {
	return func(ctx context.Context) error {
		if len(r.Down.Args) == 0 {
			return nil
		}
		_, err := s.Runner.Run(ctx, r.Down)
		return err
	}
}

// Acquire brings r up and registers its Down command. If every attempt fails
// nothing is registered and the last error is returned.
func (s *Scope) Acquire(ctx context.Context, r Resource) (*Result, error) {
	log := s.Runner.logger().WithComponent("scope")
	if r.Attempts <= 1 {
		res, err := s.Runner.Run(ctx, r.Up)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", r.Name, err)
		}
		s.Push(r.Name, s.down(r))
		log.Info("resource acquired", "resource", r.Name)
		return res, nil
	}

	cfg := retry.Attempts(r.Attempts, r.RetryDelay)
	if s.Retry != nil {
		cfg.Clock = s.Retry.Clock
		if r.RetryDelay == 0 {
			cfg.InitialDelay, cfg.MaxDelay = s.Retry.InitialDelay, s.Retry.MaxDelay
		}
	}
	cfg.Component = "scope"
	cfg.Retryable = func(error) bool { return ctx.Err() == nil }
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn("bring-up failed, tearing down before retry", "resource", r.Name, "attempt", attempt, "error", err)
		if derr := s.down(r)(context.WithoutCancel(ctx)); derr != nil {
			log.Debug("best-effort teardown failed", "resource", r.Name, "error", derr)
		}
	}

	var res *Result
	err := retry.WithRetry(ctx, cfg, func() error {
		var err error
		res, err = s.Runner.Run(ctx, r.Up)
		return err
	})
	if err != nil {
		_ = s.down(r)(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("acquire %s: %w", r.Name, err)
	}
	s.Push(r.Name, s.down(r))
	log.Info("resource acquired", "resource", r.Name)
	return res, nil
}

// Close runs every registered release in reverse order. Cancellation of ctx
// does not skip teardown.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var result *multierror.Error
	for i := len(releases) - 1; i >= 0; i-- {
		rel := releases[i]
		if err := rel.fn(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("release %s: %w", rel.name, err))
		}
	}
	return result.ErrorOrNil()
}

// WithResource acquires r, runs fn, and releases r on every exit path,
// including a panic in fn.
func WithResource(ctx context.Context, runner *Runner, r Resource, fn func(ctx context.Context) error) (err error) {
	s := NewScope(runner)
	if _, err := s.Acquire(ctx, r); err != nil {
		return err
	}
	defer func() {
		p := recover()
		if cerr := s.Close(ctx); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
		if p != nil {
			panic(p)
		}
	}()
	return fn(ctx)
}
