// Package health waits for a CCF network's node health to satisfy a condition.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/kmsconverge/internal/clock"
	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/pkg/command"
)

// Source fetches one health snapshot.
type Source interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Snapshot, error)

func (f SourceFunc) Fetch(ctx context.Context) (*Snapshot, error) { return f(ctx) }

// Attempt is the typed result of one poll: either a snapshot or an error.
type Attempt struct {
	Number    int
	At        time.Time
	Snapshot  *Snapshot
	Err       error
	Satisfied bool
}

// Kind classifies an unsatisfied attempt.
func (a Attempt) Kind() AttemptKind {
	if a.Err != nil {
		return FetchError
	}
	return PredicateMiss
}

// Poller evaluates conditions against snapshots from Source.
type Poller struct {
	Source   Source
	Interval time.Duration
	Clock    clock.Clock
	Logger   *common.Logger
	Observer func(Attempt)
}

// NewPoller returns a Poller with the default interval.
func NewPoller(src Source) *Poller {
	return &Poller{Source: src, Interval: constants.DefaultHealthInterval}
}

func (p *Poller) logger() *common.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return common.GetLogger().WithComponent("health")
}

// WaitForCondition polls until cond holds or timeout elapses. Fetch errors
// are logged and do not end the wait, except a *command.RenderError, which is
// returned at once. After the deadline the condition is
// evaluated once more against the last snapshot; if that fails too, a
// *ConvergenceTimeoutError is returned. Only snapshots fetched during this
// call are considered.
func (p *Poller) WaitForCondition(ctx context.Context, cond Condition, timeout time.Duration) error {
	clk := clock.OrReal(p.Clock)
	interval := p.Interval
	if interval <= 0 {
		interval = constants.DefaultHealthInterval
	}
	log := p.logger()
	deadline := clk.Now().Add(timeout)

	var (
		last     *Snapshot
		lastErr  error
		lastKind AttemptKind
		attempts int
	)
	for clk.Now().Before(deadline) {
		attempts++
		snap, err := p.Source.Fetch(ctx)
		a := Attempt{Number: attempts, At: clk.Now(), Snapshot: snap, Err: err}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var rerr *command.RenderError
			if errors.As(err, &rerr) {
				log.Error("health query cannot be built", "error", err)
				return err
			}
			a.Err = &TransientHealthFetchError{Attempt: attempts, Err: err}
			lastErr, lastKind = a.Err, FetchError
			log.Warn("failed to get network health", "attempt", attempts, "error", err)
		} else {
			last, lastKind = snap, PredicateMiss
			if cond.Holds(snap) {
				a.Satisfied = true
				p.observe(a)
				log.Info("condition satisfied", "condition", cond.Name, "attempt", attempts, "nodes", snap.String())
				return nil
			}
			log.Debug("condition not met", "condition", cond.Name, "attempt", attempts, "nodes", snap.String())
		}
		p.observe(a)
		if err := clock.Sleep(ctx, clk, interval); err != nil {
			return err
		}
	}

	if cond.Holds(last) {
		return nil
	}
	if last == nil {
		lastKind = NoSnapshot
	}
	tErr := &ConvergenceTimeoutError{
		Condition:    cond.Name,
		Timeout:      timeout,
		Attempts:     attempts,
		LastSnapshot: last,
		LastErr:      lastErr,
		LastAttempt:  lastKind,
	}
	log.Error("condition not met before deadline", "condition", cond.Name, "attempts", attempts, "last", tErr.LastAttempt.String())
	return tErr
}

func (p *Poller) observe(a Attempt) {
	if p.Observer != nil {
		p.Observer(a)
	}
}
