package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Case is a named scenario body.
type Case struct {
	Name string
	Fn   Func
}

// Result is the outcome of one case.
type Result struct {
	Name       string
	Deployment string
	RunID      string
	Err        error
	Duration   time.Duration
}

// Passed reports whether the case succeeded.
func (r Result) Passed() bool { return r.Err == nil }

// Suite runs cases with shared options. Each case gets its own facts,
// runner, scope and deployment name.
type Suite struct {
	Options Options
	Cases   []Case
	// Parallel runs cases concurrently; MaxParallel bounds them (0 means all).
	Parallel    bool
	MaxParallel int
	// FailFast stops starting sequential cases after the first failure.
	FailFast bool
}

// Run executes every case and returns their results in case order. The
// error aggregates every failed case.
func (s *Suite) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(s.Cases))
	run := func(i int) {
		c := s.Cases[i]
		sc := New(c.Name, s.Options)
		start := sc.Clock.Now()
		err := sc.Run(ctx, c.Fn)
		results[i] = Result{
			Name:       c.Name,
			Deployment: sc.Deployment(),
			RunID:      sc.RunID(),
			Err:        err,
			Duration:   sc.Clock.Now().Sub(start),
		}
	}

	if s.Parallel {
		var g errgroup.Group
		if s.MaxParallel > 0 {
			g.SetLimit(s.MaxParallel)
		}
		for i := range s.Cases {
			i := i
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range s.Cases {
			if ctx.Err() != nil {
				results[i] = Result{Name: s.Cases[i].Name, Err: ctx.Err()}
				continue
			}
			run(i)
			if s.FailFast && results[i].Err != nil {
				for j := i + 1; j < len(s.Cases); j++ {
					results[j] = Result{Name: s.Cases[j].Name, Err: fmt.Errorf("skipped after %s failed", s.Cases[i].Name)}
				}
				break
			}
		}
	}

	var merr *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return results, merr.ErrorOrNil()
}
