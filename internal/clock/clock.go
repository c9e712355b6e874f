// Package clock abstracts time so polling loops can be driven by a fake in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by every wait loop in the harness.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Sleep waits for d on c, returning early with ctx.Err() if ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-OrReal(c).After(d):
		return nil
	}
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// Fake is a manually advanced clock. When AutoAdvance is set, After advances
// the clock itself, so loops that sleep run to completion instantly.
type Fake struct {
	mu          sync.Mutex
	now         time.Time
	waiters     []waiter
	AutoAdvance bool
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// NewAutoFake returns a Fake that advances itself on every After call.
func NewAutoFake(start time.Time) *Fake {
	return &Fake{now: start, AutoAdvance: true}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	if f.AutoAdvance {
		f.now = f.now.Add(d)
		now := f.now
		f.mu.Unlock()
		ch <- now
		f.fire()
		return ch
	}
	f.waiters = append(f.waiters, waiter{at: f.now.Add(d), ch: ch})
	f.mu.Unlock()
	f.fire()
	return ch
}

// Advance moves the clock forward and fires due timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
	f.fire()
}

// Set moves the clock to t and fires due timers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
	f.fire()
}

// Waiters reports how many timers are pending.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *Fake) fire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
}
