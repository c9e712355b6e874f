package health

import (
	"fmt"
	"time"
)

// AttemptKind classifies a poll attempt that did not satisfy the condition.
type AttemptKind int

const (
	// PredicateMiss means a snapshot was fetched but the condition did not hold.
	PredicateMiss AttemptKind = iota + 1
	// FetchError means the health query itself failed.
	FetchError
	// NoSnapshot means no fetch succeeded during the whole wait.
	NoSnapshot
)

func (k AttemptKind) String() string {
	switch k {
	case PredicateMiss:
		return "predicate miss"
	case FetchError:
		return "fetch error"
	case NoSnapshot:
		return "no snapshot"
	default:
		return "unknown"
	}
}

// TransientHealthFetchError wraps a single failed health query. The poller
// logs it and keeps going.
type TransientHealthFetchError struct {
	Attempt int
	Err     error
}

func (e *TransientHealthFetchError) Error() string {
	return fmt.Sprintf("health fetch attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *TransientHealthFetchError) Unwrap() error { return e.Err }

// ConvergenceTimeoutError reports a condition that never held before the
// deadline. LastSnapshot is nil when no fetch succeeded.
type ConvergenceTimeoutError struct {
	Condition    string
	Timeout      time.Duration
	Attempts     int
	LastSnapshot *Snapshot
	LastErr      error
	LastAttempt  AttemptKind
}

func (e *ConvergenceTimeoutError) Error() string {
	msg := fmt.Sprintf("timeout waiting for %s after %s (%d attempts, last attempt: %s)",
		e.Condition, e.Timeout, e.Attempts, e.LastAttempt)
	if e.LastSnapshot != nil {
		msg += "; last snapshot " + e.LastSnapshot.String()
	} else {
		msg += "; no snapshot was fetched"
	}
	if e.LastErr != nil {
		msg += "; last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *ConvergenceTimeoutError) Unwrap() error { return e.LastErr }
