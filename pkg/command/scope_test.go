package command

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/kmsconverge/internal/clock"
	"github.com/loykin/kmsconverge/internal/retry"
)

// recorder is a fake executor that records invocations and fails the
// commands listed in failures the given number of times.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
}

func (r *recorder) Exec(_ context.Context, args []string, _ string, _ []string, _ io.Writer, stderr io.Writer) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.Join(args, " ")
	r.calls = append(r.calls, name)
	if r.failures[name] > 0 {
		r.failures[name]--
		_, _ = stderr.Write([]byte("boom"))
		return 1, nil
	}
	return 0, nil
}

func (r *recorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ";")
}

func resource(name string) Resource {
	return Resource{
		Name: name,
		Up:   Command{Args: []string{name + "-up"}},
		Down: Command{Args: []string{name + "-down"}},
	}
}

func TestScope_CloseRunsLIFO(t *testing.T) {
	rec := &recorder{}
	s := NewScope(&Runner{Executor: rec})
	ctx := context.Background()
	if _, err := s.Acquire(ctx, resource("network")); err != nil {
		t.Fatalf("acquire network: %v", err)
	}
	if _, err := s.Acquire(ctx, resource("orchestrator")); err != nil {
		t.Fatalf("acquire orchestrator: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 releases, got %d", s.Len())
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := "network-up;orchestrator-up;orchestrator-down;network-down"
	if rec.joined() != want {
		t.Fatalf("got %q want %q", rec.joined(), want)
	}
	if s.Len() != 0 {
		t.Fatalf("releases not cleared")
	}
}

func TestScope_CloseContinuesAfterFailure(t *testing.T) {
	rec := &recorder{failures: map[string]int{"orchestrator-down": 1}}
	s := NewScope(&Runner{Executor: rec})
	ctx := context.Background()
	_, _ = s.Acquire(ctx, resource("network"))
	_, _ = s.Acquire(ctx, resource("orchestrator"))
	s.Push("custom", func(context.Context) error { return errors.New("custom failed") })

	err := s.Close(ctx)
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "custom failed") || !strings.Contains(err.Error(), "orchestrator") {
		t.Fatalf("expected both failures in %q", err.Error())
	}
	if !strings.HasSuffix(rec.joined(), "network-down") {
		t.Fatalf("network teardown was skipped: %q", rec.joined())
	}
}

func TestScope_CloseIgnoresCancellation(t *testing.T) {
	rec := &recorder{}
	s := NewScope(&Runner{Executor: rec})
	_, _ = s.Acquire(context.Background(), resource("network"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var seen error
	s.Push("ctx-check", func(ctx context.Context) error {
		seen = ctx.Err()
		return nil
	})
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if seen != nil {
		t.Fatalf("release saw cancelled context")
	}
}

func TestScope_AcquireRetriesWithTeardown(t *testing.T) {
	rec := &recorder{failures: map[string]int{"network-up": 2}}
	s := NewScope(&Runner{Executor: rec})
	s.Retry = &retry.Config{Clock: clock.NewAutoFake(time.Unix(0, 0))}
	r := resource("network")
	r.Attempts = 10
	r.RetryDelay = time.Second

	if _, err := s.Acquire(context.Background(), r); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	want := "network-up;network-down;network-up;network-down;network-up"
	if rec.joined() != want {
		t.Fatalf("got %q want %q", rec.joined(), want)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one release")
	}
}

func TestScope_AcquireExhausted(t *testing.T) {
	rec := &recorder{failures: map[string]int{"network-up": 5}}
	s := NewScope(&Runner{Executor: rec})
	s.Retry = &retry.Config{Clock: clock.NewAutoFake(time.Unix(0, 0))}
	r := resource("network")
	r.Attempts = 2

	_, err := s.Acquire(context.Background(), r)
	var cmdErr *ExternalCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected ExternalCommandError, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("failed acquisition must not register a release")
	}
	if rec.joined() != "network-up;network-down;network-up;network-down" {
		t.Fatalf("unexpected calls %q", rec.joined())
	}
}

func TestScope_AcquireSingleAttemptFailure(t *testing.T) {
	rec := &recorder{failures: map[string]int{"network-up": 1}}
	s := NewScope(&Runner{Executor: rec})
	if _, err := s.Acquire(context.Background(), resource("network")); err == nil {
		t.Fatalf("expected error")
	}
	if rec.joined() != "network-up" || s.Len() != 0 {
		t.Fatalf("unexpected calls %q", rec.joined())
	}
}

func TestWithResource_ReleasesOnError(t *testing.T) {
	rec := &recorder{}
	err := WithResource(context.Background(), &Runner{Executor: rec}, resource("network"), func(context.Context) error {
		return errors.New("assertion failed")
	})
	if err == nil || !strings.Contains(err.Error(), "assertion failed") {
		t.Fatalf("expected body error, got %v", err)
	}
	if rec.joined() != "network-up;network-down" {
		t.Fatalf("release did not run: %q", rec.joined())
	}
}

func TestWithResource_ReleasesOnPanic(t *testing.T) {
	rec := &recorder{}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic to propagate")
		}
		if rec.joined() != "network-up;network-down" {
			t.Fatalf("release did not run: %q", rec.joined())
		}
	}()
	_ = WithResource(context.Background(), &Runner{Executor: rec}, resource("network"), func(context.Context) error {
		panic("scenario exploded")
	})
}

func TestWithResource_Success(t *testing.T) {
	rec := &recorder{}
	ran := false
	err := WithResource(context.Background(), &Runner{Executor: rec}, resource("orchestrator"), func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("unexpected err=%v ran=%v", err, ran)
	}
}
