package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/kmsconverge/internal/clock"
	"github.com/loykin/kmsconverge/pkg/command"
	"github.com/loykin/kmsconverge/pkg/env"
)

func snapshotOf(statuses ...string) *Snapshot {
	s := &Snapshot{}
	for i, st := range statuses {
		s.Nodes = append(s.Nodes, NodeHealth{Name: fmt.Sprintf("node-%d", i), Status: st})
	}
	return s
}

// sequence returns snapshots failing cond for the first m fetches.
func sequence(m int, fail, pass *Snapshot) (Source, *int) {
	calls := 0
	return SourceFunc(func(context.Context) (*Snapshot, error) {
		calls++
		if calls <= m {
			return fail, nil
		}
		return pass, nil
	}), &calls
}

func newTestPoller(src Source) *Poller {
	p := NewPoller(src)
	p.Clock = clock.NewAutoFake(time.Unix(0, 0))
	return p
}

func TestWaitForCondition_SucceedsAfterMisses(t *testing.T) {
	src, calls := sequence(5, snapshotOf("Ok", "Ok", "NeedsReplacement"), snapshotOf("Ok", "Ok"))
	err := newTestPoller(src).WaitForCondition(context.Background(), HealthyCount(2), 60*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// the first snapshot already has 2 Ok nodes
	if *calls != 1 {
		t.Fatalf("expected 1 call, got %d", *calls)
	}

	src, calls = sequence(5, snapshotOf("Ok", "NeedsReplacement"), snapshotOf("Ok", "Ok"))
	if err := newTestPoller(src).WaitForCondition(context.Background(), HealthyCount(2), 60*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *calls != 6 {
		t.Fatalf("expected success on poll 6, got %d calls", *calls)
	}
}

func TestWaitForCondition_TimeoutIncludesSnapshot(t *testing.T) {
	src, calls := sequence(1000, snapshotOf("Ok", "NeedsReplacement", "Ok"), snapshotOf("Ok", "Ok", "Ok"))
	err := newTestPoller(src).WaitForCondition(context.Background(), Converged(3), 60*time.Second)
	var tErr *ConvergenceTimeoutError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected ConvergenceTimeoutError, got %v", err)
	}
	// polls at t=0,5,...,55
	if *calls != 12 || tErr.Attempts != 12 {
		t.Fatalf("expected 12 polls, got calls=%d attempts=%d", *calls, tErr.Attempts)
	}
	if tErr.LastAttempt != PredicateMiss || tErr.LastSnapshot == nil {
		t.Fatalf("unexpected error %+v", tErr)
	}
	if !strings.Contains(err.Error(), "node-1:NeedsReplacement") {
		t.Fatalf("message lacks snapshot: %q", err.Error())
	}
}

func TestWaitForCondition_DeadlineBoundary(t *testing.T) {
	// 12 polls fit in 60s at a 5s interval: m=11 succeeds, m=12 times out
	src, _ := sequence(11, snapshotOf("Ok"), snapshotOf("Ok", "Ok"))
	if err := newTestPoller(src).WaitForCondition(context.Background(), HealthyCount(2), 60*time.Second); err != nil {
		t.Fatalf("m=11 should succeed: %v", err)
	}
	src, _ = sequence(12, snapshotOf("Ok"), snapshotOf("Ok", "Ok"))
	if err := newTestPoller(src).WaitForCondition(context.Background(), HealthyCount(2), 60*time.Second); err == nil {
		t.Fatalf("m=12 should time out")
	}
}

func TestWaitForCondition_TransientErrorsAreTolerated(t *testing.T) {
	calls := 0
	var observed []Attempt
	src := SourceFunc(func(context.Context) (*Snapshot, error) {
		calls++
		if calls%2 == 1 {
			return nil, errors.New("connection reset")
		}
		if calls < 6 {
			return snapshotOf("Ok", "NeedsReplacement"), nil
		}
		return snapshotOf("Ok", "Ok"), nil
	})
	p := newTestPoller(src)
	p.Observer = func(a Attempt) { observed = append(observed, a) }
	if err := p.WaitForCondition(context.Background(), HealthyCount(2), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var fetchErr *TransientHealthFetchError
	if !errors.As(observed[0].Err, &fetchErr) || observed[0].Kind() != FetchError {
		t.Fatalf("expected typed fetch error, got %+v", observed[0])
	}
	if observed[1].Kind() != PredicateMiss || observed[len(observed)-1].Satisfied != true {
		t.Fatalf("unexpected attempts %+v", observed)
	}
}

func TestWaitForCondition_LastAttemptFetchError(t *testing.T) {
	calls := 0
	src := SourceFunc(func(context.Context) (*Snapshot, error) {
		calls++
		if calls == 1 {
			return snapshotOf("Ok"), nil
		}
		return nil, errors.New("unauthorized")
	})
	err := newTestPoller(src).WaitForCondition(context.Background(), HealthyCount(3), 30*time.Second)
	var tErr *ConvergenceTimeoutError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if tErr.LastAttempt != FetchError || tErr.LastSnapshot == nil || tErr.LastErr == nil {
		t.Fatalf("unexpected error %+v", tErr)
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("message lacks last error: %q", err.Error())
	}
}

func TestWaitForCondition_NoSnapshot(t *testing.T) {
	src := SourceFunc(func(context.Context) (*Snapshot, error) { return nil, errors.New("dns failure") })
	err := newTestPoller(src).WaitForCondition(context.Background(), HealthyCount(0), 20*time.Second)
	var tErr *ConvergenceTimeoutError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected timeout, got %v", err)
	}
	// HealthyCount(0) would hold on an empty snapshot; with no snapshot it must not
	if tErr.LastAttempt != NoSnapshot || tErr.LastSnapshot != nil {
		t.Fatalf("unexpected error %+v", tErr)
	}
	if !strings.Contains(err.Error(), "no snapshot") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWaitForCondition_ZeroTimeoutNeverSucceedsWithoutFetch(t *testing.T) {
	src, calls := sequence(0, nil, snapshotOf("Ok"))
	err := newTestPoller(src).WaitForCondition(context.Background(), HealthyCount(1), 0)
	if err == nil || *calls != 0 {
		t.Fatalf("expected timeout with no fetch, err=%v calls=%d", err, *calls)
	}
}

func TestWaitForCondition_ContextCancelled(t *testing.T) {
	p := NewPoller(SourceFunc(func(context.Context) (*Snapshot, error) { return snapshotOf(), nil }))
	p.Clock = clock.NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.WaitForCondition(ctx, HealthyCount(1), time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestWaitForCondition_MissingFactFailsFast(t *testing.T) {
	calls := 0
	exec := command.ExecutorFunc(func(context.Context, []string, string, []string, io.Writer, io.Writer) (int, error) {
		calls++
		return 0, nil
	})
	// no WORKSPACE fact: show-health cannot be rendered
	facts := env.FromMap(map[string]string{"DEPLOYMENT_NAME": "kms-t1"})
	src := NewCommandSource(&command.Runner{Facts: facts, Executor: exec})
	p := newTestPoller(src)
	attempts := 0
	p.Observer = func(Attempt) { attempts++ }

	err := p.WaitForCondition(context.Background(), HealthyCount(3), 10*time.Minute)
	var rerr *command.RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *command.RenderError, got %T %v", err, err)
	}
	var tErr *ConvergenceTimeoutError
	if errors.As(err, &tErr) {
		t.Fatalf("render failure must not wait for the deadline: %v", err)
	}
	if calls != 0 || attempts != 0 {
		t.Fatalf("calls=%d attempts=%d, want none", calls, attempts)
	}
	if !strings.Contains(err.Error(), "WORKSPACE") {
		t.Fatalf("error should name the missing fact: %v", err)
	}
}

func TestConditions(t *testing.T) {
	s := snapshotOf("Ok", "Ok", "NeedsReplacement", "Starting")
	tests := []struct {
		cond Condition
		want bool
	}{
		{HealthyCount(2), true},
		{HealthyCount(3), false},
		{StatusCount("Starting", 1), true},
		{Converged(2), false},
		{Converged(3), false},
		{All(), true},
		{All(HealthyCount(2), StatusCount("NeedsReplacement", 1)), true},
	}
	for _, tt := range tests {
		if got := tt.cond.Holds(s); got != tt.want {
			t.Errorf("%s: got %v want %v", tt.cond, got, tt.want)
		}
	}
	if !Converged(2).Holds(snapshotOf("Ok", "Ok")) {
		t.Errorf("converged should hold")
	}
	if HealthyCount(0).Holds(nil) {
		t.Errorf("nil snapshot must never satisfy a condition")
	}
	if Converged(3).Name != "count(Ok)==3 && count(NeedsReplacement)==0" {
		t.Errorf("unexpected name %q", Converged(3).Name)
	}
}

func TestParseSnapshot(t *testing.T) {
	out := "Fetching health...\n" + `{"nodeHealth":[{"name":"n0","endpoint":"https://n0","status":"Ok"},{"nodeId":"n1","status":"NeedsReplacement"}]}`
	at := time.Unix(100, 0)
	s, err := ParseSnapshot(out, at)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(s.Nodes) != 2 || s.Nodes[0].Endpoint != "https://n0" || s.Nodes[1].Name != "n1" {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if !s.FetchedAt.Equal(at) || s.Healthy() != 1 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if _, err := ParseSnapshot(`{"status":"Ok"}`, at); err == nil {
		t.Fatalf("expected error without nodeHealth")
	}
	if _, err := ParseSnapshot("nothing", at); err == nil {
		t.Fatalf("expected error without JSON")
	}
}

func TestCommandSource(t *testing.T) {
	var gotArgs []string
	exec := command.ExecutorFunc(func(_ context.Context, args []string, _ string, _ []string, stdout, _ io.Writer) (int, error) {
		gotArgs = args
		_, _ = io.WriteString(stdout, `{"nodeHealth":[{"status":"Ok"},{"status":"Ok"}]}`)
		return 0, nil
	})
	facts := env.FromMap(map[string]string{"DEPLOYMENT_NAME": "kms-t1", "WORKSPACE": "/ws"})
	src := NewCommandSource(&command.Runner{Facts: facts, Executor: exec})
	s, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s.Healthy() != 2 {
		t.Fatalf("unexpected snapshot %v", s)
	}
	want := "az cleanroom ccf network show-health --name kms-t1 --provider-client kms-t1-provider --provider-config /ws/providerConfig.json"
	if strings.Join(gotArgs, " ") != want {
		t.Fatalf("got %q", strings.Join(gotArgs, " "))
	}
	if _, ok := facts.Lookup("nodeHealth"); ok {
		t.Fatalf("health output must not be merged into facts")
	}
}

func TestHTTPSource(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"nodeHealth":[{"status":"Ok"}]}`))
	}))
	defer srv.Close()

	src := &HTTPSource{URL: srv.URL + "/health"}
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error on 503")
	}
	healthy.Store(true)
	s, err := src.Fetch(context.Background())
	if err != nil || s.Healthy() != 1 {
		t.Fatalf("unexpected snapshot %v err=%v", s, err)
	}
}
