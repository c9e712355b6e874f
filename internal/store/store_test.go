package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/kmsconverge/internal/constants"
)

// helper to open a store in a temporary file path
func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), constants.DefaultStoreFileName)
	st, err := OpenSqlite(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func exerciseLedger(t *testing.T, st *Store) {
	t.Helper()
	ctx := context.Background()

	runs, err := st.ListRuns(ctx, 0)
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected empty ledger, got %v %v", runs, err)
	}

	first, err := st.StartRun(ctx, "kill-node-with-orchestrator", "kms-abc")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	second, err := st.StartRun(ctx, "key-preconditions", "kms-def")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if first == second {
		t.Fatalf("run ids must be unique")
	}

	detail := "[n0:Ok n1:NeedsReplacement]"
	for i, sat := range []bool{false, false, true} {
		a := Attempt{RunID: first, Kind: KindHealth, Number: i + 1, Satisfied: sat}
		if i == 0 {
			a.Detail = &detail
		}
		if err := st.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	if err := st.RecordAttempt(ctx, Attempt{RunID: second, Kind: KindPending, Number: 1, StatusCode: 202}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	if err := st.FinishRun(ctx, first, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := st.FinishRun(ctx, second, errors.New("unexpected status 500")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := st.FinishRun(ctx, "missing", nil); err == nil {
		t.Fatalf("expected error for unknown run")
	}

	runs, err = st.ListRuns(ctx, 0)
	if err != nil || len(runs) != 2 {
		t.Fatalf("ListRuns: %v %v", runs, err)
	}
	if runs[0].RunID != second || runs[1].RunID != first {
		t.Fatalf("expected newest first, got %s then %s", runs[0].RunID, runs[1].RunID)
	}
	if runs[0].Status != StatusFailed || runs[0].Error == nil || *runs[0].Error != "unexpected status 500" {
		t.Fatalf("unexpected failed run %+v", runs[0])
	}
	if runs[1].Status != StatusPassed || runs[1].Error != nil || runs[1].FinishedAt == "" || runs[1].StartedAt == "" {
		t.Fatalf("unexpected passed run %+v", runs[1])
	}
	if limited, _ := st.ListRuns(ctx, 1); len(limited) != 1 {
		t.Fatalf("limit not applied: %d", len(limited))
	}

	attempts, err := st.ListAttempts(ctx, first)
	if err != nil || len(attempts) != 3 {
		t.Fatalf("ListAttempts: %v %v", attempts, err)
	}
	if attempts[0].Detail == nil || *attempts[0].Detail != detail || attempts[0].Satisfied {
		t.Fatalf("unexpected first attempt %+v", attempts[0])
	}
	if !attempts[2].Satisfied || attempts[2].Number != 3 {
		t.Fatalf("unexpected last attempt %+v", attempts[2])
	}

	if err := st.SaveFacts(ctx, first, map[string]string{"KMS_URL": "https://a", "DEPLOYMENT_NAME": "kms-abc"}); err != nil {
		t.Fatalf("SaveFacts: %v", err)
	}
	if err := st.SaveFacts(ctx, first, map[string]string{"KMS_URL": "https://b"}); err != nil {
		t.Fatalf("SaveFacts overwrite: %v", err)
	}
	facts, err := st.LoadFacts(ctx, first)
	if err != nil || facts["KMS_URL"] != "https://b" || facts["DEPLOYMENT_NAME"] != "kms-abc" {
		t.Fatalf("LoadFacts: %v %v", facts, err)
	}
	if empty, _ := st.LoadFacts(ctx, second); len(empty) != 0 {
		t.Fatalf("expected no facts for second run, got %v", empty)
	}
}

func TestSqliteLedger(t *testing.T) {
	exerciseLedger(t, openTempStore(t))
}

func TestRecordAttemptRequiresRun(t *testing.T) {
	st := openTempStore(t)
	if err := st.RecordAttempt(context.Background(), Attempt{Kind: KindHealth}); err == nil {
		t.Fatalf("expected error without run id")
	}
}

func TestTablePrefix(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, Config{
		Driver:       DriverSqlite,
		TablePrefix:  "nightly",
		DriverConfig: &SqliteConfig{Path: filepath.Join(t.TempDir(), "p.db")},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = st.Close() }()
	if st.TableNames().ScenarioRuns != "nightly_scenario_runs" {
		t.Fatalf("unexpected tables %+v", st.TableNames())
	}
	var n int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM nightly_poll_attempts").Scan(&n); err != nil {
		t.Fatalf("prefixed table missing: %v", err)
	}

	_, err = Open(ctx, Config{Driver: DriverSqlite, TablePrefix: "bad-prefix;"})
	if err == nil {
		t.Fatalf("expected invalid table name error")
	}
	if _, err := Open(ctx, Config{Driver: "oracle"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(ctx, Config{Driver: DriverPostgresql}); err == nil {
		t.Fatalf("expected postgres validation error without dsn")
	}
}

func TestConcurrentWrites(t *testing.T) {
	st := openTempStore(t)
	ctx := context.Background()
	runID, err := st.StartRun(ctx, "parallel", "kms-x")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- st.RecordAttempt(ctx, Attempt{RunID: runID, Kind: KindPending, Number: n, StatusCode: 202, At: time.Now().UTC().Format(time.RFC3339Nano)})
		}(i + 1)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}
	attempts, _ := st.ListAttempts(ctx, runID)
	if len(attempts) != 20 {
		t.Fatalf("expected 20 attempts, got %d", len(attempts))
	}
}
