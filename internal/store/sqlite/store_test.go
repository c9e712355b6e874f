package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/kmsconverge/internal/store/connector"
)

func TestStore_Load(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]interface{}
		want   string
	}{
		{name: "valid dsn", config: map[string]interface{}{"dsn": "file:test.db?_busy_timeout=5000"}, want: "file:test.db?_busy_timeout=5000"},
		{name: "valid path", config: map[string]interface{}{"path": "/tmp/test.db"}, want: "file:/tmp/test.db?_busy_timeout=5000&_fk=1"},
		{name: "empty dsn", config: map[string]interface{}{"dsn": ""}, want: ""},
		{name: "no dsn or path key", config: map[string]interface{}{"other": "value"}, want: ""},
		{name: "path wrong type", config: map[string]interface{}{"path": 123}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			if err := s.Load(tt.config); err != nil {
				t.Fatalf("Load: %v", err)
			}
			if s.DSN != tt.want {
				t.Errorf("DSN = %q, want %q", s.DSN, tt.want)
			}
		})
	}
}

func TestStore_InMemory(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if _, err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = s.Close() }()
	th := connector.TableNames{ScenarioRuns: "r", PollAttempts: "a", StoredFacts: "f"}
	if err := s.Ensure(ctx, th); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// idempotent
	if err := s.Ensure(ctx, th); err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.StartRun(ctx, th, connector.Run{RunID: "x", Scenario: "s", Deployment: "d", Status: "running"}, at); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.StartRun(ctx, th, connector.Run{RunID: "x", Scenario: "s", Deployment: "d", Status: "running"}, at); err == nil {
		t.Fatalf("expected duplicate run id to fail")
	}
	runs, err := s.ListRuns(ctx, th, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v %v", runs, err)
	}
	if runs[0].StartedAt != "2025-01-02T03:04:05Z" || runs[0].FinishedAt != "" {
		t.Fatalf("unexpected times %+v", runs[0])
	}
	if err := s.SaveFacts(ctx, th, "x", nil); err != nil {
		t.Fatalf("empty SaveFacts: %v", err)
	}
}

func TestDialect(t *testing.T) {
	d := NewDialect()
	if d.GetPlaceholder() != "?" || d.GetDriverName() != "sqlite" {
		t.Fatalf("unexpected dialect basics")
	}
	if d.ConvertBoolToStorage(true) != 1 || d.ConvertBoolToStorage(false) != 0 {
		t.Fatalf("bool storage")
	}
	if !d.ConvertBoolFromStorage(int64(1)) || d.ConvertBoolFromStorage(int64(0)) || d.ConvertBoolFromStorage("x") {
		t.Fatalf("bool from storage")
	}
	ts := time.Date(2025, 1, 2, 3, 4, 5, 6, time.FixedZone("x", 3600))
	if got := d.ConvertTimeToStorage(ts); got != "2025-01-02T02:04:05.000000006Z" {
		t.Fatalf("time storage = %v", got)
	}
	if len(d.GetEnsureStatements("a", "b", "c")) != 3 {
		t.Fatalf("expected three statements")
	}
}
