package connector

import (
	"context"
	"database/sql"
	"time"
)

// Run is one scenario execution recorded in the scenario_runs table.
// Error is nil for runs that passed or are still in progress.
type Run struct {
	ID         int64
	RunID      string
	Scenario   string
	Deployment string
	Status     string
	Error      *string
	StartedAt  string
	FinishedAt string // empty while the run is in progress
}

// Attempt is one observation made while a run waited on the cluster: a
// health snapshot check or a pending-operation call.
type Attempt struct {
	ID         int64
	RunID      string
	Kind       string
	Number     int
	StatusCode int
	Satisfied  bool
	Detail     *string
	At         string
}

// TableNames represents database table names
type TableNames struct {
	ScenarioRuns string
	PollAttempts string
	StoredFacts  string
}

// Connector is implemented by every ledger backend.
type Connector interface {
	Connect() (*sql.DB, error)
	Validate() error
	Load(config map[string]interface{}) error
	Ensure(ctx context.Context, th TableNames) error
	StartRun(ctx context.Context, th TableNames, r Run, at time.Time) error
	FinishRun(ctx context.Context, th TableNames, runID, status string, errMsg *string, at time.Time) error
	RecordAttempt(ctx context.Context, th TableNames, a Attempt, at time.Time) error
	// ListRuns returns the newest runs first; limit <= 0 returns all.
	ListRuns(ctx context.Context, th TableNames, limit int) ([]Run, error)
	// ListAttempts returns the attempts of a run ordered by id ASC
	ListAttempts(ctx context.Context, th TableNames, runID string) ([]Attempt, error)
	SaveFacts(ctx context.Context, th TableNames, runID string, kv map[string]string) error
	LoadFacts(ctx context.Context, th TableNames, runID string) (map[string]string, error)
	Close() error
}
