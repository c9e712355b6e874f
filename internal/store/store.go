// Package store is the run ledger: every scenario run, the poll attempts it
// made while waiting on the cluster, and the facts it ended with.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/internal/retry"
	"github.com/loykin/kmsconverge/internal/store/connector"
	"github.com/loykin/kmsconverge/internal/store/postgresql"
	"github.com/loykin/kmsconverge/internal/store/sqlite"
)

type (
	Run        = connector.Run
	Attempt    = connector.Attempt
	TableNames = connector.TableNames
)

// Run statuses
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// Attempt kinds
const (
	KindHealth  = "health"
	KindPending = "pending"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DefaultTableNames returns the default table names, optionally prefixed.
func DefaultTableNames(prefix string) TableNames {
	if prefix == "" {
		return TableNames{
			ScenarioRuns: constants.DefaultScenarioRuns,
			PollAttempts: constants.DefaultPollAttempts,
			StoredFacts:  constants.DefaultStoredFacts,
		}
	}
	return TableNames{
		ScenarioRuns: prefix + constants.ScenarioRunsSuffix,
		PollAttempts: prefix + constants.PollAttemptsSuffix,
		StoredFacts:  prefix + constants.StoredFactsSuffix,
	}
}

func (s *Store) safeTableNames(th TableNames) error {
	for _, n := range []string{th.ScenarioRuns, th.PollAttempts, th.StoredFacts} {
		if !identRe.MatchString(n) {
			return fmt.Errorf("invalid table name %q", n)
		}
	}
	return nil
}

// Store records scenario runs. It is safe for concurrent use.
type Store struct {
	connector connector.Connector
	db        *sql.DB
	tn        TableNames
	driver    string
	retry     *retry.Config
	now       func() time.Time
}

func newConnector(driver string) (connector.Connector, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSqlite, "sqlite3":
		return sqlite.NewStore(), nil
	case DriverPostgresql, "postgres", "pg":
		return postgresql.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// Open connects to the configured backend and ensures the schema. Connecting
// is retried on transient errors, e.g. a database container still starting.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	c, err := newConnector(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DriverConfig != nil {
		if err := c.Load(cfg.DriverConfig.ToMap()); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	rc := cfg.Retry
	if rc == nil {
		rc = retry.DefaultRetryConfig()
	}
	if rc.Component == "" {
		rc.Component = "store"
	}
	s := &Store{connector: c, tn: DefaultTableNames(cfg.TablePrefix), driver: cfg.Driver, retry: rc, now: time.Now}
	if s.driver == "" {
		s.driver = DriverSqlite
	}
	if err := s.safeTableNames(s.tn); err != nil {
		return nil, err
	}
	err = retry.WithRetry(ctx, rc, func() error {
		db, err := c.Connect()
		if err != nil {
			return err
		}
		s.db = db
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.Ensure(ctx, s.tn); err != nil {
		_ = c.Close()
		return nil, err
	}
	return s, nil
}

// OpenSqlite opens a sqlite ledger at path.
func OpenSqlite(ctx context.Context, path string) (*Store, error) {
	return Open(ctx, Config{Driver: DriverSqlite, DriverConfig: &SqliteConfig{Path: path}})
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.connector == nil {
		return nil
	}
	return s.connector.Close()
}

// Driver names the backend.
func (s *Store) Driver() string { return s.driver }

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

// TableNames returns the tables in use.
func (s *Store) TableNames() TableNames { return s.tn }

func (s *Store) write(ctx context.Context, op func() error) error {
	return retry.WithRetry(ctx, s.retry, op)
}

// StartRun records a run in progress and returns its id.
func (s *Store) StartRun(ctx context.Context, scenario, deployment string) (string, error) {
	runID := uuid.NewString()
	r := Run{RunID: runID, Scenario: scenario, Deployment: deployment, Status: StatusRunning}
	err := s.write(ctx, func() error { return s.connector.StartRun(ctx, s.tn, r, s.now()) })
	if err != nil {
		return "", err
	}
	common.GetLogger().WithStore(s.driver).Debug("scenario run started", "run_id", runID, "scenario", scenario)
	return runID, nil
}

// FinishRun records the outcome of a run; a nil runErr means it passed.
func (s *Store) FinishRun(ctx context.Context, runID string, runErr error) error {
	status := StatusPassed
	var msg *string
	if runErr != nil {
		status = StatusFailed
		m := runErr.Error()
		msg = &m
	}
	return s.write(ctx, func() error { return s.connector.FinishRun(ctx, s.tn, runID, status, msg, s.now()) })
}

// RecordAttempt appends a poll attempt to a run. A zero At means now.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.RunID == "" {
		return errors.New("attempt has no run id")
	}
	at := s.now()
	if a.At != "" {
		if t, err := time.Parse(time.RFC3339Nano, a.At); err == nil {
			at = t
		}
	}
	return s.write(ctx, func() error { return s.connector.RecordAttempt(ctx, s.tn, a, at) })
}

// SaveFacts stores the facts of a run.
func (s *Store) SaveFacts(ctx context.Context, runID string, kv map[string]string) error {
	return s.write(ctx, func() error { return s.connector.SaveFacts(ctx, s.tn, runID, kv) })
}

// LoadFacts returns the facts stored for a run.
func (s *Store) LoadFacts(ctx context.Context, runID string) (map[string]string, error) {
	return s.connector.LoadFacts(ctx, s.tn, runID)
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return s.connector.ListRuns(ctx, s.tn, limit)
}

// ListAttempts returns the attempts of a run in recording order.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]Attempt, error) {
	return s.connector.ListAttempts(ctx, s.tn, runID)
}
