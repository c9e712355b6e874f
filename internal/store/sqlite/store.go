package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/store/connector"
)

// maxStoredFacts bounds a single SaveFacts batch.
const maxStoredFacts = 10000

type Store struct {
	db      *sql.DB
	dialect *Dialect
	DSN     string
}

var _ connector.Connector = (*Store)(nil)

// NewStore creates a new SQLite store
func NewStore() *Store {
	return &Store{
		dialect: NewDialect(),
	}
}

// Load loads configuration into the SQLite store
func (s *Store) Load(config map[string]interface{}) error {
	if dsn, ok := config["dsn"].(string); ok && dsn != "" {
		s.DSN = dsn
		return nil
	}
	if path, ok := config["path"].(string); ok && path != "" {
		s.DSN = fmt.Sprintf("file:%s?_busy_timeout=%d&%s", path, busyTimeoutMS, foreignKeysParam)
	}
	return nil
}

// Connect establishes a connection to SQLite using the adapter
func (s *Store) Connect() (*sql.DB, error) {
	if s.DSN == "" {
		// Default to in-memory database for testing
		s.DSN = ":memory:"
	}

	db, err := s.dialect.Connect(s.DSN)
	if err != nil {
		return nil, err
	}
	s.db = db

	logger := common.GetLogger().WithStore("sqlite")
	logger.Info("SQLite database connection established successfully")
	return db, nil
}

// Validate performs basic validation (default implementation)
func (s *Store) Validate() error {
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure creates the necessary tables using SQLite-specific schema
func (s *Store) Ensure(ctx context.Context, th connector.TableNames) error {
	logger := common.GetLogger().WithStore("sqlite")
	logger.Debug("ensuring SQLite database schema", "tables", []string{th.ScenarioRuns, th.PollAttempts, th.StoredFacts})

	stmts := s.dialect.GetEnsureStatements(th.ScenarioRuns, th.PollAttempts, th.StoredFacts)
	for i, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			logger.Error("failed to create table in schema setup", "error", err, "table_index", i+1, "sql", q)
			return fmt.Errorf("failed to create table %d in schema setup: %w", i+1, err)
		}
	}
	logger.Debug("SQLite database schema ensured successfully")
	return nil
}

// StartRun inserts a run in progress.
func (s *Store) StartRun(ctx context.Context, th connector.TableNames, r connector.Run, at time.Time) error {
	// #nosec G201 -- table identifier validated by the store; values are bind parameters
	q := fmt.Sprintf("INSERT INTO %s(run_id, scenario, deployment, status, started_at) VALUES(?,?,?,?,?)", th.ScenarioRuns)
	if _, err := s.db.ExecContext(ctx, q, r.RunID, r.Scenario, r.Deployment, r.Status, s.dialect.ConvertTimeToStorage(at)); err != nil {
		return fmt.Errorf("failed to record start of run %s: %w", r.RunID, err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(ctx context.Context, th connector.TableNames, runID, status string, errMsg *string, at time.Time) error {
	// #nosec G201 -- table identifier validated by the store; values are bind parameters
	q := fmt.Sprintf("UPDATE %s SET status = ?, error = ?, finished_at = ? WHERE run_id = ?", th.ScenarioRuns)
	res, err := s.db.ExecContext(ctx, q, status, errMsg, s.dialect.ConvertTimeToStorage(at), runID)
	if err != nil {
		return fmt.Errorf("failed to record end of run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// RecordAttempt appends one poll attempt.
func (s *Store) RecordAttempt(ctx context.Context, th connector.TableNames, a connector.Attempt, at time.Time) error {
	// #nosec G201 -- table identifier validated by the store; values are bind parameters
	q := fmt.Sprintf("INSERT INTO %s(run_id, kind, number, status_code, satisfied, detail, at) VALUES(?,?,?,?,?,?,?)", th.PollAttempts)
	_, err := s.db.ExecContext(ctx, q, a.RunID, a.Kind, a.Number, a.StatusCode,
		s.dialect.ConvertBoolToStorage(a.Satisfied), a.Detail, s.dialect.ConvertTimeToStorage(at))
	if err != nil {
		return fmt.Errorf("failed to record %s attempt %d of run %s: %w", a.Kind, a.Number, a.RunID, err)
	}
	return nil
}

// ListRuns returns run history, newest first
func (s *Store) ListRuns(ctx context.Context, th connector.TableNames, limit int) ([]connector.Run, error) {
	// #nosec G201 -- table identifier validated by the store
	q := fmt.Sprintf("SELECT id, run_id, scenario, deployment, status, error, started_at, finished_at FROM %s ORDER BY id DESC", th.ScenarioRuns)
	args := []interface{}{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenario runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []connector.Run
	for rows.Next() {
		var r connector.Run
		var errMsg, finished sql.NullString
		var started string
		if err := rows.Scan(&r.ID, &r.RunID, &r.Scenario, &r.Deployment, &r.Status, &errMsg, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan scenario run: %w", err)
		}
		if errMsg.Valid {
			r.Error = &errMsg.String
		}
		r.StartedAt = s.dialect.ConvertTimeFromStorage(started)
		r.FinishedAt = s.dialect.ConvertTimeFromStorage(finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenario runs: %w", err)
	}
	return runs, nil
}

// ListAttempts returns the attempts of one run in recording order
func (s *Store) ListAttempts(ctx context.Context, th connector.TableNames, runID string) ([]connector.Attempt, error) {
	// #nosec G201 -- table identifier validated by the store; WHERE uses a bind parameter
	q := fmt.Sprintf("SELECT id, run_id, kind, number, status_code, satisfied, detail, at FROM %s WHERE run_id = ? ORDER BY id ASC", th.PollAttempts)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts of run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []connector.Attempt
	for rows.Next() {
		var a connector.Attempt
		var satisfied int64
		var detail sql.NullString
		var at string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Number, &a.StatusCode, &satisfied, &detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Satisfied = s.dialect.ConvertBoolFromStorage(satisfied)
		if detail.Valid {
			a.Detail = &detail.String
		}
		a.At = s.dialect.ConvertTimeFromStorage(at)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return out, nil
}

// SaveFacts upserts the facts of a run.
func (s *Store) SaveFacts(ctx context.Context, th connector.TableNames, runID string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	if len(kv) > maxStoredFacts {
		return fmt.Errorf("cannot store more than %d facts (got: %d)", maxStoredFacts, len(kv))
	}
	values := make([]string, 0, len(kv))
	args := make([]interface{}, 0, len(kv)*3)
	for name, value := range kv {
		values = append(values, "(?,?,?)")
		args = append(args, runID, name, value)
	}
	// #nosec G201 -- table identifier validated by the store; values are bind parameters
	q := fmt.Sprintf("INSERT OR REPLACE INTO %s(run_id, name, value) VALUES %s", th.StoredFacts, strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to store facts of run %s: %w", runID, err)
	}
	return nil
}

// LoadFacts returns the stored facts of a run.
func (s *Store) LoadFacts(ctx context.Context, th connector.TableNames, runID string) (map[string]string, error) {
	// #nosec G201 -- table identifier validated by the store; WHERE uses a bind parameter
	q := fmt.Sprintf("SELECT name, value FROM %s WHERE run_id = ?", th.StoredFacts)
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load facts of run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	kv := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan stored fact: %w", err)
		}
		kv[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stored facts: %w", err)
	}
	return kv, nil
}
