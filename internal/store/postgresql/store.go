package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/store/connector"
)

// maxStoredFacts bounds a single SaveFacts batch (3 parameters per fact).
const maxStoredFacts = 10000

type Store struct {
	db      *sql.DB
	dialect *Dialect
	DSN     string
}

var _ connector.Connector = (*Store)(nil)

// NewStore creates a new PostgreSQL store
func NewStore() *Store {
	return &Store{
		dialect: NewDialect(),
	}
}

// Load loads configuration into the PostgreSQL store
func (p *Store) Load(config map[string]interface{}) error {
	if dsn, ok := config["dsn"].(string); ok && dsn != "" {
		p.DSN = dsn
	}
	return nil
}

// Connect establishes a connection to PostgreSQL using the adapter
func (p *Store) Connect() (*sql.DB, error) {
	db, err := p.dialect.Connect(p.DSN)
	if err != nil {
		return nil, err
	}
	p.db = db

	logger := common.GetLogger().WithStore("postgresql")
	logger.Info("PostgreSQL database connection established successfully")
	return db, nil
}

// Validate requires a DSN
func (p *Store) Validate() error {
	if strings.TrimSpace(p.DSN) == "" {
		return errors.New("postgres: dsn or host is required")
	}
	return nil
}

// Close closes the database connection
func (p *Store) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Ensure creates the necessary tables using PostgreSQL-specific schema
func (p *Store) Ensure(ctx context.Context, th connector.TableNames) error {
	logger := common.GetLogger().WithStore("postgresql")
	logger.Debug("ensuring PostgreSQL database schema", "tables", []string{th.ScenarioRuns, th.PollAttempts, th.StoredFacts})

	stmts := p.dialect.GetEnsureStatements(th.ScenarioRuns, th.PollAttempts, th.StoredFacts)
	for i, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			logger.Error("failed to create table in schema setup", "error", err, "table_index", i+1, "sql", q)
			return fmt.Errorf("failed to create table %d in PostgreSQL schema setup: %w", i+1, err)
		}
	}
	logger.Debug("PostgreSQL database schema ensured successfully")
	return nil
}

// StartRun inserts a run in progress.
func (p *Store) StartRun(ctx context.Context, th connector.TableNames, r connector.Run, at time.Time) error {
	// #nosec G201 -- table identifier validated by the store; values are bind parameters
	q := fmt.Sprintf("INSERT INTO %s(run_id, scenario, deployment, status, started_at) VALUES($1,$2,$3,$4,$5)", th.ScenarioRuns)
	if _, err := p.db.ExecContext(ctx, q, r.RunID, r.Scenario, r.Deployment, r.Status, p.dialect.ConvertTimeToStorage(at)); err != nil {
		return fmt.Errorf("failed to record start of run %s: %w", r.RunID, err)
	}
	return nil
}

// FinishRun sets the final status of a run.
func (p *Store) FinishRun(ctx context.Context, th connector.TableNames, runID, status string, errMsg *string, at time.Time) error {
	// #nosec G201 -- table identifier validated by the store; values are bind parameters
	q := fmt.Sprintf("UPDATE %s SET status = $1, error = $2, finished_at = $3 WHERE run_id = $4", th.ScenarioRuns)
	res, err := p.db.ExecContext(ctx, q, status, errMsg, p.dialect.ConvertTimeToStorage(at), runID)
	if err != nil {
		return fmt.Errorf("failed to record end of run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// RecordAttempt appends one poll attempt.
func (p *Store) RecordAttempt(ctx context.Context, th connector.TableNames, a connector.Attempt, at time.Time) error {
	// #nosec G201 -- table identifier validated by the store; values are bind parameters
	q := fmt.Sprintf("INSERT INTO %s(run_id, kind, number, status_code, satisfied, detail, at) VALUES($1,$2,$3,$4,$5,$6,$7)", th.PollAttempts)
	if _, err := p.db.ExecContext(ctx, q, a.RunID, a.Kind, a.Number, a.StatusCode, a.Satisfied, a.Detail, p.dialect.ConvertTimeToStorage(at)); err != nil {
		return fmt.Errorf("failed to record %s attempt %d of run %s: %w", a.Kind, a.Number, a.RunID, err)
	}
	return nil
}

// ListRuns returns run history, newest first
func (p *Store) ListRuns(ctx context.Context, th connector.TableNames, limit int) ([]connector.Run, error) {
	// #nosec G201 -- table identifier validated by the store
	q := fmt.Sprintf("SELECT id, run_id, scenario, deployment, status, error, started_at, finished_at FROM %s ORDER BY id DESC", th.ScenarioRuns)
	args := []interface{}{}
	if limit > 0 {
		q += " LIMIT " + p.dialect.GetPlaceholder(1)
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenario runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []connector.Run
	for rows.Next() {
		var r connector.Run
		var errMsg sql.NullString
		var started time.Time
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.RunID, &r.Scenario, &r.Deployment, &r.Status, &errMsg, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan scenario run: %w", err)
		}
		if errMsg.Valid {
			r.Error = &errMsg.String
		}
		r.StartedAt = p.dialect.ConvertTimeFromStorage(started)
		r.FinishedAt = p.dialect.ConvertTimeFromStorage(finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenario runs: %w", err)
	}
	return runs, nil
}

// ListAttempts returns the attempts of one run in recording order
func (p *Store) ListAttempts(ctx context.Context, th connector.TableNames, runID string) ([]connector.Attempt, error) {
	// #nosec G201 -- table identifier validated by the store; WHERE uses bind parameter $1
	q := fmt.Sprintf("SELECT id, run_id, kind, number, status_code, satisfied, detail, at FROM %s WHERE run_id = $1 ORDER BY id ASC", th.PollAttempts)
	rows, err := p.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts of run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []connector.Attempt
	for rows.Next() {
		var a connector.Attempt
		var detail sql.NullString
		var at time.Time
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Number, &a.StatusCode, &a.Satisfied, &detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if detail.Valid {
			a.Detail = &detail.String
		}
		a.At = p.dialect.ConvertTimeFromStorage(at)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return out, nil
}

// SaveFacts upserts the facts of a run.
func (p *Store) SaveFacts(ctx context.Context, th connector.TableNames, runID string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	if len(kv) > maxStoredFacts {
		return fmt.Errorf("cannot store more than %d facts (got: %d)", maxStoredFacts, len(kv))
	}
	values := make([]string, 0, len(kv))
	args := make([]interface{}, 0, len(kv)*3)
	i := 1
	for name, value := range kv {
		values = append(values, fmt.Sprintf("(%s,%s,%s)", p.dialect.GetPlaceholder(i), p.dialect.GetPlaceholder(i+1), p.dialect.GetPlaceholder(i+2)))
		args = append(args, runID, name, value)
		i += 3
	}
	// #nosec G201 -- table identifier validated by the store; values are bind parameters
	q := fmt.Sprintf("INSERT INTO %s(run_id, name, value) VALUES %s ON CONFLICT (run_id, name) DO UPDATE SET value = EXCLUDED.value",
		th.StoredFacts, strings.Join(values, ","))
	if _, err := p.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to store facts of run %s: %w", runID, err)
	}
	return nil
}

// LoadFacts returns the stored facts of a run.
func (p *Store) LoadFacts(ctx context.Context, th connector.TableNames, runID string) (map[string]string, error) {
	// #nosec G201 -- table identifier validated by the store; WHERE uses bind parameter $1
	q := fmt.Sprintf("SELECT name, value FROM %s WHERE run_id = $1", th.StoredFacts)
	rows, err := p.db.QueryContext(ctx, q, runID)
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
