package postgresql

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/loykin/kmsconverge/internal/constants"
)

// Dialect implements SQL dialect for PostgreSQL
type Dialect struct{}

// NewDialect creates a new PostgreSQL dialect
func NewDialect() *Dialect {
	return &Dialect{}
}

// GetPlaceholder returns PostgreSQL-style placeholders ($1, $2, etc.)
func (p *Dialect) GetPlaceholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

// ConvertTimeToStorage converts time to PostgreSQL storage format (native time.Time)
func (p *Dialect) ConvertTimeToStorage(t time.Time) interface{} {
	return t.UTC()
}

// ConvertTimeFromStorage converts PostgreSQL time storage to RFC3339Nano string
func (p *Dialect) ConvertTimeFromStorage(val interface{}) string {
	switch t := val.(type) {
	case *time.Time:
		if t != nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case sql.NullTime:
		if t.Valid {
			return t.Time.UTC().Format(time.RFC3339Nano)
		}
	}
	return ""
}

// Connect establishes a connection to PostgreSQL with connection pooling
func (p *Dialect) Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(constants.DefaultPostgresMaxConnections)
	db.SetMaxIdleConns(constants.DefaultPostgresMaxIdleConns)
	db.SetConnMaxLifetime(constants.DefaultMaxConnLifetime)
	db.SetConnMaxIdleTime(constants.DefaultMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}
	return db, nil
}

// GetEnsureStatements returns PostgreSQL-specific table creation statements
func (p *Dialect) GetEnsureStatements(scenarioRuns, pollAttempts, storedFacts string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id BIGSERIAL PRIMARY KEY, run_id TEXT NOT NULL UNIQUE, scenario TEXT NOT NULL, deployment TEXT NOT NULL, status TEXT NOT NULL, error TEXT NULL, started_at TIMESTAMPTZ NOT NULL, finished_at TIMESTAMPTZ NULL)", scenarioRuns),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id BIGSERIAL PRIMARY KEY, run_id TEXT NOT NULL, kind TEXT NOT NULL, number INTEGER NOT NULL, status_code INTEGER NOT NULL DEFAULT 0, satisfied BOOLEAN NOT NULL DEFAULT FALSE, detail TEXT NULL, at TIMESTAMPTZ NOT NULL)", pollAttempts),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (run_id TEXT NOT NULL, name TEXT NOT NULL, value TEXT NOT NULL, PRIMARY KEY(run_id, name))", storedFacts),
	}
}

// GetDriverName returns the driver name for logging
func (p *Dialect) GetDriverName() string {
	return "postgresql"
}
