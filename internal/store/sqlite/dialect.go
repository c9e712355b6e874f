package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Dialect implements SQL dialect for SQLite
type Dialect struct{}

// NewDialect creates a new SQLite dialect
func NewDialect() *Dialect {
	return &Dialect{}
}

// GetPlaceholder returns SQLite-style placeholders (?)
func (s *Dialect) GetPlaceholder() string {
	return "?"
}

// ConvertBoolToStorage converts bool to SQLite storage format (integer 0/1)
func (s *Dialect) ConvertBoolToStorage(b bool) interface{} {
	if b {
		return 1
	}
	return 0
}

// ConvertTimeToStorage converts time to SQLite storage format (RFC3339Nano string)
func (s *Dialect) ConvertTimeToStorage(t time.Time) interface{} {
	return t.UTC().Format(time.RFC3339Nano)
}

// ConvertBoolFromStorage converts SQLite integer storage to bool
func (s *Dialect) ConvertBoolFromStorage(val interface{}) bool {
	if i, ok := val.(int64); ok {
		return i != 0
	}
	if i, ok := val.(int); ok {
		return i != 0
	}
	return false
}

// ConvertTimeFromStorage converts SQLite string storage to RFC3339Nano string
func (s *Dialect) ConvertTimeFromStorage(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case sql.NullString:
		if v.Valid {
			return v.String
		}
	}
	return ""
}

// Connect establishes a connection to SQLite with connection pooling
func (s *Dialect) Connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// SQLite allows only one writer; parallel scenarios serialize here
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return db, nil
}

// GetEnsureStatements returns SQLite-specific table creation statements
func (s *Dialect) GetEnsureStatements(scenarioRuns, pollAttempts, storedFacts string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, run_id TEXT NOT NULL UNIQUE, scenario TEXT NOT NULL, deployment TEXT NOT NULL, status TEXT NOT NULL, error TEXT NULL, started_at TEXT NOT NULL, finished_at TEXT NULL)", scenarioRuns),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, run_id TEXT NOT NULL, kind TEXT NOT NULL, number INTEGER NOT NULL, status_code INTEGER NOT NULL DEFAULT 0, satisfied INTEGER NOT NULL DEFAULT 0, detail TEXT NULL, at TEXT NOT NULL)", pollAttempts),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (run_id TEXT NOT NULL, name TEXT NOT NULL, value TEXT NOT NULL, PRIMARY KEY(run_id, name))", storedFacts),
	}
}

// GetDriverName returns the driver name for logging
func (s *Dialect) GetDriverName() string {
	return "sqlite"
}
