package store

import (
	"github.com/loykin/kmsconverge/internal/retry"
	"github.com/loykin/kmsconverge/internal/store/postgresql"
	"github.com/loykin/kmsconverge/internal/store/sqlite"
)

const (
	DriverSqlite     = "sqlite"
	DriverPostgresql = "postgresql"
)

type Config struct {
	Driver       string `mapstructure:"driver"`
	TablePrefix  string `mapstructure:"table_prefix"`
	DriverConfig DriverConfig
	// Retry governs connecting and ledger writes; nil uses retry defaults.
	Retry *retry.Config
}

type DriverConfig interface {
	ToMap() map[string]interface{}
}

type SqliteConfig = sqlite.Config
type PostgresConfig = postgresql.Config
