package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-viper/mapstructure/v2"
	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/internal/httpc"
	"github.com/loykin/kmsconverge/internal/store"
	"github.com/loykin/kmsconverge/internal/util"
	"github.com/loykin/kmsconverge/pkg/kms"
	"github.com/loykin/kmsconverge/pkg/poll"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

type SQLiteStoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type StoreConfig struct {
	Disabled    bool                 `mapstructure:"disabled" yaml:"disabled"`
	Type        string               `mapstructure:"type" yaml:"type"`
	SQLite      SQLiteStoreConfig    `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres    store.PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	TablePrefix string               `mapstructure:"table_prefix" yaml:"table_prefix"`
}

type EnvConfig struct {
	Name         string `mapstructure:"name" yaml:"name"`
	Value        string `mapstructure:"value" yaml:"value"`
	ValueFromEnv string `mapstructure:"valueFromEnv" yaml:"valueFromEnv"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`                   // error, warn, info, debug
	Format        string `mapstructure:"format" yaml:"format"`                 // text, json, color
	MaskSensitive *bool  `mapstructure:"mask_sensitive" yaml:"mask_sensitive"` // enable/disable sensitive data masking
}

type HealthConfig struct {
	// Source is "command" (az show-health) or "http".
	Source   string        `mapstructure:"source" yaml:"source"`
	URL      string        `mapstructure:"url" yaml:"url"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// ConvergeTimeout bounds waiting for a killed node to be replaced.
	ConvergeTimeout time.Duration `mapstructure:"converge_timeout" yaml:"converge_timeout"`
}

type PendingConfig struct {
	Status      int           `mapstructure:"status" yaml:"status"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Unbounded   bool          `mapstructure:"unbounded" yaml:"unbounded"`
}

type KMSConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Transport string `mapstructure:"transport" yaml:"transport"`
	Auth      string `mapstructure:"auth" yaml:"auth"`
	ScriptDir string `mapstructure:"script_dir" yaml:"script_dir"`
	// Attestation and WrappingKey are files read for key requests.
	Attestation string `mapstructure:"attestation" yaml:"attestation"`
	WrappingKey string `mapstructure:"wrapping_key" yaml:"wrapping_key"`
}

type JWTConfig struct {
	kms.ClientCredentialsConfig `mapstructure:",squash" yaml:",inline"`
	// Secret and Issuer sign demo tokens locally when no token_url is set.
	Secret string `mapstructure:"secret" yaml:"secret"`
	Issuer string `mapstructure:"issuer" yaml:"issuer"`
}

type ClientConfig struct {
	Insecure      bool   `mapstructure:"insecure" yaml:"insecure"`
	MinTLSVersion string `mapstructure:"min_tls_version" yaml:"min_tls_version"`
	CACert        string `mapstructure:"ca_cert" yaml:"ca_cert"`
	ClientCert    string `mapstructure:"client_cert" yaml:"client_cert"`
	ClientKey     string `mapstructure:"client_key" yaml:"client_key"`
}

type ClusterConfig struct {
	Nodes         int    `mapstructure:"nodes" yaml:"nodes"`
	ScaleScript   string `mapstructure:"scale_script" yaml:"scale_script"`
	ComposeFile   string `mapstructure:"compose_file" yaml:"compose_file"`
	ResourceGroup string `mapstructure:"resource_group" yaml:"resource_group"`
	UpAttempts    int    `mapstructure:"up_attempts" yaml:"up_attempts"`
	// KillEnvironment is the test environment of the node-kill scenarios.
	KillEnvironment string `mapstructure:"kill_environment" yaml:"kill_environment"`
}

type ConfigDoc struct {
	RepoRoot        string        `mapstructure:"repo_root" yaml:"repo_root"`
	TestEnvironment string        `mapstructure:"test_environment" yaml:"test_environment"`
	Env             []EnvConfig   `mapstructure:"env" yaml:"env"`
	Health          HealthConfig  `mapstructure:"health" yaml:"health"`
	Pending         PendingConfig `mapstructure:"pending" yaml:"pending"`
	KMS             KMSConfig     `mapstructure:"kms" yaml:"kms"`
	JWT             JWTConfig     `mapstructure:"jwt" yaml:"jwt"`
	Client          ClientConfig  `mapstructure:"client" yaml:"client"`
	Cluster         ClusterConfig `mapstructure:"cluster" yaml:"cluster"`
	Store           StoreConfig   `mapstructure:"store" yaml:"store"`
	Logging         LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// Load reads the YAML document at path. Durations are written as "5s", "10m".
func (c *ConfigDoc) Load(path string) error {
	clean := filepath.Clean(path)
	// Ensure path points to a regular file to avoid opening directories/special files
	if info, statErr := os.Stat(clean); statErr != nil || !info.Mode().IsRegular() {
		if statErr != nil {
			return statErr
		}
		return fmt.Errorf("not a regular file: %s", clean)
	}
	// #nosec G304 -- config path is provided intentionally by the user/CI; cleaned and validated above
	b, err := os.ReadFile(clean)
	if err != nil {
		return err
	}
	return c.Decode(b)
}

// Decode parses a YAML document into c.
func (c *ConfigDoc) Decode(b []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused: true,
		Result:      c,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// GetFacts returns the base facts declared under env.
func (c *ConfigDoc) GetFacts() map[string]string {
	out := map[string]string{}
	for _, kv := range c.Env {
		if kv.Name == "" {
			continue
		}
		val := kv.Value
		if val == "" && strings.TrimSpace(kv.ValueFromEnv) != "" {
			val = os.Getenv(kv.ValueFromEnv)
			if val == "" {
				common.LogWarn("env variable requested but empty or not set", "name", kv.Name, "env_var", kv.ValueFromEnv)
			}
		}
		out[kv.Name] = val
	}
	return out
}

func (c *ConfigDoc) testEnvironment() string {
	if s := strings.TrimSpace(c.TestEnvironment); s != "" {
		return s
	}
	return constants.DefaultTestEnvironment
}

func (c *ConfigDoc) repoRoot() string {
	if s := strings.TrimSpace(c.RepoRoot); s != "" {
		return s
	}
	return "."
}

// PollConfig returns the bounds for calls that answer "still processing".
func (c *ConfigDoc) PollConfig() poll.Config {
	cfg := poll.DefaultConfig()
	p := c.Pending
	if p.Status != 0 {
		cfg.PendingStatus = p.Status
	}
	if p.MaxAttempts != 0 {
		cfg.MaxAttempts = p.MaxAttempts
	}
	if p.Interval != 0 {
		cfg.Interval = p.Interval
	}
	if p.Timeout != 0 {
		cfg.Timeout = p.Timeout
	}
	if p.Unbounded {
		cfg.Unbounded = true
		cfg.MaxAttempts, cfg.Timeout = 0, 0
	}
	return cfg
}

// StoreConfig returns the ledger configuration, or nil when it is disabled.
func (c *StoreConfig) StoreConfig(repoRoot string) *store.Config {
	if c.Disabled {
		return nil
	}
	switch util.TrimAndLower(c.Type) {
	case "postgres", "postgresql", "pg":
		pg := c.Postgres
		return &store.Config{Driver: store.DriverPostgresql, TablePrefix: c.TablePrefix, DriverConfig: &pg}
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(c.SQLite.Path)
		if path == "" {
			path = filepath.Join(repoRoot, constants.DefaultStoreFileName)
		}
		return &store.Config{Driver: store.DriverSqlite, TablePrefix: c.TablePrefix, DriverConfig: &store.SqliteConfig{Path: path}}
	default:
		return nil
	}
}

// Validate reports configuration values that cannot work.
func (c *ConfigDoc) Validate() error {
	switch util.TrimAndLower(c.Store.Type) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
	default:
		return fmt.Errorf("store.type: unsupported %q (valid: sqlite, postgres)", c.Store.Type)
	}
	switch c.Health.Source {
	case "", "command", "http":
	default:
		return fmt.Errorf("health.source: unsupported %q (valid: command, http)", c.Health.Source)
	}
	switch c.KMS.Transport {
	case "", "http", "script":
	default:
		return fmt.Errorf("kms.transport: unsupported %q (valid: http, script)", c.KMS.Transport)
	}
	switch kms.AuthMode(c.KMS.Auth) {
	case kms.AuthDefault, kms.AuthJWT, kms.AuthMemberCert, kms.AuthDisabled:
	default:
		return fmt.Errorf("kms.auth: unsupported %q (valid: jwt, member_cert, none)", c.KMS.Auth)
	}
	return nil
}

// parseTLSVersion converts a TLS version string to the corresponding crypto/tls constant.
// Returns 0 if the version string is not recognized.
func parseTLSVersion(version string) uint16 {
	switch strings.TrimSpace(strings.ToLower(version)) {
	case "1.0", "10", "tls1.0", "tls10":
		return tls.VersionTLS10
	case "1.1", "11", "tls1.1", "tls11":
		return tls.VersionTLS11
	case "1.2", "12", "tls1.2", "tls12":
		return tls.VersionTLS12
	case "1.3", "13", "tls1.3", "tls13":
		return tls.VersionTLS13
	default:
		return 0
	}
}

// HTTPClient builds the client used for health and KMS requests.
func (c *ConfigDoc) HTTPClient() (*resty.Client, error) {
	h := &httpc.Httpc{
		TlsConfig:      &tls.Config{MinVersion: parseTLSVersion(c.Client.MinTLSVersion)},
		Insecure:       c.Client.Insecure,
		CACertFile:     c.Client.CACert,
		ClientCertFile: c.Client.ClientCert,
		ClientKeyFile:  c.Client.ClientKey,
	}
	return h.New()
}

// Tokens returns the JWT source for key requests: an OAuth2 client
// credentials grant when token_url is set, locally signed demo tokens when
// a secret is set, nil otherwise.
func (c *ConfigDoc) Tokens(ctx context.Context) (oauth2.TokenSource, error) {
	j := c.JWT
	switch {
	case strings.TrimSpace(j.TokenURL) != "":
		return j.ClientCredentialsConfig.TokenSource(ctx)
	case j.Secret != "":
		return kms.IssuerConfig{Secret: j.Secret, Issuer: j.Issuer, Subject: "kmsconverge"}.TokenSource(), nil
	default:
		return nil, nil
	}
}

func (c *ConfigDoc) parseLogLevel() (common.LogLevel, error) {
	level := util.TrimAndLower(c.Logging.Level)
	switch level {
	case "error":
		return common.LogLevelError, nil
	case "warn", "warning":
		return common.LogLevelWarn, nil
	case "info", "":
		return common.LogLevelInfo, nil
	case "debug":
		return common.LogLevelDebug, nil
	default:
		return common.LogLevelInfo, fmt.Errorf("invalid logging level: %s (valid: error, warn, info, debug)", c.Logging.Level)
	}
}

// SetupLogging configures the global logger based on config settings
func (c *ConfigDoc) SetupLogging(verbose bool) (*common.Logger, error) {
	level, err := c.parseLogLevel()
	if err != nil {
		return nil, err
	}
	if verbose && level < common.LogLevelDebug {
		level = common.LogLevelDebug
	}

	var logger *common.Logger
	format := util.TrimAndLower(c.Logging.Format)
	switch format {
	case "json":
		logger = common.NewJSONLogger(level)
	case "color", "colour":
		logger = common.NewColorLogger(level)
	case "text", "":
		logger = common.NewLogger(level)
	default:
		return nil, fmt.Errorf("invalid logging format: %s (valid: text, json, color)", c.Logging.Format)
	}

	maskingEnabled := true
	if c.Logging.MaskSensitive != nil {
		maskingEnabled = *c.Logging.MaskSensitive
	}
	logger.EnableMasking(maskingEnabled)
	common.SetDefaultLogger(logger)
	common.EnableMasking(maskingEnabled)

	logger.Debug("logging configured",
		"level", level.String(),
		"format", format,
		"mask_sensitive", maskingEnabled)
	return logger, nil
}
