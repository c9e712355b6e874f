package main

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/internal/store"
	"github.com/loykin/kmsconverge/pkg/kms"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

const fullConfig = `---
repo_root: /srv/kms
test_environment: ccf/sandbox_local
env:
  - name: WORKSPACE
    value: /tmp/ws
  - name: MEMBER
    valueFromEnv: KMSCONVERGE_TEST_MEMBER
health:
  source: http
  url: "{{.KMS_URL}}/node/health"
  interval: 2s
  timeout: 90s
  converge_timeout: 15m
pending:
  status: 202
  max_attempts: 7
  interval: 250ms
kms:
  transport: script
  auth: jwt
  script_dir: scripts/kms/endpoints
jwt:
  token_url: https://issuer.example/token
  client_id: harness
  client_secret: s3cret
  scopes: a,b
client:
  insecure: true
  min_tls_version: "1.2"
cluster:
  nodes: 4
  kill_environment: ccf/az-cleanroom-aci
store:
  type: postgres
  table_prefix: ci
  postgres:
    host: db
    dbname: ledger
logging:
  level: debug
  format: json
`

func TestConfigDoc_Load(t *testing.T) {
	t.Setenv("KMSCONVERGE_TEST_MEMBER", "member0")
	path := writeFile(t, t.TempDir(), "config.yaml", fullConfig)

	var doc ConfigDoc
	if err := doc.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.RepoRoot != "/srv/kms" || doc.testEnvironment() != "ccf/sandbox_local" {
		t.Fatalf("unexpected top level: %+v", doc)
	}
	if doc.Health.Interval != 2*time.Second || doc.Health.Timeout != 90*time.Second || doc.Health.ConvergeTimeout != 15*time.Minute {
		t.Fatalf("unexpected health durations: %+v", doc.Health)
	}
	if doc.JWT.ClientID != "harness" || doc.JWT.TokenURL != "https://issuer.example/token" {
		t.Fatalf("jwt not squashed: %+v", doc.JWT)
	}
	if len(doc.JWT.Scopes) != 2 || doc.JWT.Scopes[1] != "b" {
		t.Fatalf("scopes = %v", doc.JWT.Scopes)
	}
	if doc.Cluster.Nodes != 4 || doc.Store.Postgres.DBName != "ledger" {
		t.Fatalf("unexpected cluster/store: %+v %+v", doc.Cluster, doc.Store)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	facts := doc.GetFacts()
	if facts["WORKSPACE"] != "/tmp/ws" || facts["MEMBER"] != "member0" {
		t.Fatalf("facts = %v", facts)
	}
}

func TestConfigDoc_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	var doc ConfigDoc
	if err := doc.Load(dir); err == nil || !strings.Contains(err.Error(), "not a regular file") {
		t.Fatalf("expected regular file error, got %v", err)
	}
	unknown := writeFile(t, dir, "bad.yaml", "helth:\n  interval: 1s\n")
	if err := doc.Load(unknown); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	badDur := writeFile(t, dir, "dur.yaml", "health:\n  interval: soon\n")
	if err := doc.Load(badDur); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestConfigDoc_Validate(t *testing.T) {
	cases := []struct {
		name string
		doc  ConfigDoc
		want string
	}{
		{"store", ConfigDoc{Store: StoreConfig{Type: "mysql"}}, "store.type"},
		{"health", ConfigDoc{Health: HealthConfig{Source: "grpc"}}, "health.source"},
		{"transport", ConfigDoc{KMS: KMSConfig{Transport: "grpc"}}, "kms.transport"},
		{"auth", ConfigDoc{KMS: KMSConfig{Auth: "basic"}}, "kms.auth"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.doc.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want mention of %s", err, tc.want)
			}
		})
	}
	var empty ConfigDoc
	if err := empty.Validate(); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
}

func TestStoreConfig(t *testing.T) {
	sc := StoreConfig{}
	cfg := sc.StoreConfig("/repo")
	if cfg == nil || cfg.Driver != store.DriverSqlite {
		t.Fatalf("expected sqlite default, got %+v", cfg)
	}
	if p := cfg.DriverConfig.(*store.SqliteConfig).Path; p != filepath.Join("/repo", constants.DefaultStoreFileName) {
		t.Fatalf("sqlite path = %s", p)
	}

	pg := StoreConfig{Type: "pg", TablePrefix: "x", Postgres: store.PostgresConfig{Host: "db"}}
	cfg = pg.StoreConfig("/repo")
	if cfg == nil || cfg.Driver != store.DriverPostgresql || cfg.TablePrefix != "x" {
		t.Fatalf("expected postgres, got %+v", cfg)
	}

	disabled := StoreConfig{Disabled: true}
	if disabled.StoreConfig("/repo") != nil {
		t.Fatalf("disabled store should give nil config")
	}
}

func TestConfigDoc_PollConfig(t *testing.T) {
	var doc ConfigDoc
	if got := doc.PollConfig(); got.MaxAttempts != constants.DefaultPendingMaxAttempts || got.Unbounded {
		t.Fatalf("default poll config = %+v", got)
	}
	doc.Pending = PendingConfig{MaxAttempts: 3, Interval: time.Second}
	if got := doc.PollConfig(); got.MaxAttempts != 3 || got.Interval != time.Second {
		t.Fatalf("poll config = %+v", got)
	}
	doc.Pending = PendingConfig{Unbounded: true, MaxAttempts: 3}
	if got := doc.PollConfig(); !got.Unbounded || got.MaxAttempts != 0 || got.Timeout != 0 {
		t.Fatalf("unbounded poll config = %+v", got)
	}
}

func TestConfigDoc_Tokens(t *testing.T) {
	ctx := context.Background()
	var doc ConfigDoc
	ts, err := doc.Tokens(ctx)
	if err != nil || ts != nil {
		t.Fatalf("no jwt config should give no token source: %v %v", ts, err)
	}

	doc.JWT.Secret = "demo"
	doc.JWT.Issuer = "https://issuer.local"
	ts, err = doc.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	claims, err := kms.Verify(tok.AccessToken, kms.VerifyConfig{Secret: []byte("demo"), AllowedIssuer: "https://issuer.local"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims["sub"] != "kmsconverge" {
		t.Fatalf("sub = %v", claims["sub"])
	}

	doc.JWT.TokenURL = "https://issuer.local/token"
	if _, err := doc.Tokens(ctx); err == nil {
		t.Fatalf("client credentials without client id should fail")
	}
}

func TestParseTLSVersion(t *testing.T) {
	cases := map[string]uint16{
		"1.2":    tls.VersionTLS12,
		"TLS1.3": tls.VersionTLS13,
		"10":     tls.VersionTLS10,
		"tls11":  tls.VersionTLS11,
		"":       0,
		"ssl3":   0,
	}
	for in, want := range cases {
		if got := parseTLSVersion(in); got != want {
			t.Errorf("parseTLSVersion(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	doc := ConfigDoc{Logging: LoggingConfig{Level: "loud"}}
	if _, err := doc.SetupLogging(false); err == nil {
		t.Fatalf("expected invalid level error")
	}
	doc = ConfigDoc{Logging: LoggingConfig{Format: "xml"}}
	if _, err := doc.SetupLogging(false); err == nil {
		t.Fatalf("expected invalid format error")
	}
	off := false
	doc = ConfigDoc{Logging: LoggingConfig{Level: "warn", MaskSensitive: &off}}
	l, err := doc.SetupLogging(true)
	if err != nil {
		t.Fatalf("SetupLogging: %v", err)
	}
	if l.Level().String() != "debug" {
		t.Fatalf("verbose should raise the level to debug, got %s", l.Level())
	}
	t.Cleanup(func() {
		on := true
		d := ConfigDoc{Logging: LoggingConfig{Level: "error", MaskSensitive: &on}}
		_, _ = d.SetupLogging(false)
	})
}
