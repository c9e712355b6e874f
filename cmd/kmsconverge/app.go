package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/internal/fakeccf"
	"github.com/loykin/kmsconverge/internal/store"
	"github.com/loykin/kmsconverge/pkg/health"
	"github.com/loykin/kmsconverge/pkg/kms"
	"github.com/loykin/kmsconverge/pkg/scenario"
	"github.com/spf13/viper"
)

// Demo key request used with --fake when no attestation file is given.
var (
	fakeAttestation = json.RawMessage(`{"evidence":"ZmFrZQ==","endorsements":"ZmFrZQ==","uvm_endorsements":"ZmFrZQ=="}`)
	fakeWrappingKey = "-----BEGIN PUBLIC KEY-----\nZmFrZS13cmFwcGluZy1rZXk=\n-----END PUBLIC KEY-----"
)

const fakeHealthInterval = 50 * time.Millisecond

// app is the state shared by every command: the loaded config, the logger
// and, with --fake, the in-process networks commands are routed to.
type app struct {
	doc     ConfigDoc
	logger  *common.Logger
	fake    bool
	noStore bool
	verbose bool
	fleet   *fakeccf.Fleet
	stdout  io.Writer
}

func loadConfig(path string) (ConfigDoc, error) {
	var doc ConfigDoc
	path = strings.TrimSpace(path)
	if path == "" {
		return doc, nil
	}
	if err := doc.Load(path); err != nil {
		// the default location is optional; an explicit one is not
		if errors.Is(err, os.ErrNotExist) && filepath.Clean(path) == filepath.Clean(defaultConfigPath) {
			return ConfigDoc{}, nil
		}
		return doc, fmt.Errorf("load config %s: %w", path, err)
	}
	return doc, nil
}

func newApp(stdout io.Writer) (*app, error) {
	v := viper.GetViper()
	doc, err := loadConfig(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	logger, err := doc.SetupLogging(v.GetBool("v"))
	if err != nil {
		return nil, err
	}
	a := &app{
		doc:     doc,
		logger:  logger,
		fake:    v.GetBool("fake"),
		noStore: v.GetBool("no_store"),
		verbose: v.GetBool("v"),
		stdout:  stdout,
	}
	if a.fake {
		a.fleet = fakeccf.NewFleet(fakeccf.Options{JWTSecret: doc.JWT.Secret, JWTIssuer: doc.JWT.Issuer})
	}
	return a, nil
}

// openLedger opens the run ledger, or returns nil when recording is off.
func (a *app) openLedger(ctx context.Context) (*store.Store, error) {
	if a.noStore {
		return nil, nil
	}
	cfg := a.doc.Store.StoreConfig(a.doc.repoRoot())
	if cfg == nil {
		return nil, nil
	}
	st, err := store.Open(ctx, *cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// options builds the scenario options; close releases the ledger.
func (a *app) options(ctx context.Context) (scenario.Options, func(), error) {
	o := scenario.Options{
		Dir:            a.doc.repoRoot(),
		Facts:          a.doc.GetFacts(),
		Stdout:         io.Discard,
		Logger:         a.logger,
		HealthInterval: a.doc.Health.Interval,
	}
	if a.verbose {
		// echo command output on stderr
		o.Stdout = os.Stderr
	}
	if u := strings.TrimSpace(a.doc.KMS.URL); u != "" {
		// a deployment's own output still takes precedence
		o.Facts[constants.FactKMSURL] = u
	}
	pending := a.doc.PollConfig()
	o.Pending = &pending

	if a.fake {
		o.Executor = a.fleet
		if o.HealthInterval == 0 {
			o.HealthInterval = fakeHealthInterval
		}
		if pending.Interval == constants.DefaultPendingInterval {
			o.Pending.Interval = fakeHealthInterval
		}
	}
	if a.doc.Health.Source == "http" {
		client, err := a.doc.HTTPClient()
		if err != nil {
			return o, nil, err
		}
		url := a.doc.Health.URL
		o.HealthSource = func(s *scenario.Scenario) health.Source {
			return &health.HTTPSource{Client: client, URL: s.Facts.RenderOr(url), Clock: s.Clock}
		}
	}

	st, err := a.openLedger(ctx)
	if err != nil {
		return o, nil, err
	}
	closeFn := func() {}
	if st != nil {
		o.Ledger = st
		closeFn = func() { _ = st.Close() }
	}
	return o, closeFn, nil
}

func (a *app) killNode(nodes int) scenario.KillNode {
	c := a.doc.Cluster
	k := scenario.KillNode{
		TestEnvironment:  c.KillEnvironment,
		Nodes:            c.Nodes,
		ComposeFile:      c.ComposeFile,
		ScaleScript:      c.ScaleScript,
		ResourceGroup:    c.ResourceGroup,
		UpAttempts:       c.UpAttempts,
		DegradedTimeout:  a.doc.Health.Timeout,
		ConvergedTimeout: a.doc.Health.ConvergeTimeout,
	}
	if nodes > 0 {
		k.Nodes = nodes
	}
	return k
}

// keyChecks resolves the key request material. Flags override config;
// with --fake the demo material and the script transport are used.
func (a *app) keyChecks(ctx context.Context, attestationFile, wrappingKeyFile, transport string) (scenario.KeyChecks, error) {
	kc := scenario.KeyChecks{
		TestEnvironment: a.doc.testEnvironment(),
		Auth:            kms.AuthMode(a.doc.KMS.Auth),
		UpAttempts:      a.doc.Cluster.UpAttempts,
		Transport:       a.doc.KMS.Transport,
		ScriptDir:       a.doc.KMS.ScriptDir,
	}
	if transport != "" {
		kc.Transport = transport
	}
	if attestationFile == "" {
		attestationFile = a.doc.KMS.Attestation
	}
	if wrappingKeyFile == "" {
		wrappingKeyFile = a.doc.KMS.WrappingKey
	}
	if attestationFile != "" {
		b, err := readFile(attestationFile)
		if err != nil {
			return kc, fmt.Errorf("read attestation: %w", err)
		}
		if !json.Valid(b) {
			return kc, fmt.Errorf("attestation %s is not valid JSON", attestationFile)
		}
		kc.Attestation = json.RawMessage(b)
	}
	if wrappingKeyFile != "" {
		b, err := readFile(wrappingKeyFile)
		if err != nil {
			return kc, fmt.Errorf("read wrapping key: %w", err)
		}
		kc.WrappingKey = string(b)
	}

	if a.fake {
		kc.Transport = scenario.TransportScript
		if len(kc.Attestation) == 0 {
			kc.Attestation = fakeAttestation
		}
		if kc.WrappingKey == "" {
			kc.WrappingKey = fakeWrappingKey
		}
		return kc, nil
	}

	if kc.Transport == "" || kc.Transport == scenario.TransportHTTP {
		client, err := a.doc.HTTPClient()
		if err != nil {
			return kc, err
		}
		tokens, err := a.doc.Tokens(ctx)
		if err != nil {
			return kc, err
		}
		kc.HTTPClient = client
		kc.Tokens = tokens
	}
	return kc, nil
}

// deployFake brings up the fake network of a one-off scenario so commands
// that act on an existing deployment have something to act on.
func (a *app) deployFake(s *scenario.Scenario) error {
	if !a.fake {
		return nil
	}
	url := a.fleet.Cluster(s.Deployment()).Deploy()
	return s.Facts.Set(constants.FactKMSURL, url)
}

func readFile(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	// #nosec G304 -- path is provided intentionally by the user
	return os.ReadFile(clean)
}
