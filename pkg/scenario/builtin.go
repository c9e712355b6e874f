package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/pkg/cluster"
	"github.com/loykin/kmsconverge/pkg/governance"
	"github.com/loykin/kmsconverge/pkg/health"
	"github.com/loykin/kmsconverge/pkg/kms"
	"golang.org/x/oauth2"
)

// KillNode configures the node-replacement scenarios.
type KillNode struct {
	// TestEnvironment selects scripts/<env>/up.sh and down.sh.
	TestEnvironment string
	Nodes           int
	ComposeFile     string
	ScaleScript     string
	ResourceGroup   string
	UpAttempts      int
	// DegradedTimeout bounds the wait for the killed node to drop out.
	DegradedTimeout time.Duration
	// ConvergedTimeout bounds the wait for the network to heal.
	ConvergedTimeout time.Duration
}

func (k KillNode) withDefaults() KillNode {
	if k.TestEnvironment == "" {
		k.TestEnvironment = "ccf/az-cleanroom-aci"
	}
	if k.Nodes <= 0 {
		k.Nodes = 3
	}
	if k.UpAttempts <= 0 {
		k.UpAttempts = 1
	}
	if k.DegradedTimeout <= 0 {
		k.DegradedTimeout = constants.DefaultHealthTimeout
	}
	if k.ConvergedTimeout <= 0 {
		k.ConvergedTimeout = constants.DefaultConvergenceTimeout
	}
	return k
}

func (k KillNode) cluster(s *Scenario) *cluster.Cluster {
	c := s.Cluster()
	if k.ScaleScript != "" {
		c.ScaleScript = k.ScaleScript
	}
	if k.ResourceGroup != "" {
		c.ResourceGroup = k.ResourceGroup
	}
	return c
}

// scaleAndKill scales to k.Nodes, stops the last node and waits for the
// remaining nodes to be the only healthy ones.
func (k KillNode) scaleAndKill(ctx context.Context, s *Scenario) error {
	c := k.cluster(s)
	res, err := c.Scale(ctx, k.Nodes)
	if err != nil {
		return err
	}
	victim := res.Nodes[len(res.Nodes)-1]
	name, err := c.StopNodeByURL(ctx, victim)
	if err != nil {
		return fmt.Errorf("stop %s: %w", victim, err)
	}
	s.Logger.WithNode(name).Info("node stopped, waiting for it to drop out")
	return s.WaitFor(ctx, health.HealthyCount(k.Nodes-1), k.DegradedTimeout)
}

func (k KillNode) heal(ctx context.Context, s *Scenario) error {
	s.Logger.Info("waiting for network to heal", "nodes", k.Nodes)
	return s.WaitFor(ctx, health.Converged(k.Nodes), k.ConvergedTimeout)
}

// KillNodeWithOrchestrator kills a node while the orchestrator is running
// and waits for it to be replaced.
func KillNodeWithOrchestrator(k KillNode) Func {
	k = k.withDefaults()
	return func(ctx context.Context, s *Scenario) error {
		if _, err := s.Scope.Acquire(ctx, cluster.Network(k.TestEnvironment, k.UpAttempts)); err != nil {
			return err
		}
		if _, err := s.Scope.Acquire(ctx, cluster.Orchestrator(k.ComposeFile)); err != nil {
			return err
		}
		if err := k.scaleAndKill(ctx, s); err != nil {
			return err
		}
		return k.heal(ctx, s)
	}
}

// KillNodeBeforeOrchestrator kills a node, then starts the orchestrator and
// waits for the node to be replaced.
func KillNodeBeforeOrchestrator(k KillNode) Func {
	k = k.withDefaults()
	return func(ctx context.Context, s *Scenario) error {
		if _, err := s.Scope.Acquire(ctx, cluster.Network(k.TestEnvironment, k.UpAttempts)); err != nil {
			return err
		}
		if err := k.scaleAndKill(ctx, s); err != nil {
			return err
		}
		if _, err := s.Scope.Acquire(ctx, cluster.Orchestrator(k.ComposeFile)); err != nil {
			return err
		}
		return k.heal(ctx, s)
	}
}

// Transport names for KeyChecks.
const (
	TransportHTTP   = "http"
	TransportScript = "script"
)

// KeyChecks configures the key precondition scenario.
type KeyChecks struct {
	TestEnvironment string
	UpAttempts      int
	Attestation     json.RawMessage
	WrappingKey     string
	// Auth defaults to kms.AuthJWT; kms.AuthDisabled sends no credentials.
	Auth kms.AuthMode
	// Transport is TransportHTTP (default) or TransportScript.
	Transport string
	// ScriptDir holds endpoint scripts for TransportScript.
	ScriptDir string
	// HTTPClient and Tokens serve TransportHTTP.
	HTTPClient *resty.Client
	Tokens     oauth2.TokenSource
}

// ErrNoAttestation is returned when KeyChecks has no attestation.
var ErrNoAttestation = errors.New("key checks: attestation and wrapping key are required")

// KMSClient returns a client for the deployed KMS, authenticating with JWTs.
func (k KeyChecks) KMSClient(ctx context.Context, s *Scenario) (*kms.Client, error) {
	var t kms.Transport
	switch k.Transport {
	case TransportScript:
		t = &kms.ScriptTransport{Runner: s.Runner, Dir: k.ScriptDir}
	case "", TransportHTTP:
		url, ok := s.Facts.Lookup(constants.FactKMSURL)
		if !ok || url == "" {
			return nil, fmt.Errorf("%s is not set", constants.FactKMSURL)
		}
		t = &kms.HTTPTransport{Client: k.HTTPClient, URL: url, Tokens: k.Tokens}
	default:
		return nil, fmt.Errorf("unknown transport %q", k.Transport)
	}
	c := kms.NewClient(t)
	c.Auth = k.Auth
	if c.Auth == kms.AuthDefault {
		c.Auth = kms.AuthJWT
	}
	c.Poll = s.PollClient(ctx)
	c.Logger = s.Logger.WithComponent("kms")
	return c, nil
}

// KeyPreconditions checks that the key endpoint refuses callers until a JWT
// issuer is trusted (401) and a key release policy is set (500), reports an
// unknown kid (404), and after a refresh releases the new key (200) once
// pending answers are polled through.
func KeyPreconditions(k KeyChecks) Func {
	return func(ctx context.Context, s *Scenario) error {
		if len(k.Attestation) == 0 || k.WrappingKey == "" {
			return ErrNoAttestation
		}
		env := k.TestEnvironment
		if env == "" {
			env = constants.DefaultTestEnvironment
		}
		if _, err := s.Scope.Acquire(ctx, cluster.Network(env, k.UpAttempts)); err != nil {
			return err
		}
		gov := s.Governance()
		if _, err := gov.ApplyConstitution(ctx, governance.ConstitutionOptions{}); err != nil {
			return fmt.Errorf("apply constitution: %w", err)
		}
		client, err := k.KMSClient(ctx, s)
		if err != nil {
			return err
		}
		req := kms.KeyRequest{Attestation: k.Attestation, WrappingKey: k.WrappingKey}

		if err := expectKey(ctx, client, req, http.StatusUnauthorized); err != nil {
			return fmt.Errorf("without trusted issuer: %w", err)
		}
		if err := gov.TrustJWTIssuer(ctx); err != nil {
			return err
		}
		if err := expectKey(ctx, client, req, http.StatusInternalServerError); err != nil {
			return fmt.Errorf("without release policy: %w", err)
		}
		if err := gov.SetKeyReleasePolicy(ctx, ""); err != nil {
			return err
		}
		missing := req
		missing.Kid = unknownKid
		if err := expectKey(ctx, client, missing, http.StatusNotFound); err != nil {
			return fmt.Errorf("unknown kid: %w", err)
		}
		refreshed, err := client.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		if err := refreshed.Expect(http.StatusOK); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		if err := expectKey(ctx, client, req, http.StatusOK); err != nil {
			return fmt.Errorf("with release policy: %w", err)
		}
		return nil
	}
}

// unknownKid names no key the network has generated.
const unknownKid = "kid-does-not-exist"

func expectKey(ctx context.Context, c *kms.Client, req kms.KeyRequest, want int) error {
	res, err := c.Key(ctx, req)
	if err != nil {
		return err
	}
	return res.Expect(want)
}

// Builtin returns the named built-in scenario.
func Builtin(name string, k KillNode, kc KeyChecks) (Func, error) {
	switch name {
	case NameKillNodeWithOrchestrator:
		return KillNodeWithOrchestrator(k), nil
	case NameKillNodeBeforeOrchestrator:
		return KillNodeBeforeOrchestrator(k), nil
	case NameKeyPreconditions:
		return KeyPreconditions(kc), nil
	default:
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
}

// Built-in scenario names.
const (
	NameKillNodeWithOrchestrator   = "kill-node-with-orchestrator"
	NameKillNodeBeforeOrchestrator = "kill-node-before-orchestrator"
	NameKeyPreconditions           = "key-preconditions"
)

// Names lists the built-in scenarios.
func Names() []string {
	return []string{NameKillNodeWithOrchestrator, NameKillNodeBeforeOrchestrator, NameKeyPreconditions}
}
