// Package kmsconverge drives end-to-end checks against a KMS application
// running on a CCF network: deploy, scale, kill nodes, wait for the network
// to converge, and exercise the key endpoints, recording every run.
package kmsconverge

import (
	"context"
	"fmt"

	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/internal/fakeccf"
	"github.com/loykin/kmsconverge/internal/store"
	"github.com/loykin/kmsconverge/pkg/env"
	"github.com/loykin/kmsconverge/pkg/scenario"
	"github.com/loykin/kmsconverge/pkg/status"
)

// Re-export commonly used types for public API

// Facts are the deployment facts of one scenario.
type Facts = env.Facts

type (
	Scenario  = scenario.Scenario
	Func      = scenario.Func
	Options   = scenario.Options
	Case      = scenario.Case
	Result    = scenario.Result
	KillNode  = scenario.KillNode
	KeyChecks = scenario.KeyChecks
)

// Store is the run ledger.
type Store = store.Store

type StoreConfig = store.Config

type SqliteConfig = store.SqliteConfig

type PostgresConfig = store.PostgresConfig

const (
	DriverSqlite     = store.DriverSqlite
	DriverPostgresql = store.DriverPostgresql
)

// StoreDBFileName is the default sqlite filename of the ledger.
const StoreDBFileName = constants.DefaultStoreFileName

// OpenStore opens (and initializes) the ledger described by cfg.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	return store.Open(ctx, cfg)
}

// FakeFleet simulates one network per deployment and answers the external
// commands scenarios run. Set it as Options.Executor for local runs.
type FakeFleet = fakeccf.Fleet

type FakeOptions = fakeccf.Options

// NewFakeFleet returns an empty simulated fleet.
func NewFakeFleet(opts FakeOptions) *FakeFleet { return fakeccf.NewFleet(opts) }

// Scenario names accepted by Harness.Run.
const (
	KillNodeWithOrchestrator   = scenario.NameKillNodeWithOrchestrator
	KillNodeBeforeOrchestrator = scenario.NameKillNodeBeforeOrchestrator
	KeyPreconditions           = scenario.NameKeyPreconditions
)

// Harness runs built-in scenarios and custom cases with shared options.
type Harness struct {
	Options   Options
	KillNode  KillNode
	KeyChecks KeyChecks
	// Cases run after the named built-in scenarios.
	Cases       []Case
	Parallel    bool
	MaxParallel int
	FailFast    bool
}

// Suite resolves names to built-in scenarios (all of them when names and
// Cases are both empty) and returns the suite that would run.
func (h *Harness) Suite(names ...string) (*scenario.Suite, error) {
	if len(names) == 0 && len(h.Cases) == 0 {
		names = scenario.Names()
	}
	cases := make([]Case, 0, len(names)+len(h.Cases))
	for _, name := range names {
		fn, err := scenario.Builtin(name, h.KillNode, h.KeyChecks)
		if err != nil {
			return nil, err
		}
		cases = append(cases, Case{Name: name, Fn: fn})
	}
	cases = append(cases, h.Cases...)
	return &scenario.Suite{
		Options:     h.Options,
		Cases:       cases,
		Parallel:    h.Parallel,
		MaxParallel: h.MaxParallel,
		FailFast:    h.FailFast,
	}, nil
}

// Run executes the suite and returns each result; the error aggregates the
// failed cases.
func (h *Harness) Run(ctx context.Context, names ...string) ([]Result, error) {
	s, err := h.Suite(names...)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx)
}

// RunOne runs fn as a single recorded scenario.
func RunOne(ctx context.Context, name string, opts Options, fn Func) error {
	if fn == nil {
		return fmt.Errorf("scenario %s: no body", name)
	}
	return scenario.New(name, opts).Run(ctx, fn)
}

// StatusInfo summarizes the ledger.
type StatusInfo = status.Info

// Status reads the ledger described by cfg; attempts includes every poll attempt.
func Status(ctx context.Context, cfg StoreConfig, attempts bool) (StatusInfo, error) {
	return status.FromConfig(ctx, cfg, status.Options{Attempts: attempts})
}
