// Package scenario runs end-to-end checks against a deployed KMS network.
// Each scenario owns its facts, its command runner and a teardown scope,
// and optionally records its run and every poll attempt to a ledger.
package scenario

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/loykin/kmsconverge/internal/clock"
	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/internal/retry"
	"github.com/loykin/kmsconverge/internal/store"
	"github.com/loykin/kmsconverge/pkg/cluster"
	"github.com/loykin/kmsconverge/pkg/command"
	"github.com/loykin/kmsconverge/pkg/env"
	"github.com/loykin/kmsconverge/pkg/governance"
	"github.com/loykin/kmsconverge/pkg/health"
	"github.com/loykin/kmsconverge/pkg/poll"
)

// Ledger records scenario runs. *store.Store implements it.
type Ledger interface {
	StartRun(ctx context.Context, scenario, deployment string) (string, error)
	FinishRun(ctx context.Context, runID string, runErr error) error
	RecordAttempt(ctx context.Context, a store.Attempt) error
	SaveFacts(ctx context.Context, runID string, kv map[string]string) error
}

var _ Ledger = (*store.Store)(nil)

// Func is the body of a scenario.
type Func func(ctx context.Context, s *Scenario) error

// Options are shared by every scenario created from them.
type Options struct {
	// Dir is the repository root commands run in.
	Dir string
	// Facts seed the Global layer of each scenario's facts.
	Facts    map[string]string
	Executor command.Executor
	Stdout   io.Writer
	Logger   *common.Logger
	Ledger   Ledger
	Clock    clock.Clock

	// HealthInterval is the pause between health reads.
	HealthInterval time.Duration
	// HealthSource overrides the show-health command.
	HealthSource func(s *Scenario) health.Source
	// Pending bounds calls that answer 202.
	Pending *poll.Config
}

// Scenario is one isolated run.
type Scenario struct {
	Name   string
	Facts  *env.Facts
	Runner *command.Runner
	Scope  *command.Scope
	Ledger Ledger
	Clock  clock.Clock
	Logger *common.Logger

	opts  Options
	runID string
}

// processFacts are taken from the process environment when the base facts
// lack them, so one-off commands address an existing deployment.
var processFacts = []string{constants.FactDeploymentName, constants.FactWorkspace}

// New returns a scenario with fresh facts. DEPLOYMENT_NAME and WORKSPACE fall
// back to the process environment; UNIQUE_ID and DEPLOYMENT_NAME are
// generated when neither provides them.
func New(name string, o Options) *Scenario {
	facts := env.FromMap(o.Facts)
	for _, key := range processFacts {
		if v, ok := facts.Lookup(key); ok && v != "" {
			continue
		}
		if v := os.Getenv(key); v != "" {
			facts.Global[key] = env.Str(v)
		}
	}
	unique, ok := facts.Lookup(constants.FactUniqueID)
	if !ok || unique == "" {
		unique = cluster.UniqueString()
		_ = facts.Set(constants.FactUniqueID, unique)
	}
	if v, ok := facts.Lookup(constants.FactDeploymentName); !ok || v == "" {
		_ = facts.Set(constants.FactDeploymentName, constants.DefaultDeploymentPrefix+"-"+unique)
	}

	log := o.Logger
	if log == nil {
		log = common.GetLogger()
	}
	log = log.WithScenario(name, facts.Get(constants.FactDeploymentName))

	runner := command.NewRunner(o.Dir, facts)
	runner.Executor = o.Executor
	runner.Stdout = o.Stdout
	runner.Logger = log.WithComponent("command")

	scope := command.NewScope(runner)
	if o.Clock != nil {
		cfg := retry.Attempts(1, constants.DefaultHealthInterval)
		cfg.Clock = o.Clock
		scope.Retry = cfg
	}

	return &Scenario{
		Name:   name,
		Facts:  facts,
		Runner: runner,
		Scope:  scope,
		Ledger: o.Ledger,
		Clock:  clock.OrReal(o.Clock),
		Logger: log,
		opts:   o,
	}
}

// Deployment returns the deployment name of the scenario.
func (s *Scenario) Deployment() string {
	return s.Facts.Get(constants.FactDeploymentName)
}

// RunID returns the ledger id of the run, or "" when nothing is recorded.
func (s *Scenario) RunID() string { return s.runID }

// Run executes fn, then releases every acquired resource whatever the
// outcome, and returns the combined error.
func (s *Scenario) Run(ctx context.Context, fn Func) (err error) {
	s.start(ctx)
	s.Logger.Info("scenario started")
	begin := s.Clock.Now()
	defer func() {
		p := recover()
		if p != nil {
			err = multierror.Append(err, fmt.Errorf("panic: %v", p))
		}
		if cerr := s.Scope.Close(ctx); cerr != nil {
			s.Logger.Error("teardown failed", "error", cerr)
			err = multierror.Append(err, cerr)
		}
		if merr, ok := err.(*multierror.Error); ok {
			err = merr.ErrorOrNil()
		}
		s.finish(ctx, err)
		if err != nil {
			s.Logger.Error("scenario failed", "error", err, "duration", s.Clock.Now().Sub(begin))
		} else {
			s.Logger.Info("scenario passed", "duration", s.Clock.Now().Sub(begin))
		}
		if p != nil {
			panic(p)
		}
	}()
	return fn(ctx, s)
}

func (s *Scenario) start(ctx context.Context) {
	if s.Ledger == nil {
		return
	}
	id, err := s.Ledger.StartRun(ctx, s.Name, s.Deployment())
	if err != nil {
		s.Logger.Warn("run not recorded", "error", err)
		return
	}
	s.runID = id
}

func (s *Scenario) finish(ctx context.Context, runErr error) {
	if s.Ledger == nil || s.runID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	facts := common.GetGlobalMasker().MaskStringMap(s.Facts.Snapshot())
	if err := s.Ledger.SaveFacts(ctx, s.runID, facts); err != nil {
		s.Logger.Warn("failed to save facts", "error", err)
	}
	if err := s.Ledger.FinishRun(ctx, s.runID, runErr); err != nil {
		s.Logger.Warn("failed to finish run", "error", err)
	}
}

func (s *Scenario) record(ctx context.Context, a store.Attempt) {
	if s.Ledger == nil || s.runID == "" {
		return
	}
	a.RunID = s.runID
	if err := s.Ledger.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		s.Logger.Debug("failed to record attempt", "kind", a.Kind, "error", err)
	}
}

// Cluster returns the infrastructure operations bound to this scenario.
func (s *Scenario) Cluster() *cluster.Cluster {
	c := cluster.New(s.Runner)
	c.Logger = s.Logger.WithComponent("cluster")
	return c
}

// Governance returns the governance operations bound to this scenario.
func (s *Scenario) Governance() *governance.Governance {
	g := governance.New(s.Runner)
	g.Logger = s.Logger.WithComponent("governance")
	return g
}

// HealthPoller returns a poller over the scenario's health source whose
// attempts are recorded to the ledger.
func (s *Scenario) HealthPoller(ctx context.Context) *health.Poller {
	var src health.Source
	if s.opts.HealthSource != nil {
		src = s.opts.HealthSource(s)
	} else {
		cs := health.NewCommandSource(s.Runner)
		cs.Clock = s.Clock
		src = cs
	}
	p := health.NewPoller(src)
	if s.opts.HealthInterval > 0 {
		p.Interval = s.opts.HealthInterval
	}
	p.Clock = s.Clock
	p.Logger = s.Logger.WithComponent("health")
	p.Observer = func(a health.Attempt) {
		rec := store.Attempt{
			Kind:      store.KindHealth,
			Number:    a.Number,
			Satisfied: a.Satisfied,
			At:        a.At.Format(time.RFC3339Nano),
		}
		var detail string
		switch {
		case a.Err != nil:
			detail = a.Err.Error()
		case a.Snapshot != nil:
			detail = a.Snapshot.String()
		}
		if detail != "" {
			rec.Detail = &detail
		}
		s.record(ctx, rec)
	}
	return p
}

// WaitFor waits for cond on the scenario's health source.
func (s *Scenario) WaitFor(ctx context.Context, cond health.Condition, timeout time.Duration) error {
	return s.HealthPoller(ctx).WaitForCondition(ctx, cond, timeout)
}

// PollClient returns a pending-operation client whose attempts are
// recorded to the ledger.
func (s *Scenario) PollClient(ctx context.Context) *poll.Client {
	cfg := poll.DefaultConfig()
	if s.opts.Pending != nil {
		cfg = *s.opts.Pending
	}
	cfg.Clock = s.Clock
	c := poll.New(cfg)
	c.Logger = s.Logger.WithComponent("poll")
	c.Observer = func(a poll.Attempt) {
		rec := store.Attempt{
			Kind:       store.KindPending,
			Number:     a.Number,
			StatusCode: a.Status,
			Satisfied:  a.State == poll.Done,
			At:         a.At.Format(time.RFC3339Nano),
		}
		if a.Err != nil {
			detail := a.Err.Error()
			rec.Detail = &detail
		}
		s.record(ctx, rec)
	}
	return c
}
