package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/pkg/health"
	"github.com/loykin/kmsconverge/pkg/scenario"
	"github.com/spf13/cobra"
)

var (
	waitCondition string
	waitTimeout   time.Duration
)

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait until the deployed network reaches a health condition",
	Long: "Wait until the network named by DEPLOYMENT_NAME satisfies --condition:\n" +
		"  healthy=N     exactly N nodes report Ok\n" +
		"  converged=N   N nodes report Ok and none NeedsReplacement\n" +
		"  <Status>=N    exactly N nodes report <Status>",
	RunE: func(cmd *cobra.Command, args []string) error {
		cond, err := parseCondition(waitCondition)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		timeout := waitTimeout
		if timeout == 0 {
			timeout = a.doc.Health.Timeout
		}
		if timeout <= 0 {
			timeout = constants.DefaultHealthTimeout
		}
		return a.oneShot(cmdContext(cmd), "wait", func(ctx context.Context, s *scenario.Scenario) error {
			if err := s.WaitFor(ctx, cond, timeout); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "condition %s holds\n", cond)
			return nil
		})
	},
}

// parseCondition parses healthy=N, converged=N or <Status>=N.
func parseCondition(s string) (health.Condition, error) {
	name, val, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || strings.TrimSpace(name) == "" {
		return health.Condition{}, fmt.Errorf("condition %q: want name=N", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n < 0 {
		return health.Condition{}, fmt.Errorf("condition %q: count must be a non-negative integer", s)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "healthy", strings.ToLower(constants.NodeStatusOk):
		return health.HealthyCount(n), nil
	case "converged":
		return health.Converged(n), nil
	default:
		return health.StatusCount(strings.TrimSpace(name), n), nil
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// oneShot runs fn as a recorded scenario against the configured deployment.
func (a *app) oneShot(ctx context.Context, name string, fn scenario.Func) error {
	opts, closeFn, err := a.options(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	s := scenario.New(name, opts)
	if err := a.deployFake(s); err != nil {
		return err
	}
	return s.Run(ctx, fn)
}

func init() {
	waitCmd.Flags().StringVar(&waitCondition, "condition", "converged=3", "health condition to wait for")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "how long to wait (default from config, else 60s)")
}
