package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/loykin/kmsconverge"
	"github.com/loykin/kmsconverge/pkg/scenario"
	"github.com/spf13/cobra"
)

var (
	runParallel        bool
	runMaxParallel     int
	runFailFast        bool
	runNodes           int
	runAttestationFile string
	runWrappingKeyFile string
	runTransport       string
)

var runCmd = &cobra.Command{
	Use:   "run [scenario...]",
	Short: "Run built-in scenarios (all of them when none is named)",
	Long: "Run built-in scenarios. Each scenario deploys its own network and tears it down afterwards.\n" +
		"Scenarios: " + strings.Join(scenario.Names(), ", "),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return a.runScenarios(cmd.Context(), args)
	},
}

func (a *app) harness(ctx context.Context) (*kmsconverge.Harness, func(), error) {
	kc, err := a.keyChecks(ctx, runAttestationFile, runWrappingKeyFile, runTransport)
	if err != nil {
		return nil, nil, err
	}
	opts, closeFn, err := a.options(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &kmsconverge.Harness{
		Options:     opts,
		KillNode:    a.killNode(runNodes),
		KeyChecks:   kc,
		Parallel:    runParallel,
		MaxParallel: runMaxParallel,
		FailFast:    runFailFast,
	}, closeFn, nil
}

func (a *app) runScenarios(ctx context.Context, names []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h, closeFn, err := a.harness(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	results, err := h.Run(ctx, names...)
	printResults(a.stdout, results)
	return err
}

func printResults(w io.Writer, results []scenario.Result) {
	if w == nil {
		w = os.Stdout
	}
	passed := 0
	for _, r := range results {
		state := "PASS"
		if r.Passed() {
			passed++
		} else {
			state = "FAIL"
		}
		line := fmt.Sprintf("%s %s deployment=%s duration=%s", state, r.Name, r.Deployment, r.Duration.Round(time.Millisecond))
		if r.RunID != "" {
			line += " run=" + r.RunID
		}
		if r.Err != nil {
			line += fmt.Sprintf(" error=%q", r.Err.Error())
		}
		_, _ = fmt.Fprintln(w, line)
	}
	_, _ = fmt.Fprintf(w, "%d/%d scenarios passed\n", passed, len(results))
}

func init() {
	runCmd.Flags().BoolVar(&runParallel, "parallel", false, "run scenarios concurrently, each on its own deployment")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "with --parallel, run at most N scenarios at once (0 = all)")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "stop after the first failing scenario")
	runCmd.Flags().IntVar(&runNodes, "nodes", 0, "network size for the node-kill scenarios (default from config, else 3)")
	runCmd.Flags().StringVar(&runAttestationFile, "attestation-file", "", "JSON attestation sent with key requests")
	runCmd.Flags().StringVar(&runWrappingKeyFile, "wrapping-key-file", "", "PEM public key keys are wrapped with")
	runCmd.Flags().StringVar(&runTransport, "transport", "", "KMS transport: http or script")
}
