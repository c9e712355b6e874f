package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/kmsconverge/internal/fakeccf"
	"github.com/spf13/cobra"
)

var (
	fakeAddr          string
	fakeNodes         int
	fakeOrchestrator  bool
	fakePendingPolls  int
	fakeTrustIssuer   bool
	fakeReleasePolicy bool
)

var fakeCmd = &cobra.Command{
	Use:   "fake",
	Short: "Simulated KMS network for local runs",
}

var fakeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a simulated KMS network over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		c := fakeccf.New(fakeccf.Options{
			PendingPolls: fakePendingPolls,
			JWTSecret:    a.doc.JWT.Secret,
			JWTIssuer:    a.doc.JWT.Issuer,
		})
		primary := c.Deploy()
		if fakeNodes > 1 {
			if _, err := c.Scale(fakeNodes); err != nil {
				return err
			}
		}
		c.SetOrchestrator(fakeOrchestrator)
		if fakeTrustIssuer {
			c.TrustJWTIssuer()
		}
		if fakeReleasePolicy {
			c.SetReleasePolicy(true)
		}

		ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()
		srv := &http.Server{Addr: fakeAddr, Handler: c.Handler(), ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		a.logger.WithComponent("fakeccf").Info("fake network listening", "addr", fakeAddr, "primary", primary, "nodes", fakeNodes)
		_, _ = fmt.Fprintf(a.stdout, "serving fake network on %s\n", fakeAddr)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}

func init() {
	fakeServeCmd.Flags().StringVar(&fakeAddr, "addr", "127.0.0.1:8080", "listen address")
	fakeServeCmd.Flags().IntVar(&fakeNodes, "nodes", 3, "number of nodes")
	fakeServeCmd.Flags().BoolVar(&fakeOrchestrator, "orchestrator", true, "replace stopped nodes automatically")
	fakeServeCmd.Flags().IntVar(&fakePendingPolls, "pending-polls", 2, "202 answers a key request gets before 200")
	fakeServeCmd.Flags().BoolVar(&fakeTrustIssuer, "trust-issuer", false, "start with the JWT issuer trusted")
	fakeServeCmd.Flags().BoolVar(&fakeReleasePolicy, "release-policy", false, "start with a key release policy set")
	fakeCmd.AddCommand(fakeServeCmd)
}
