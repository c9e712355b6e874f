package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/loykin/kmsconverge/pkg/scenario"
	"github.com/spf13/cobra"
)

var scaleStopLast bool

var scaleCmd = &cobra.Command{
	Use:   "scale N",
	Short: "Scale the deployed network to N nodes and print their URLs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("node count must be a positive integer, got %q", args[0])
		}
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return a.oneShot(cmdContext(cmd), "scale", func(ctx context.Context, s *scenario.Scenario) error {
			c := s.Cluster()
			if a.doc.Cluster.ScaleScript != "" {
				c.ScaleScript = a.doc.Cluster.ScaleScript
			}
			if a.doc.Cluster.ResourceGroup != "" {
				c.ResourceGroup = a.doc.Cluster.ResourceGroup
			}
			res, err := c.Scale(ctx, n)
			if err != nil {
				return err
			}
			out := map[string]interface{}{"nodes": res.Nodes}
			if scaleStopLast {
				name, err := c.StopNodeByURL(ctx, res.Nodes[len(res.Nodes)-1])
				if err != nil {
					return err
				}
				out["stopped"] = name
			}
			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.stdout, string(b))
			return nil
		})
	},
}

func init() {
	scaleCmd.Flags().BoolVar(&scaleStopLast, "stop-last", false, "stop the last node after scaling")
}
