package main

import (
	"fmt"
	"sort"

	"github.com/loykin/kmsconverge/pkg/status"
	"github.com/spf13/cobra"
)

var (
	statusHistory      bool
	statusHistoryAll   bool
	statusHistoryLimit int
	statusAttempts     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded scenario runs, and optionally their history",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		cfg := a.doc.Store.StoreConfig(a.doc.repoRoot())
		if a.noStore || cfg == nil {
			_, _ = fmt.Fprintln(a.stdout, "Store is disabled - no run status available")
			return nil
		}
		info, err := status.FromConfig(cmdContext(cmd), *cfg, status.Options{Attempts: statusHistory && statusAttempts})
		if err != nil {
			return err
		}
		if statusHistory {
			_, _ = fmt.Fprint(a.stdout, info.FormatHumanWithLimit(true, statusHistoryLimit, statusHistoryAll))
		} else {
			_, _ = fmt.Fprint(a.stdout, info.FormatHuman(false))
		}
		return nil
	},
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	statusCmd.Flags().BoolVar(&statusHistory, "history", false, "show run history as well")
	statusCmd.Flags().BoolVar(&statusHistoryAll, "history-all", false, "when used with --history, show all history entries (newest first)")
	statusCmd.Flags().IntVar(&statusHistoryLimit, "history-limit", 10, "when used with --history, show up to N latest entries (default 10)")
	statusCmd.Flags().BoolVar(&statusAttempts, "attempts", false, "when used with --history, include every poll attempt")
}
