package main

import (
	"fmt"
	"io"
	"os"

	"github.com/loykin/kmsconverge/pkg/extract"
	"github.com/spf13/cobra"
)

var (
	extractPaths  map[string]string
	extractStrict bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [file]",
	Short: "Print the trailing JSON object of command output (stdin when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			b   []byte
			err error
		)
		if len(args) == 1 && args[0] != "-" {
			b, err = readFile(args[0])
		} else {
			b, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}
		res, err := extract.Require(string(b))
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if w == nil {
			w = os.Stdout
		}
		if len(extractPaths) == 0 {
			_, _ = fmt.Fprintln(w, res.Raw)
			return nil
		}
		fields, err := extract.Fields(res, extractPaths, extractStrict)
		if err != nil {
			return err
		}
		for _, k := range sortedKeys(fields) {
			_, _ = fmt.Fprintf(w, "%s=%s\n", k, fields[k])
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().StringToStringVar(&extractPaths, "field", nil, "NAME=gjson.path pairs to print as NAME=value")
	extractCmd.Flags().BoolVar(&extractStrict, "strict", false, "fail when a field path is missing")
}
