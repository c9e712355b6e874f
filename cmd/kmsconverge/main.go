package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfigPath = "./kmsconverge.yaml"

var rootCmd = &cobra.Command{
	Use:           "kmsconverge",
	Short:         "Drive end-to-end checks against a KMS network on CCF",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Defaults
	v := viper.GetViper()
	v.SetDefault("config", defaultConfigPath)
	v.SetDefault("v", false)
	v.SetDefault("fake", false)
	v.SetDefault("no_store", false)

	// Environment variables support: KMSCONVERGE_CONFIG, KMSCONVERGE_FAKE, ...
	v.SetEnvPrefix("KMSCONVERGE")
	v.AutomaticEnv()
	// Bind flags via Cobra and then bind to Viper
	rootCmd.PersistentFlags().String("config", v.GetString("config"), "path to a config yaml")
	rootCmd.PersistentFlags().BoolP("v", "v", v.GetBool("v"), "verbose output")
	rootCmd.PersistentFlags().Bool("fake", v.GetBool("fake"), "run against an in-process fake network instead of the scripts")
	rootCmd.PersistentFlags().Bool("no-store", v.GetBool("no_store"), "do not record runs to the ledger")

	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("v", rootCmd.PersistentFlags().Lookup("v"))
	_ = v.BindPFlag("fake", rootCmd.PersistentFlags().Lookup("fake"))
	_ = v.BindPFlag("no_store", rootCmd.PersistentFlags().Lookup("no-store"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(fakeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		exitHandler.LogFatalError(err, "command execution failed")
	}
}
