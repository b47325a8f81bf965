// Package main implements the codeloop CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// logLevel overrides log.level from the config.
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codeloop",
	Short: "Turn a requirement into tested code with an LLM",
	Long: `codeloop asks an LLM to analyse a requirement, generate code and a test,
runs the test and feeds failures back until the output matches or the retry
budget is spent. Runs are recorded in a local history database.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ~/.codeloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}
