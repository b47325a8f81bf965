package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/codeloop/internal/orchestrator"
)

var runNonInteractive bool

func init() {
	runCmd.Flags().BoolVar(&runNonInteractive, "non-interactive", false, "answer every question from the config (overrides mutual.enable_mutual)")
	rootCmd.AddCommand(runCmd)
}

// runCmd runs one requirement through setup, execution and wrap-up.
var runCmd = &cobra.Command{
	Use:   "run [requirement]",
	Short: "Generate, test and repair code for a requirement",
	Long: `Run one requirement through the setup, execution and wrap-up phases.

Without an argument the configured mutual.prompt is used; in interactive mode
the requirement is asked for when neither is set.

Examples:
  # Interactive run
  codeloop run "write a function that parses ISO-8601 durations"

  # Unattended run with the configured prompt and options
  codeloop run --non-interactive`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := background(cmd)
	defer stop()

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.openHistory(ctx); err != nil {
		return err
	}
	a.serveMetrics(ctx)

	interactive := a.cfg.Mutual.EnableMutual && !runNonInteractive
	deps, err := a.deps(interactive, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	var prompt string
	if len(args) == 1 {
		prompt = args[0]
	}
	if strings.TrimSpace(prompt) == "" && strings.TrimSpace(a.cfg.Mutual.Prompt) == "" && interactive {
		if prompt, err = deps.Console.Ask("Requirement: "); err != nil {
			return err
		}
	}

	res, err := a.newOrchestrator(deps).Run(ctx, prompt)
	if err != nil {
		return fmt.Errorf("run %s: %w", res.RunID, err)
	}
	printRunResult(cmd, res)
	return nil
}

func printRunResult(cmd *cobra.Command, res orchestrator.Result) {
	st := res.State
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s after %d attempt(s)\n", res.RunID, st.ActionState.Label(), len(st.GenStates))
	if st.GenResult.CodeFile != "" {
		fmt.Fprintf(out, "  code: %s\n", st.GenResult.CodeFile)
	}
	if st.GenResult.TestFile != "" {
		fmt.Fprintf(out, "  test: %s\n", st.GenResult.TestFile)
	}
}

// background returns a context cancelled on SIGINT or SIGTERM.
func background(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
