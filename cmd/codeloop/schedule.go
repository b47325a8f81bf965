package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/codeloop/internal/orchestrator"
	"github.com/rendis/codeloop/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

// scheduleCmd runs the configured cron jobs in the foreground.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the configured scheduled prompts until interrupted",
	Long: `Sync the schedule section of the config into the history database and run
each job's prompt non-interactively whenever its cron spec is due.

Example config:
  schedule:
    - name: nightly-parser
      cron: "0 2 * * *"
      prompt: "write a parser for the files in ~/inbox"`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

func runSchedule(cmd *cobra.Command, _ []string) error {
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
	if len(a.cfg.Schedule) == 0 {
		return fmt.Errorf("no schedule entries configured")
	}
	a.serveMetrics(ctx)

	orch, err := a.unattended()
	if err != nil {
		return err
	}
	sched, err := a.startScheduler(ctx, orch)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}

// unattended builds an orchestrator whose console never asks; its output
// goes to stderr so stdout can carry a transport.
func (a *app) unattended() (*orchestrator.Orchestrator, error) {
	deps, err := a.deps(false, nil, os.Stderr)
	if err != nil {
		return nil, err
	}
	return a.newOrchestrator(deps), nil
}

// startScheduler syncs the configured jobs and starts polling for due ones.
func (a *app) startScheduler(ctx context.Context, runner scheduler.PromptRunner) (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.history, runner, a.logger)
	if err := sched.Sync(ctx, a.cfg.Schedule); err != nil {
		return nil, err
	}
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	return sched, nil
}
