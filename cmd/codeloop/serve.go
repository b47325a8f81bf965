package main

import (
	"github.com/spf13/cobra"

	"github.com/rendis/codeloop/internal/scheduler"
	"github.com/rendis/codeloop/pkg/mcp"
)

var serveWithSchedule bool

func init() {
	serveMCPCmd.Flags().BoolVar(&serveWithSchedule, "schedule", false, "also run the configured scheduled prompts")
	rootCmd.AddCommand(serveMCPCmd)
}

// serveMCPCmd exposes runs, history and diagrams over MCP stdio.
var serveMCPCmd = &cobra.Command{
	Use:   "serve-mcp",
	Short: "Serve codeloop tools over MCP (stdio)",
	Long: `Start an MCP server on stdin/stdout with the tools codeloop.run,
codeloop.history and codeloop.diagram. Runs started over MCP are always
non-interactive; their console output goes to stderr.

Examples:
  # Register with an MCP client
  codeloop serve-mcp

  # Serve and run scheduled prompts in the same process
  codeloop serve-mcp --schedule`,
	Args: cobra.NoArgs,
	RunE: runServeMCP,
}

func runServeMCP(cmd *cobra.Command, _ []string) error {
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

	orch, err := a.unattended()
	if err != nil {
		return err
	}
	diagrams, err := phaseDiagrams(a.cfg)
	if err != nil {
		return err
	}

	if serveWithSchedule && len(a.cfg.Schedule) > 0 {
		var sched *scheduler.Scheduler
		if sched, err = a.startScheduler(ctx, orch); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Runner:   orch,
		Store:    a.history,
		Diagrams: diagrams,
		Version:  version,
		Logger:   a.logger,
	})
	a.logger.Info("mcp server listening on stdio")
	return srv.Serve(ctx)
}
