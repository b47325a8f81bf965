package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/codeloop/internal/expressions"
	"github.com/rendis/codeloop/internal/store"
	"github.com/rendis/codeloop/pkg/schema"
)

var historyFlags struct {
	runID     string
	jobID     string
	status    string
	eventType string
	step      string
	since     time.Duration
	limit     int
	query     string
}

func init() {
	f := historyCmd.Flags()
	f.StringVar(&historyFlags.runID, "run", "", "run ID")
	f.StringVar(&historyFlags.jobID, "job", "", "scheduled job ID")
	f.StringVar(&historyFlags.status, "status", "", "run status: active, completed, failed")
	f.StringVar(&historyFlags.eventType, "event-type", "", "event type, e.g. step_failed")
	f.StringVar(&historyFlags.step, "step", "", "step name (with --event-type)")
	f.DurationVar(&historyFlags.since, "since", 0, "only records newer than this, e.g. 24h")
	f.IntVar(&historyFlags.limit, "limit", 20, "maximum number of records")
	f.StringVarP(&historyFlags.query, "query", "q", "", "jq expression applied to the result")
	rootCmd.AddCommand(historyCmd)
}

// historyCmd prints recorded runs, events, step summaries or jobs as JSON.
var historyCmd = &cobra.Command{
	Use:   "history [runs|events|steps|jobs]",
	Short: "Inspect recorded runs",
	Long: `Print run history as JSON.

Examples:
  # Last 20 runs
  codeloop history

  # Failed runs of the last day, IDs only
  codeloop history --status failed --since 24h -q '.[].id'

  # Per-step summary of one run
  codeloop history steps --run 6f1c...`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{store.ResourceRuns, store.ResourceEvents, store.ResourceSteps, store.ResourceJobs},
	RunE:      runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.openHistory(ctx); err != nil {
		return err
	}

	q := store.Query{
		Resource:  store.ResourceRuns,
		RunID:     historyFlags.runID,
		JobID:     historyFlags.jobID,
		Status:    schema.RunStatus(historyFlags.status),
		EventType: historyFlags.eventType,
		Step:      historyFlags.step,
		Limit:     historyFlags.limit,
	}
	if len(args) == 1 {
		q.Resource = args[0]
	}
	if historyFlags.since > 0 {
		since := time.Now().UTC().Add(-historyFlags.since)
		q.Since = &since
	}

	var out any
	out, err = store.NewEventLog(a.history).Query(ctx, q)
	if err != nil {
		return err
	}
	if historyFlags.query != "" {
		if out, err = expressions.NewGoJQEngine().Project(ctx, historyFlags.query, out); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return nil
}
