package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/codeloop/internal/diagram"
	"github.com/rendis/codeloop/internal/store"
	"github.com/rendis/codeloop/internal/workflow"
)

var diagramRunID string

func init() {
	diagramCmd.Flags().StringVar(&diagramRunID, "run", "", "highlight the steps this run executed")
	rootCmd.AddCommand(diagramCmd)
}

// diagramCmd prints a phase graph as a Mermaid flowchart.
var diagramCmd = &cobra.Command{
	Use:       "diagram <setup|execution|wrapup>",
	Short:     "Print a phase graph as a Mermaid flowchart",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{workflow.SetupGraph, workflow.ExecutionGraph, workflow.WrapUpGraph},
	RunE:      runDiagram,
}

func runDiagram(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	models, err := phaseDiagrams(a.cfg)
	if err != nil {
		return err
	}
	phase := args[0]
	model, ok := models[phase]
	if !ok {
		return fmt.Errorf("unknown phase %q", phase)
	}

	if diagramRunID != "" {
		if err := a.openHistory(ctx); err != nil {
			return err
		}
		steps, err := store.NewEventLog(a.history).Replay(ctx, diagramRunID)
		if err != nil {
			return err
		}
		var ran []string
		for _, s := range steps {
			if s.Phase == phase && s.Runs > 0 {
				ran = append(ran, s.Step)
			}
		}
		model.Mark(ran...)
	}

	fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
	return nil
}
