package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/codeloop/internal/diagram"
	"github.com/rendis/codeloop/internal/orchestrator"
	"github.com/rendis/codeloop/internal/store"
	"github.com/rendis/codeloop/pkg/schema"
)

// runSummary is the codeloop.run result.
type runSummary struct {
	RunID       string `json:"run_id"`
	ActionState string `json:"action_state"`
	Attempts    int    `json:"attempts"`
	ProjectPath string `json:"project_path"`
	CodeFile    string `json:"code_file,omitempty"`
	TestFile    string `json:"test_file,omitempty"`
	RanResult   string `json:"ran_result,omitempty"`
	Actual      string `json:"actual_result,omitempty"`
}

// handleRun runs a prompt to completion and summarizes the final state.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil {
		return mcp.NewToolResultError("runs are not available on this server"), nil
	}
	prompt := req.GetString("prompt", "")

	var opts []orchestrator.RunOption
	if req.GetBool("progress", true) {
		if n := newProgressNotifier(ctx, s.mcpServer, s.logger); n != nil {
			opts = append(opts, orchestrator.WithRunObserver(n))
		}
	}

	res, err := s.runner.Run(ctx, prompt, opts...)
	if err != nil {
		msg := fmt.Sprintf("run %s failed: %v", res.RunID, err)
		if code := schema.CodeOf(err); code != "" {
			msg = fmt.Sprintf("run %s failed [%s]: %v", res.RunID, code, err)
		}
		return mcp.NewToolResultError(msg), nil
	}

	st := res.State
	return marshalResult(runSummary{
		RunID:       res.RunID,
		ActionState: st.ActionState.Label(),
		Attempts:    len(st.GenStates),
		ProjectPath: st.GlobalSetting.ProjectPath,
		CodeFile:    st.GenResult.CodeFile,
		TestFile:    st.GenResult.TestFile,
		RanResult:   st.GenResult.RanResult,
		Actual:      st.GenResult.ActualResult,
	})
}

// handleHistory queries the run history and optionally projects it with jq.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	if s.events == nil {
		return mcp.NewToolResultError("history is not available on this server"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	q := historyQuery(resource, filter)

	out, err := s.events.Query(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	if expr := req.GetString("query", ""); expr != "" {
		projected, err := s.jq.Project(ctx, expr, out)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("jq query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{resource: projected})
	}
	return marshalResult(map[string]any{resource: out})
}

// handleDiagram renders a phase graph, highlighting a run's visited steps.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	phase, err := req.RequireString("phase")
	if err != nil {
		return mcp.NewToolResultError("phase is required"), nil
	}
	model, ok := s.diagrams[phase]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown phase %q", phase)), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		if s.events == nil {
			return mcp.NewToolResultError("history is not available on this server"), nil
		}
		steps, err := s.events.Replay(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
		model = visited(model, phase, steps)
	}

	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Internal helpers ---

// visited returns a copy of m marking the steps of phase that ran.
func visited(m *diagram.Model, phase string, steps []*store.StepSummary) *diagram.Model {
	cp := *m
	cp.Visited = nil
	var names []string
	for _, ss := range steps {
		if ss.Phase == phase && ss.Runs > 0 {
			names = append(names, ss.Step)
		}
	}
	return cp.Mark(names...)
}

// historyQuery builds a store query from a tool filter map.
func historyQuery(resource string, filter map[string]any) store.Query {
	q := store.Query{
		Resource: resource,
		Limit:    extractInt(filter, "limit", 50),
	}
	if v, ok := filter["run_id"].(string); ok {
		q.RunID = v
	}
	if v, ok := filter["job_id"].(string); ok {
		q.JobID = v
	}
	if v, ok := filter["status"].(string); ok {
		q.Status = schema.RunStatus(v)
	}
	if v, ok := filter["event_type"].(string); ok {
		q.EventType = v
	}
	if v, ok := filter["step"].(string); ok {
		q.Step = v
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = &t
		}
	}
	return q
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
