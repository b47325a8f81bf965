package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/codeloop/internal/diagram"
	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/orchestrator"
	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/internal/store"
	"github.com/rendis/codeloop/pkg/schema"
)

// --- Mock Runner ---

type mockRunner struct {
	result  orchestrator.Result
	err     error
	prompts []string
	opts    int
}

func (m *mockRunner) Run(_ context.Context, prompt string, opts ...orchestrator.RunOption) (orchestrator.Result, error) {
	m.prompts = append(m.prompts, prompt)
	m.opts = len(opts)
	return m.result, m.err
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newHistory(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedHistory records one finished run with a few execution step events.
func seedHistory(t *testing.T, s store.Store) *store.Run {
	t.Helper()
	ctx := context.Background()
	run := &store.Run{Prompt: "sum two numbers"}
	require.NoError(t, s.CreateRun(ctx, run))
	attempts := 2
	require.NoError(t, s.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:      schema.RunStatusCompleted,
		ActionState: "VERIFY",
		Attempts:    &attempts,
	}))
	for _, e := range []*store.Event{
		{RunID: run.ID, Type: schema.EventRunStarted},
		{RunID: run.ID, Phase: "execution", Step: "realize_requirements", Type: schema.EventStepStarted},
		{RunID: run.ID, Phase: "execution", Step: "realize_requirements", Type: schema.EventStepCompleted},
		{RunID: run.ID, Phase: "execution", Step: "action_code", Type: schema.EventStepStarted},
		{RunID: run.ID, Phase: "execution", Step: "action_code", Type: schema.EventStepFailed},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}
	return run
}

func testDiagrams() map[string]*diagram.Model {
	return map[string]*diagram.Model{
		"execution": {
			Title: "execution",
			Nodes: []*diagram.Node{
				{ID: graph.Start, Label: "start", Kind: diagram.NodeKindStart},
				{ID: "realize_requirements", Label: "realize_requirements", Kind: diagram.NodeKindStep},
				{ID: "action_code", Label: "action_code", Kind: diagram.NodeKindStep},
				{ID: "error_handle", Label: "error_handle", Kind: diagram.NodeKindStep},
				{ID: graph.End, Label: "end", Kind: diagram.NodeKindEnd},
			},
			Edges: []*diagram.Edge{
				{From: graph.Start, To: "realize_requirements"},
				{From: "realize_requirements", To: "action_code"},
				{From: "action_code", To: "error_handle", Label: graph.KeyTrue, Dashed: true},
				{From: "action_code", To: graph.End, Label: graph.KeyFalse, Dashed: true},
			},
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Run ---

func TestRunTool(t *testing.T) {
	st := state.New("sum two numbers", state.GlobalSetting{MaxRetry: 3, ProjectPath: "/tmp/pj"})
	st.ActionState = state.ActionSuccess
	st.GenResult.CodeFile = "/tmp/pj/main.py"
	st.GenResult.RanResult = "3"
	st.GenStates = []state.GenResult{st.GenResult}

	runner := &mockRunner{result: orchestrator.Result{RunID: "run-1", State: st}}
	s := NewServer(ServerDeps{Runner: runner})

	result, err := s.handleRun(context.Background(), buildRequest("codeloop.run", map[string]any{
		"prompt": "sum two numbers",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var got runSummary
	unmarshalResult(t, result, &got)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "SUCCESS", got.ActionState)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "/tmp/pj", got.ProjectPath)
	assert.Equal(t, "/tmp/pj/main.py", got.CodeFile)
	assert.Equal(t, []string{"sum two numbers"}, runner.prompts)
	assert.Zero(t, runner.opts, "no session, no progress observer")
}

func TestRunTool_EmptyPromptPassedThrough(t *testing.T) {
	runner := &mockRunner{}
	s := NewServer(ServerDeps{Runner: runner})

	_, err := s.handleRun(context.Background(), buildRequest("codeloop.run", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, []string{""}, runner.prompts)
}

func TestRunTool_Failure(t *testing.T) {
	runner := &mockRunner{
		result: orchestrator.Result{RunID: "run-9"},
		err:    schema.NewError(schema.ErrCodeBudgetExceeded, "step budget of 54 exhausted"),
	}
	s := NewServer(ServerDeps{Runner: runner})

	result, err := s.handleRun(context.Background(), buildRequest("codeloop.run", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "run-9")
	assert.Contains(t, text, schema.ErrCodeBudgetExceeded)
}

func TestRunTool_NoRunner(t *testing.T) {
	s := NewServer(ServerDeps{})
	result, err := s.handleRun(context.Background(), buildRequest("codeloop.run", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool_PlainError(t *testing.T) {
	runner := &mockRunner{result: orchestrator.Result{RunID: "run-2"}, err: errors.New("disk full")}
	s := NewServer(ServerDeps{Runner: runner})

	result, err := s.handleRun(context.Background(), buildRequest("codeloop.run", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "run run-2 failed: disk full", extractText(t, result))
}

// --- History ---

func TestHistoryTool_Runs(t *testing.T) {
	hist := newHistory(t)
	run := seedHistory(t, hist)
	s := NewServer(ServerDeps{Store: hist})

	result, err := s.handleHistory(context.Background(), buildRequest("codeloop.history", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"status": "completed", "limit": float64(5)},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var got struct {
		Runs []store.Run `json:"runs"`
	}
	unmarshalResult(t, result, &got)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, run.ID, got.Runs[0].ID)
	assert.Equal(t, "VERIFY", got.Runs[0].ActionState)
}

func TestHistoryTool_StepsWithQuery(t *testing.T) {
	hist := newHistory(t)
	run := seedHistory(t, hist)
	s := NewServer(ServerDeps{Store: hist})

	result, err := s.handleHistory(context.Background(), buildRequest("codeloop.history", map[string]any{
		"resource": "steps",
		"filter":   map[string]any{"run_id": run.ID},
		"query":    `[.[] | select(.failures > 0) | .step]`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var got struct {
		Steps []string `json:"steps"`
	}
	unmarshalResult(t, result, &got)
	assert.Equal(t, []string{"action_code"}, got.Steps)
}

func TestHistoryTool_EventsByType(t *testing.T) {
	hist := newHistory(t)
	seedHistory(t, hist)
	s := NewServer(ServerDeps{Store: hist})

	result, err := s.handleHistory(context.Background(), buildRequest("codeloop.history", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": schema.EventStepStarted},
	}))
	require.NoError(t, err)

	var got struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &got)
	assert.Len(t, got.Events, 2)
}

func TestHistoryTool_Errors(t *testing.T) {
	hist := newHistory(t)
	s := NewServer(ServerDeps{Store: hist})
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing resource", map[string]any{}},
		{"unknown resource", map[string]any{"resource": "templates"}},
		{"events need run or type", map[string]any{"resource": "events"}},
		{"bad jq", map[string]any{"resource": "runs", "query": ".["}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleHistory(ctx, buildRequest("codeloop.history", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}

	noStore := NewServer(ServerDeps{})
	result, err := noStore.handleHistory(ctx, buildRequest("codeloop.history", map[string]any{"resource": "runs"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryQuery(t *testing.T) {
	q := historyQuery("events", map[string]any{
		"run_id":     "r1",
		"job_id":     "j1",
		"status":     "failed",
		"event_type": "step_failed",
		"step":       "action_code",
		"since":      "2026-01-02T03:04:05Z",
		"limit":      "7",
	})
	assert.Equal(t, "events", q.Resource)
	assert.Equal(t, "r1", q.RunID)
	assert.Equal(t, "j1", q.JobID)
	assert.Equal(t, schema.RunStatusFailed, q.Status)
	assert.Equal(t, "step_failed", q.EventType)
	assert.Equal(t, "action_code", q.Step)
	require.NotNil(t, q.Since)
	assert.Equal(t, 2026, q.Since.Year())
	assert.Equal(t, 7, q.Limit)

	assert.Equal(t, 50, historyQuery("runs", nil).Limit)
}

// --- Diagram ---

func TestDiagramTool(t *testing.T) {
	s := NewServer(ServerDeps{Diagrams: testDiagrams()})

	result, err := s.handleDiagram(context.Background(), buildRequest("codeloop.diagram", map[string]any{
		"phase": "execution",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "realize_requirements --> action_code")
	assert.NotContains(t, text, "classDef visited")
}

func TestDiagramTool_RunOverlay(t *testing.T) {
	hist := newHistory(t)
	run := seedHistory(t, hist)
	diagrams := testDiagrams()
	s := NewServer(ServerDeps{Store: hist, Diagrams: diagrams})

	result, err := s.handleDiagram(context.Background(), buildRequest("codeloop.diagram", map[string]any{
		"phase":  "execution",
		"run_id": run.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	text := extractText(t, result)
	assert.Contains(t, text, "class realize_requirements visited")
	assert.Contains(t, text, "class action_code visited")
	assert.NotContains(t, text, "class error_handle visited")
	assert.Nil(t, diagrams["execution"].Visited, "shared model untouched")
}

func TestDiagramTool_Errors(t *testing.T) {
	s := NewServer(ServerDeps{Diagrams: testDiagrams()})
	ctx := context.Background()

	result, err := s.handleDiagram(ctx, buildRequest("codeloop.diagram", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(ctx, buildRequest("codeloop.diagram", map[string]any{"phase": "teardown"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(ctx, buildRequest("codeloop.diagram", map[string]any{"phase": "execution", "run_id": "r"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "run overlay needs a store")
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 3, extractInt(map[string]any{"n": float64(3)}, "n", 1))
	assert.Equal(t, 4, extractInt(map[string]any{"n": 4}, "n", 1))
	assert.Equal(t, 5, extractInt(map[string]any{"n": "5"}, "n", 1))
	assert.Equal(t, 1, extractInt(map[string]any{"n": "x"}, "n", 1))
	assert.Equal(t, 1, extractInt(nil, "n", 1))
}
