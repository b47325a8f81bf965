package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/knowledge"
	"github.com/rendis/codeloop/internal/metrics"
	"github.com/rendis/codeloop/internal/runner"
	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/internal/store"
	"github.com/rendis/codeloop/internal/workflow"
	"github.com/rendis/codeloop/pkg/schema"
)

const requirementReply = `<requirements><requirement>print the answer</requirement></requirements>`

const genReply = "<ran_result>42</ran_result>\n" +
	"<gen_code>def answer():\n    return 42\n</gen_code>\n" +
	"<test_code>from main import answer\nprint(answer())\n</test_code>\n" +
	"<code_file>main.py</code_file>\n<test_file>test_main.py</test_file>"

type fakeAgent struct {
	mu     sync.Mutex
	err    error
	resets int
	asked  int
}

func (a *fakeAgent) Ask(_ context.Context, prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked++
	if a.err != nil {
		return "", a.err
	}
	if strings.Contains(prompt, "<requirements>") {
		return requirementReply, nil
	}
	return genReply, nil
}

func (a *fakeAgent) Reset() { a.resets++ }

type fakeRunner struct{}

func (fakeRunner) Run(context.Context, string) (runner.Result, error) {
	return runner.Result{Stdout: "42\n"}, nil
}

type fakeVectors struct {
	mu          sync.Mutex
	collections []string
	deleted     []string
	indexed     map[string][]lcschema.Document
	closed      int
}

func (v *fakeVectors) Collections() ([]string, error) { return v.collections, nil }

func (v *fakeVectors) DeleteCollection(name string) error {
	v.deleted = append(v.deleted, name)
	delete(v.indexed, name)
	return nil
}

func (v *fakeVectors) LoadFile(_ context.Context, path, fileType string, _, _ int) ([]lcschema.Document, error) {
	if !knowledge.Loadable(fileType) {
		return nil, knowledge.UnloadableError(path, fileType)
	}
	return []lcschema.Document{{PageContent: "chunk of " + path}}, nil
}

func (v *fakeVectors) Index(_ context.Context, docs []lcschema.Document, collection string) error {
	if v.indexed == nil {
		v.indexed = map[string][]lcschema.Document{}
	}
	v.indexed[collection] = append(v.indexed[collection], docs...)
	return nil
}

func (v *fakeVectors) Search(context.Context, string, string, int, int) ([]knowledge.Hit, error) {
	return nil, nil
}

func (v *fakeVectors) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed++
	return nil
}

type fakeMailer struct{ calls int }

func (m *fakeMailer) Send(context.Context, string, string) error {
	m.calls++
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Code: config.CodeConfig{CodeType: "python", InstallTool: "pip", RunningCommand: "python -W ignore"},
		Mutual: config.MutualConfig{
			Prompt: "write a function returning the answer",
			GlobalSetting: config.SettingConfig{
				MaxRetry:    2,
				ProjectPath: filepath.Join(t.TempDir(), "project"),
			},
		},
		VectorStore: config.VectorStoreConfig{ChunkSize: 200, ChunkOverlap: 20, TopK: 10, RerankTopN: 2},
		PoolSize:    2,
	}
}

type fixture struct {
	cfg     *config.Config
	agent   *fakeAgent
	vectors *fakeVectors
	mailer  *fakeMailer
	history *store.LibSQLStore
	metrics *metrics.Metrics
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg:     testConfig(t),
		agent:   &fakeAgent{},
		vectors: &fakeVectors{},
		mailer:  &fakeMailer{},
		metrics: metrics.New(),
	}
	hist, err := store.NewLibSQLStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, hist.Migrate(context.Background()))
	t.Cleanup(func() { _ = hist.Close() })
	f.history = hist

	deps := workflow.Deps{
		Agent:   f.agent,
		Vectors: f.vectors,
		Mailer:  f.mailer,
		Runner:  fakeRunner{},
		Console: workflow.NewConsole(nil, nil, false),
	}
	f.orch = New(f.cfg, deps, WithHistory(hist), WithMetrics(f.metrics))
	return f
}

func TestRun_NonInteractiveSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Run(ctx, "")
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, f.cfg.Mutual.Prompt, res.State.Prompt)
	assert.Equal(t, state.ActionSuccess, res.State.ActionState)
	assert.Len(t, res.State.GenStates, 1)
	assert.Equal(t, 2, res.State.GlobalSetting.MaxRetry)
	assert.Equal(t, 1, f.mailer.calls, "wrap-up ran")
	assert.Equal(t, 1, f.vectors.closed)
	assert.Equal(t, 1, f.agent.resets)

	run, err := f.history.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "SUCCESS", run.ActionState)
	assert.Equal(t, 1, run.Attempts)
	assert.NotNil(t, run.FinishedAt)
	assert.Contains(t, string(run.State), `"action_state":"success"`)

	events, err := f.history.GetEvents(ctx, res.RunID, 0)
	require.NoError(t, err)
	var phases []string
	for _, e := range events {
		if e.Type == schema.EventPhaseCompleted {
			phases = append(phases, e.Phase)
		}
	}
	assert.Equal(t, []string{workflow.SetupGraph, workflow.ExecutionGraph, workflow.WrapUpGraph}, phases)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, events[len(events)-1].Type)

	steps, err := store.NewEventLog(f.history).Replay(ctx, res.RunID)
	require.NoError(t, err)
	var actionRuns int
	for _, s := range steps {
		if s.Step == workflow.StepActionCode {
			actionRuns = s.Runs
		}
	}
	assert.Equal(t, 1, actionRuns)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues("SUCCESS")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.RunsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StepsTotal.WithLabelValues(workflow.ExecutionGraph, workflow.StepActionCode, "ok")))
}

func TestRun_PromptRequired(t *testing.T) {
	f := newFixture(t)
	f.cfg.Mutual.Prompt = ""

	_, err := f.orch.Run(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	runs, err := f.history.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_FatalErrorAbandonsRun(t *testing.T) {
	f := newFixture(t)
	errOffline := errors.New("model offline")
	f.agent.err = errOffline
	ctx := context.Background()

	res, err := f.orch.Run(ctx, "do something")
	require.Error(t, err)
	assert.ErrorIs(t, err, errOffline)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))

	assert.Equal(t, 0, f.mailer.calls, "wrap-up skipped")
	assert.Equal(t, 1, f.vectors.closed, "vector store closed on failure")
	assert.Equal(t, 1, f.agent.asked, "not retried")

	run, err := f.history.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.Contains(t, string(run.Error), "model offline")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues("error")))
}

func TestRun_JobIDRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Run(ctx, "nightly prompt", WithJobID("job-7"))
	require.NoError(t, err)

	runs, err := f.history.ListRuns(ctx, store.RunFilter{JobID: "job-7"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
}

type stepTrace struct {
	graph.NopObserver
	mu    sync.Mutex
	steps []string
}

func (s *stepTrace) StepStarted(_ context.Context, g, step string, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, g+"/"+step)
}

func TestRun_RunObserverScopedToRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trace := &stepTrace{}
	_, err := f.orch.Run(ctx, "first", WithRunObserver(trace))
	require.NoError(t, err)
	seen := len(trace.steps)
	assert.Contains(t, trace.steps, workflow.ExecutionGraph+"/"+workflow.StepActionCode)

	_, err = f.orch.Run(ctx, "second")
	require.NoError(t, err)
	assert.Len(t, trace.steps, seen, "observer not attached to later runs")
}

func TestRun_VectorOpenerPerRun(t *testing.T) {
	f := newFixture(t)
	var opened []*fakeVectors
	deps := workflow.Deps{Agent: f.agent, Runner: fakeRunner{}}
	orch := New(f.cfg, deps, WithVectorOpener(func(context.Context) (knowledge.VectorStore, error) {
		v := &fakeVectors{}
		opened = append(opened, v)
		return v, nil
	}))

	for i := 0; i < 2; i++ {
		_, err := orch.Run(context.Background(), "p")
		require.NoError(t, err)
	}
	require.Len(t, opened, 2)
	for _, v := range opened {
		assert.Equal(t, 1, v.closed)
	}
}

func TestRun_VectorOpenerError(t *testing.T) {
	f := newFixture(t)
	orch := New(f.cfg, workflow.Deps{Agent: f.agent, Runner: fakeRunner{}},
		WithVectorOpener(func(context.Context) (knowledge.VectorStore, error) {
			return nil, schema.NewError(schema.ErrCodeStore, "locked")
		}))

	_, err := orch.Run(context.Background(), "p")
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.Zero(t, f.agent.asked)
}

func TestUpdateVectorData_RebuildsWorkspace(t *testing.T) {
	f := newFixture(t)
	f.vectors.collections = []string{"Docs"}
	f.vectors.indexed = map[string][]lcschema.Document{"Docs": {{PageContent: "chunk of /kb/old.md"}}}
	var out bytes.Buffer
	deps := workflow.Deps{Vectors: f.vectors, Console: workflow.NewConsole(nil, &out, true)}

	st := state.New("p", state.GlobalSetting{EnableKnowledge: true, MaxRetry: 1})
	st.DataSource = state.DataSource{Workspace: "Docs", FilePaths: []string{"/kb/a.md", "/kb/tool.exe", "/kb/b.txt"}}

	require.NoError(t, f.orch.updateVectorData(context.Background(), &deps, st))

	assert.Equal(t, []string{"Docs"}, f.vectors.deleted)
	require.Len(t, f.vectors.indexed["Docs"], 2)
	assert.Equal(t, "chunk of /kb/a.md", f.vectors.indexed["Docs"][0].PageContent)
	for _, d := range f.vectors.indexed["Docs"] {
		assert.NotEqual(t, "chunk of /kb/old.md", d.PageContent, "only the listed files survive a rebuild")
	}
	assert.Contains(t, out.String(), "tool.exe skipped")
}

func TestUpdateVectorData_Skipped(t *testing.T) {
	f := newFixture(t)
	st := state.New("p", state.GlobalSetting{EnableKnowledge: true, MaxRetry: 1})
	st.DataSource = state.DataSource{Workspace: "Docs", FilePaths: []string{"/kb/a.md"}}

	tests := []struct {
		name string
		deps workflow.Deps
		st   state.State
	}{
		{"non-interactive", workflow.Deps{Vectors: f.vectors, Console: workflow.NewConsole(nil, nil, false)}, st},
		{"knowledge disabled", workflow.Deps{Vectors: f.vectors, Console: workflow.NewConsole(nil, nil, true)},
			func() state.State { s := st; s.GlobalSetting.EnableKnowledge = false; return s }()},
		{"no files", workflow.Deps{Vectors: f.vectors, Console: workflow.NewConsole(nil, nil, true)},
			func() state.State { s := st; s.DataSource.FilePaths = nil; return s }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, f.orch.updateVectorData(context.Background(), &tt.deps, tt.st))
		})
	}
	assert.Empty(t, f.vectors.indexed)
	assert.Empty(t, f.vectors.deleted)
}

func TestInitialSetting(t *testing.T) {
	d := InitialSetting(nil)
	assert.Equal(t, 3, d.MaxRetry)
	assert.Contains(t, filepath.Base(d.ProjectPath), "pj_")

	cfg := &config.Config{Mutual: config.MutualConfig{GlobalSetting: config.SettingConfig{
		EnableWeb: true, MaxRetry: 5, ProjectPath: "/srv/out",
	}}}
	g := InitialSetting(cfg)
	assert.True(t, g.EnableWeb)
	assert.False(t, g.EnableKnowledge)
	assert.Equal(t, 5, g.MaxRetry)
	assert.Equal(t, "/srv/out", g.ProjectPath)

	kept := InitialSetting(&config.Config{})
	assert.Equal(t, 3, kept.MaxRetry)
}
