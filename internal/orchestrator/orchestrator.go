// Package orchestrator chains the setup, execution and wrap-up phases of a
// code generation run and records the run's history.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/knowledge"
	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/internal/metrics"
	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/internal/store"
	"github.com/rendis/codeloop/internal/workflow"
	"github.com/rendis/codeloop/pkg/schema"
)

// VectorOpener opens the vector store for one run.
type VectorOpener func(ctx context.Context) (knowledge.VectorStore, error)

// Orchestrator runs prompts through the three phases. Runs are serialized:
// the model conversation and the operator console are shared.
type Orchestrator struct {
	cfg     *config.Config
	deps    workflow.Deps
	open    VectorOpener
	history store.Store
	rec     *store.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithVectorOpener opens a fresh vector store for every run instead of
// using Deps.Vectors. Long-lived processes need this because each run
// closes its store.
func WithVectorOpener(open VectorOpener) Option {
	return func(o *Orchestrator) { o.open = open }
}

// WithHistory records runs and their step events in s.
func WithHistory(s store.Store) Option {
	return func(o *Orchestrator) { o.history = s }
}

// WithMetrics reports step and run metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator. deps is copied; its Vectors field is
// replaced per run when a VectorOpener is set.
func New(cfg *config.Config, deps workflow.Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.history != nil {
		o.rec = store.NewRecorder(store.NewEventLog(o.history), o.logger)
	}
	return o
}

// Result is the outcome of one run.
type Result struct {
	RunID string
	State state.State
}

type runOptions struct {
	jobID    string
	observer graph.Observer
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithJobID tags the run as triggered by a scheduled job.
func WithJobID(id string) RunOption {
	return func(o *runOptions) { o.jobID = id }
}

// WithRunObserver adds an observer for this run's step events only.
func WithRunObserver(obs graph.Observer) RunOption {
	return func(o *runOptions) { o.observer = obs }
}

// Run executes setup, execution and wrap-up for prompt and returns the
// wrap-up state. An empty prompt falls back to the configured one. A
// failing phase abandons the run; the returned Result then holds the state
// reached so far. The vector store is closed before Run returns.
func (o *Orchestrator) Run(ctx context.Context, prompt string, opts ...RunOption) (res Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	res.RunID = uuid.NewString()
	ctx = logging.WithRunID(ctx, res.RunID)
	log := logging.LogWith(ctx, o.logger)

	if strings.TrimSpace(prompt) == "" && o.cfg != nil {
		prompt = o.cfg.Mutual.Prompt
	}
	if strings.TrimSpace(prompt) == "" {
		return res, schema.NewError(schema.ErrCodeValidation, "prompt is required")
	}

	deps := o.deps
	if o.open != nil {
		vs, err := o.open(ctx)
		if err != nil {
			return res, err
		}
		deps.Vectors = vs
	}
	defer closeVectors(ctx, deps.Vectors, log)

	if r, ok := deps.Agent.(interface{ Reset() }); ok {
		r.Reset()
	}

	res.State = state.New(prompt, InitialSetting(o.cfg))
	recorded := o.begin(ctx, res.RunID, prompt, ro.jobID)
	defer func() { o.finish(ctx, res, err, recorded) }()

	log.InfoContext(ctx, "run started", "job_id", ro.jobID)

	res.State, err = o.runPhase(ctx, workflow.NewSetup(o.cfg, &deps), res.State, 0, false, ro.observer)
	if err != nil {
		return res, o.report(ctx, err)
	}

	if err := o.updateVectorData(ctx, &deps, res.State); err != nil {
		return res, o.report(ctx, err)
	}

	maxRetry := res.State.GlobalSetting.MaxRetry
	res.State, err = o.runPhase(ctx, workflow.NewExecution(o.cfg, &deps, maxRetry), res.State, maxRetry, true, ro.observer)
	if err != nil {
		return res, o.report(ctx, err)
	}

	res.State, err = o.runPhase(ctx, workflow.NewWrapUp(o.cfg, &deps), res.State, 0, false, ro.observer)
	if err != nil {
		return res, o.report(ctx, err)
	}

	log.InfoContext(ctx, "run finished",
		"action_state", res.State.ActionState.Label(),
		"attempts", len(res.State.GenStates))
	return res, nil
}

// RunPrompt runs prompt for a scheduled job and returns the run ID.
func (o *Orchestrator) RunPrompt(ctx context.Context, prompt, jobID string) (string, error) {
	res, err := o.Run(ctx, prompt, WithJobID(jobID))
	return res.RunID, err
}

// InitialSetting is the default global setting overlaid with the configured
// one. Zero config values keep the defaults.
func InitialSetting(cfg *config.Config) state.GlobalSetting {
	g := state.DefaultGlobalSetting()
	if cfg == nil {
		return g
	}
	c := cfg.Mutual.GlobalSetting
	g.EnableKnowledge = c.EnableKnowledge
	g.EnableWeb = c.EnableWeb
	if c.MaxRetry > 0 {
		g.MaxRetry = c.MaxRetry
	}
	if c.ProjectPath != "" {
		g.ProjectPath = config.ExpandHome(c.ProjectPath)
	}
	return g
}

func (o *Orchestrator) runPhase(ctx context.Context, p workflow.Phase, st state.State, maxRetry int, loops bool, extra graph.Observer) (state.State, error) {
	opts := []graph.Option{graph.WithLogger(o.logger)}
	if obs := o.observer(extra); obs != nil {
		opts = append(opts, graph.WithObserver(obs))
	}
	plan, err := workflow.Compile(p, o.cfg, opts...)
	if err != nil {
		return st, err
	}

	phaseCtx := logging.WithPhase(ctx, plan.Name())
	budget := workflow.Budget(plan.EdgeCount(), maxRetry, loops)
	o.event(phaseCtx, plan.Name(), schema.EventPhaseStarted, map[string]any{"budget": budget})
	start := time.Now()

	out, err := plan.Run(ctx, st, budget)
	if err != nil {
		o.event(phaseCtx, plan.Name(), schema.EventPhaseFailed, errorPayload(err))
		return out, err
	}
	o.event(phaseCtx, plan.Name(), schema.EventPhaseCompleted,
		map[string]any{"elapsed_ms": time.Since(start).Milliseconds()})
	return out, nil
}

func (o *Orchestrator) observer(extra graph.Observer) graph.Observer {
	var obs graph.Observers
	if extra != nil {
		obs = append(obs, extra)
	}
	if o.rec != nil {
		obs = append(obs, o.rec)
	}
	if o.metrics != nil {
		obs = append(obs, o.metrics)
	}
	if len(obs) == 0 {
		return nil
	}
	return obs
}

// updateVectorData rebuilds the selected workspace from its file list after
// an interactive setup. Documents indexed earlier from files not in the list
// are dropped.
func (o *Orchestrator) updateVectorData(ctx context.Context, deps *workflow.Deps, st state.State) error {
	ds := st.DataSource
	interactive := deps.Console != nil && deps.Console.Interactive()
	if !interactive || !st.GlobalSetting.EnableKnowledge || ds.Workspace == "" || len(ds.FilePaths) == 0 || deps.Vectors == nil {
		return nil
	}

	c := deps.Console
	c.Rule("=")
	size, overlap := knowledge.DefaultChunkSize, knowledge.DefaultChunkOverlap
	if o.cfg != nil {
		size, overlap = o.cfg.VectorStore.ChunkSize, o.cfg.VectorStore.ChunkOverlap
	}

	var docs []lcschema.Document
	for i, path := range ds.FilePaths {
		loaded, err := deps.Vectors.LoadFile(ctx, path, knowledge.FileType(path), size, overlap)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeUnloadable) {
				c.Printf("[%d/%d] file %s skipped: %v\n", i+1, len(ds.FilePaths), path, err)
				continue
			}
			return err
		}
		docs = append(docs, loaded...)
		c.Printf("[%d/%d] added %s\n", i+1, len(ds.FilePaths), path)
	}

	c.Println("* Writing files to the knowledge base...")
	start := time.Now()
	names, err := deps.Vectors.Collections()
	if err != nil {
		return err
	}
	if slices.Contains(names, ds.Workspace) {
		if err := deps.Vectors.DeleteCollection(ds.Workspace); err != nil {
			return err
		}
	}
	if err := deps.Vectors.Index(ctx, docs, ds.Workspace); err != nil {
		return err
	}
	c.Printf("* Knowledge base updated in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// report prints a fatal error to the operator and logs it.
func (o *Orchestrator) report(ctx context.Context, err error) error {
	logging.LogWith(ctx, o.logger).ErrorContext(ctx, "run abandoned", "error", err, "code", schema.CodeOf(err))
	if o.deps.Console != nil {
		o.deps.Console.Printf("The code generator stopped: %v\n", err)
	}
	return err
}

// begin reports whether the run was recorded in the history store.
func (o *Orchestrator) begin(ctx context.Context, runID, prompt, jobID string) bool {
	if o.metrics != nil {
		o.metrics.RunStarted()
	}
	if o.history == nil {
		return false
	}
	if err := o.history.CreateRun(ctx, &store.Run{ID: runID, Prompt: prompt, JobID: jobID}); err != nil {
		o.logger.WarnContext(ctx, "recording run start", "error", err)
		return false
	}
	o.event(ctx, "", schema.EventRunStarted, map[string]any{"prompt": prompt})
	return true
}

func (o *Orchestrator) finish(ctx context.Context, res Result, runErr error, recorded bool) {
	attempts := len(res.State.GenStates)
	disposition := ""
	if runErr == nil {
		disposition = res.State.ActionState.Label()
	}
	if o.metrics != nil {
		o.metrics.RunFinished(disposition, attempts)
	}
	if !recorded {
		return
	}

	// The caller's context may be done; the record must still land.
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:      schema.RunStatusCompleted,
		ActionState: disposition,
		Attempts:    &attempts,
		FinishedAt:  &now,
	}
	if b, err := json.Marshal(res.State); err == nil {
		update.State = b
	}
	eventType := schema.EventRunCompleted
	if runErr != nil {
		update.Status = schema.RunStatusFailed
		update.Error, _ = json.Marshal(errorPayload(runErr))
		eventType = schema.EventRunFailed
	}
	o.event(ctx, "", eventType, map[string]any{"action_state": disposition, "attempts": attempts})
	if err := o.history.UpdateRun(ctx, res.RunID, update); err != nil {
		o.logger.WarnContext(ctx, "recording run result", "error", err)
	}
}

func (o *Orchestrator) event(ctx context.Context, phase, eventType string, payload any) {
	if o.rec != nil {
		o.rec.RunEvent(ctx, phase, eventType, payload)
	}
}

func errorPayload(err error) map[string]any {
	p := map[string]any{"message": err.Error()}
	if code := schema.CodeOf(err); code != "" {
		p["code"] = code
	}
	var causes []string
	for c := errors.Unwrap(err); c != nil; c = errors.Unwrap(c) {
		causes = append(causes, c.Error())
	}
	if len(causes) > 0 {
		p["causes"] = causes
	}
	return p
}

func closeVectors(ctx context.Context, vs knowledge.VectorStore, log *slog.Logger) {
	if vs == nil {
		return
	}
	if err := vs.Close(); err != nil {
		log.WarnContext(ctx, "closing vector store", "error", err)
	}
}
