package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/diagram"
	"github.com/rendis/codeloop/internal/expressions"
	"github.com/rendis/codeloop/internal/knowledge"
	"github.com/rendis/codeloop/internal/llm"
	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/internal/mail"
	"github.com/rendis/codeloop/internal/metrics"
	"github.com/rendis/codeloop/internal/notify"
	"github.com/rendis/codeloop/internal/orchestrator"
	"github.com/rendis/codeloop/internal/runner"
	"github.com/rendis/codeloop/internal/store"
	"github.com/rendis/codeloop/internal/websearch"
	"github.com/rendis/codeloop/internal/workflow"
)

// app holds what every command needs: config, logger, history and metrics.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	history *store.LibSQLStore
	metrics *metrics.Metrics
}

// loadApp resolves the config and builds the process logger. Logs go to
// stderr so stdout stays free for command output and the MCP transport.
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	return &app{
		cfg:     cfg,
		logger:  logging.New(os.Stderr, level, cfg.Log.Format),
		metrics: metrics.New(),
	}, nil
}

// openHistory opens and migrates the run history database.
func (a *app) openHistory(ctx context.Context) error {
	path := a.cfg.Store.DBPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	s, err := store.NewLibSQLStore(path)
	if err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return err
	}
	a.history = s
	return nil
}

func (a *app) close() {
	if a.history == nil {
		return
	}
	if err := a.history.Close(); err != nil {
		a.logger.Warn("closing history store", "error", err)
	}
}

// serveMetrics exposes /metrics in the background when an address is set.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	go func() {
		if err := a.metrics.Serve(ctx, addr, a.logger); err != nil {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// deps wires the run collaborators. Optional ones (web search, mail) stay
// nil when their config is absent; the vector store is opened per run.
func (a *app) deps(interactive bool, in io.Reader, out io.Writer) (workflow.Deps, error) {
	cfg := a.cfg
	prompts := workflow.NewPrompts(cfg.Prompts)
	system, err := prompts.SystemPrompt(cfg.Code)
	if err != nil {
		return workflow.Deps{}, err
	}

	agent, err := llm.New(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		SystemPrompt: system,
	}, a.logger)
	if err != nil {
		return workflow.Deps{}, err
	}

	verifier, err := expressions.NewVerifier(cfg.Code.VerifyExpr)
	if err != nil {
		return workflow.Deps{}, err
	}
	rules, err := expressions.NewCELEngine()
	if err != nil {
		return workflow.Deps{}, err
	}

	shell := &runner.Shell{Timeout: cfg.Code.Timeout}
	deps := workflow.Deps{
		Agent:    agent,
		Runner:   shell,
		Notifier: &notify.Beeper{Runner: shell, Out: out},
		Verifier: verifier,
		Rules:    rules,
		Console:  workflow.NewConsole(in, out, interactive),
		Prompts:  prompts,
		Logger:   a.logger,
	}

	if cfg.WebEnabled() {
		web, err := websearch.NewTavily(websearch.Config{
			APIKey:     cfg.WebSearch.APIKey,
			BaseURL:    cfg.WebSearch.BaseURL,
			MaxResults: cfg.WebSearch.MaxResults,
			Timeout:    cfg.WebSearch.Timeout,
		})
		if err != nil {
			return workflow.Deps{}, err
		}
		deps.Web = web
	}

	if cfg.MailEnabled() {
		mailer, err := mail.NewSMTP(mail.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			To:       cfg.Mail.To,
			SSL:      cfg.Mail.SSL,
			Timeout:  cfg.Mail.Timeout,
		})
		if err != nil {
			return workflow.Deps{}, err
		}
		deps.Mailer = mailer
	}

	return deps, nil
}

// vectorOpener opens the knowledge store for each run. Without an
// embedding model, runs proceed without a knowledge base.
func (a *app) vectorOpener() orchestrator.VectorOpener {
	cfg := a.cfg
	return func(context.Context) (knowledge.VectorStore, error) {
		if cfg.Embedding.Model == "" {
			return nil, nil
		}
		s, err := knowledge.Open(knowledge.Config{
			Path:     cfg.VectorStore.Path,
			Compress: cfg.VectorStore.Compress,
			Embedding: knowledge.EmbeddingConfig{
				BaseURL: cfg.Embedding.BaseURL,
				APIKey:  cfg.Embedding.APIKey,
				Model:   cfg.Embedding.Model,
			},
		}, a.logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// newOrchestrator builds an orchestrator recording into the history store.
func (a *app) newOrchestrator(deps workflow.Deps) *orchestrator.Orchestrator {
	opts := []orchestrator.Option{
		orchestrator.WithVectorOpener(a.vectorOpener()),
		orchestrator.WithMetrics(a.metrics),
	}
	if a.history != nil {
		opts = append(opts, orchestrator.WithHistory(a.history))
	}
	return orchestrator.New(a.cfg, deps, opts...)
}

// phaseDiagrams compiles every phase graph into a drawable model.
func phaseDiagrams(cfg *config.Config) (map[string]*diagram.Model, error) {
	deps := &workflow.Deps{}
	phases := []workflow.Phase{
		workflow.NewSetup(cfg, deps),
		workflow.NewExecution(cfg, deps, orchestrator.InitialSetting(cfg).MaxRetry),
		workflow.NewWrapUp(cfg, deps),
	}
	out := make(map[string]*diagram.Model, len(phases))
	for _, p := range phases {
		plan, err := workflow.Compile(p, cfg)
		if err != nil {
			return nil, err
		}
		out[plan.Name()] = diagram.FromPlan(plan)
	}
	return out, nil
}
