// Package llm holds the conversational model client used by the execution
// phase. An Agent keeps the running conversation so later prompts see the
// earlier requirement analysis and generated code.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/pkg/schema"
)

// Asker sends one prompt and returns the assistant's reply text.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Config holds the connection settings for an OpenAI-compatible endpoint.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Agent is a stateful chat client. Every Ask appends the prompt and the reply
// to the history sent with the next call.
type Agent struct {
	model  llms.Model
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	history []llms.MessageContent
}

var _ Asker = (*Agent)(nil)

// New connects an Agent to the configured endpoint.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if cfg.Model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "llm: model is required")
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo refuses an empty token even for local endpoints.
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewWithModel(model, cfg, logger), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &Agent{model: model, cfg: cfg, logger: logger}
	a.Reset()
	return a
}

// Ask appends prompt to the conversation and returns the model's reply.
// A failed call leaves the history unchanged.
func (a *Agent) Ask(ctx context.Context, prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	msgs := append(append([]llms.MessageContent(nil), a.history...),
		llms.TextParts(lcschema.ChatMessageTypeHuman, prompt))

	callOpts := []llms.CallOption{llms.WithTemperature(a.cfg.Temperature)}
	if a.cfg.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(a.cfg.MaxTokens))
	}

	a.logger.DebugContext(ctx, "llm request", "prompt_chars", len(prompt), "history", len(a.history))
	resp, err := a.model.GenerateContent(ctx, msgs, callOpts...)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "llm: generate content failed").WithCause(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeExecution, "llm: response has no choices")
	}
	reply := resp.Choices[0].Content

	a.history = append(msgs, llms.TextParts(lcschema.ChatMessageTypeAI, reply))
	a.logger.DebugContext(ctx, "llm reply", "reply_chars", len(reply))
	return reply, nil
}

// Reset drops the conversation, keeping only the system prompt.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	if a.cfg.SystemPrompt != "" {
		a.history = append(a.history, llms.TextParts(lcschema.ChatMessageTypeSystem, a.cfg.SystemPrompt))
	}
}

// Len returns the number of messages in the conversation.
func (a *Agent) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}
