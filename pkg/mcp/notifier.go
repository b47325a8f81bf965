package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/pkg/schema"
)

const logMethod = "notifications/message"

// progressNotifier pushes one run's step events to the MCP session that
// started it as log notifications.
// Best-effort: a vanished session silences it, send errors are only logged.
type progressNotifier struct {
	graph.NopObserver
	mcpServer *server.MCPServer
	sessionID string
	logger    *slog.Logger
	gone      atomic.Bool
}

// newProgressNotifier returns nil when ctx carries no client session.
func newProgressNotifier(ctx context.Context, mcpServer *server.MCPServer, logger *slog.Logger) *progressNotifier {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return nil
	}
	return &progressNotifier{mcpServer: mcpServer, sessionID: session.SessionID(), logger: logger}
}

func (n *progressNotifier) StepStarted(ctx context.Context, g, step string, attempt int) {
	n.send(ctx, "info", map[string]any{
		"event":   schema.EventStepStarted,
		"phase":   g,
		"step":    step,
		"attempt": attempt,
	})
}

func (n *progressNotifier) StepFinished(ctx context.Context, g, step string, elapsed time.Duration, err error) {
	data := map[string]any{
		"event":      schema.EventStepCompleted,
		"phase":      g,
		"step":       step,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	level := "info"
	if err != nil {
		level = "error"
		data["event"] = schema.EventStepFailed
		data["error"] = err.Error()
	}
	n.send(ctx, level, data)
}

func (n *progressNotifier) StepRetrying(ctx context.Context, g, step string, attempt int, delay time.Duration, err error) {
	n.send(ctx, "warning", map[string]any{
		"event":    schema.EventStepRetrying,
		"phase":    g,
		"step":     step,
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"error":    err.Error(),
	})
}

func (n *progressNotifier) send(ctx context.Context, level string, data map[string]any) {
	if n.gone.Load() {
		return
	}
	if id := logging.RunID(ctx); id != "" {
		data["run_id"] = id
	}
	err := n.mcpServer.SendNotificationToSpecificClient(n.sessionID, logMethod, map[string]any{
		"level":  level,
		"logger": "codeloop",
		"data":   data,
	})
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		n.gone.Store(true)
	case err != nil:
		n.logger.DebugContext(ctx, "progress notification dropped", "session", n.sessionID, "error", err)
	}
}
