package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/codeloop/internal/diagram"
	"github.com/rendis/codeloop/internal/expressions"
	"github.com/rendis/codeloop/internal/orchestrator"
	"github.com/rendis/codeloop/internal/store"
	"github.com/rendis/codeloop/internal/workflow"
)

// Runner runs one prompt through all phases.
type Runner interface {
	Run(ctx context.Context, prompt string, opts ...orchestrator.RunOption) (orchestrator.Result, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner Runner
	Store  store.Store
	// Diagrams holds one drawable model per phase name.
	Diagrams map[string]*diagram.Model
	Version  string
	Logger   *slog.Logger
}

// Server wraps an MCP server with codeloop tool handlers.
type Server struct {
	runner    Runner
	store     store.Store
	events    *store.EventLog
	diagrams  map[string]*diagram.Model
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 3 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		runner:   deps.Runner,
		store:    deps.Store,
		diagrams: deps.Diagrams,
		jq:       expressions.NewGoJQEngine(),
		logger:   logger,
	}
	if deps.Store != nil {
		s.events = store.NewEventLog(deps.Store)
	}

	mcpSrv := server.NewMCPServer(
		"codeloop",
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("codeloop turns a requirement into code, runs its test and repairs it until the output matches. Use codeloop.run to start a run, codeloop.history to inspect past runs, their events and step summaries, and codeloop.diagram to draw a phase graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("codeloop.run",
		mcp.WithDescription("Generate code for a requirement, test it and repair it until it passes"),
		mcp.WithString("prompt", mcp.Description("Requirement to implement (default: the configured prompt)")),
		mcp.WithBoolean("progress", mcp.Description("Push step progress as log notifications (default: true)")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("codeloop.history",
		mcp.WithDescription("Query past runs, their events, step summaries, or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum(store.ResourceRuns, store.ResourceEvents, store.ResourceSteps, store.ResourceJobs),
			mcp.Description("Type of record to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (run_id, job_id, status, event_type, step, since, limit)")),
		mcp.WithString("query", mcp.Description("jq expression applied to the result")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("codeloop.diagram",
		mcp.WithDescription("Draw a phase graph as a Mermaid flowchart, optionally highlighting the steps a run visited"),
		mcp.WithString("phase", mcp.Required(),
			mcp.Enum(workflow.SetupGraph, workflow.ExecutionGraph, workflow.WrapUpGraph),
			mcp.Description("Phase graph to draw"),
		),
		mcp.WithString("run_id", mcp.Description("Highlight the steps this run executed")),
	)
}
