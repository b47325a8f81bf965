// Package workflow builds the three phase graphs of a code generation run:
// setup resolves options and the knowledge workspace, execution drives the
// generate, test and fix loop, and wrap-up reports the outcome.
package workflow

import (
	"log/slog"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/expressions"
	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/knowledge"
	"github.com/rendis/codeloop/internal/llm"
	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/internal/mail"
	"github.com/rendis/codeloop/internal/notify"
	"github.com/rendis/codeloop/internal/runner"
	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/internal/websearch"
)

// Phase graph names.
const (
	SetupGraph     = "setup"
	ExecutionGraph = "execution"
	WrapUpGraph    = "wrapup"
)

// Deps are the collaborators the phases call. Vectors, Web, Mailer and
// Notifier are optional; a nil value disables the feature.
type Deps struct {
	Agent    llm.Asker
	Vectors  knowledge.VectorStore
	Web      websearch.Searcher
	Mailer   mail.Sender
	Notifier notify.Notifier
	Runner   runner.Runner
	Verifier *expressions.Verifier
	Rules    *expressions.CELEngine
	Console  *Console
	Prompts  Prompts
	Logger   *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return logging.Discard()
	}
	return d.Logger
}

var quietConsole = NewConsole(nil, nil, false)

func (d *Deps) console() *Console {
	if d.Console == nil {
		return quietConsole
	}
	return d.Console
}

// Budget is the step budget of a graph with the given number of edges. The
// execution graph gets room for two passes per attempt.
func Budget(edges, maxRetry int, loops bool) int {
	if !loops {
		return edges
	}
	if maxRetry < 1 {
		maxRetry = 1
	}
	return edges * maxRetry * 2
}

// Phase is a buildable phase graph.
type Phase interface {
	Graph() *graph.Graph[state.State]
}

// Compile builds and compiles a phase graph.
func Compile(p Phase, cfg *config.Config, opts ...graph.Option) (*graph.Plan[state.State], error) {
	if cfg != nil && cfg.PoolSize > 0 {
		opts = append([]graph.Option{graph.WithPoolSize(cfg.PoolSize)}, opts...)
	}
	return p.Graph().Compile(opts...)
}
