// Package graph is a small state-graph engine: named steps operate on a shared
// state value, unconditional and routed edges connect them, and a compiled
// Plan runs the graph under a step budget with per-step retry policies,
// concurrent fan-out and barrier fan-in.
package graph

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rendis/codeloop/pkg/schema"
)

// Sentinel node names.
const (
	Start = "__start__"
	End   = "__end__"
)

// Router keys produced by Predicate.
const (
	KeyTrue  = "true"
	KeyFalse = "false"
)

// StepFunc is a unit of work. It must treat state as read-only and report
// its changes through the returned Update.
type StepFunc[S any] func(ctx context.Context, state S) (Update[S], error)

// Router selects the next step by returning a key of the edge's path map.
type Router[S any] func(ctx context.Context, state S) (string, error)

// Predicate adapts a boolean decision into a Router yielding KeyTrue/KeyFalse.
func Predicate[S any](fn func(ctx context.Context, state S) (bool, error)) Router[S] {
	return func(ctx context.Context, state S) (string, error) {
		ok, err := fn(ctx, state)
		if err != nil {
			return "", err
		}
		if ok {
			return KeyTrue, nil
		}
		return KeyFalse, nil
	}
}

// EdgeKind is the closed set of edge operations.
type EdgeKind int

const (
	EdgeUnconditional EdgeKind = iota + 1
	EdgeConditional
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeUnconditional:
		return "unconditional"
	case EdgeConditional:
		return "conditional"
	default:
		return fmt.Sprintf("edge_kind(%d)", int(k))
	}
}

// Valid reports whether k is a known edge kind.
func (k EdgeKind) Valid() bool {
	return k == EdgeUnconditional || k == EdgeConditional
}

// Edge is a transition out of From. Unconditional edges use To; conditional
// edges evaluate Router and look the key up in PathMap.
type Edge[S any] struct {
	Kind    EdgeKind
	From    string
	To      string
	Router  Router[S]
	PathMap map[string]string
}

// Direct returns an unconditional edge.
func Direct[S any](from, to string) Edge[S] {
	return Edge[S]{Kind: EdgeUnconditional, From: from, To: to}
}

// Branch returns a conditional edge.
func Branch[S any](from string, router Router[S], pathMap map[string]string) Edge[S] {
	return Edge[S]{Kind: EdgeConditional, From: from, Router: router, PathMap: pathMap}
}

// Targets returns every node the edge can lead to.
func (e Edge[S]) Targets() []string {
	if e.Kind == EdgeUnconditional {
		return []string{e.To}
	}
	out := make([]string, 0, len(e.PathMap))
	for _, to := range e.PathMap {
		out = append(out, to)
	}
	slices.Sort(out)
	return out
}

// --- Step options ---

// StepOption configures a step at registration.
type StepOption func(*stepConfig)

type stepConfig struct {
	retry   *RetryPolicy
	barrier bool
	timeout time.Duration
}

// WithRetry attaches a retry policy to the step.
func WithRetry(policy RetryPolicy) StepOption {
	return func(c *stepConfig) { c.retry = &policy }
}

// AsBarrier defers the step until no other pending step can still reach it.
func AsBarrier() StepOption {
	return func(c *stepConfig) { c.barrier = true }
}

// WithTimeout bounds each attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(c *stepConfig) { c.timeout = d }
}

type step[S any] struct {
	name  string
	fn    StepFunc[S]
	index int
	stepConfig
}

// --- Graph builder ---

// Graph collects steps and edges. Registration problems are recorded and
// reported together by Compile.
type Graph[S any] struct {
	name   string
	fields *StateSchema[S]
	steps  map[string]*step[S]
	order  []string
	edges  []Edge[S]
	issues schema.Issues
}

// New creates an empty graph over the given state schema.
func New[S any](name string, fields *StateSchema[S]) *Graph[S] {
	return &Graph[S]{
		name:   name,
		fields: fields,
		steps:  make(map[string]*step[S]),
	}
}

// Name returns the graph name.
func (g *Graph[S]) Name() string { return g.name }

// AddStep registers a named step.
func (g *Graph[S]) AddStep(name string, fn StepFunc[S], opts ...StepOption) *Graph[S] {
	path := "steps." + name
	switch {
	case name == "":
		g.issues.Add("steps", "step name is empty")
		return g
	case name == Start || name == End:
		g.issues.Addf(path, "step name %q is reserved", name)
		return g
	case fn == nil:
		g.issues.Addf(path, "step %q has no function", name)
		return g
	}
	if _, dup := g.steps[name]; dup {
		g.issues.Addf(path, "duplicate step %q", name)
		return g
	}

	st := &step[S]{name: name, fn: fn, index: len(g.order)}
	for _, opt := range opts {
		opt(&st.stepConfig)
	}
	if st.retry != nil && st.retry.MaxAttempts < 1 {
		g.issues.Add(path+".retry", "retry policy needs max attempts >= 1")
	}
	g.steps[name] = st
	g.order = append(g.order, name)
	return g
}

// AddEdge registers an unconditional edge.
func (g *Graph[S]) AddEdge(from, to string) *Graph[S] {
	return g.AddEdges(Direct[S](from, to))
}

// AddConditionalEdge registers a routed edge out of from.
func (g *Graph[S]) AddConditionalEdge(from string, router Router[S], pathMap map[string]string) *Graph[S] {
	return g.AddEdges(Branch(from, router, pathMap))
}

// AddEdges registers a declared edge list as-is.
func (g *Graph[S]) AddEdges(edges ...Edge[S]) *Graph[S] {
	g.edges = append(g.edges, edges...)
	return g
}

// EdgeCount returns the number of declared edges.
func (g *Graph[S]) EdgeCount() int { return len(g.edges) }
