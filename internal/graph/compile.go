package graph

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/rendis/codeloop/internal/logging"
	"github.com/rendis/codeloop/pkg/schema"
)

// Option configures how a compiled plan runs.
type Option func(*runOptions)

type runOptions struct {
	logger   *slog.Logger
	observer Observer
	poolSize int
}

// WithLogger sets the logger used for step lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// WithObserver sets the lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *runOptions) { o.observer = obs }
}

// WithPoolSize bounds concurrent fan-out steps.
func WithPoolSize(n int) Option {
	return func(o *runOptions) { o.poolSize = n }
}

// Plan is a validated, executable graph.
type Plan[S any] struct {
	name   string
	fields *StateSchema[S]
	steps  map[string]*step[S]
	order  []string
	edges  []Edge[S]

	out      map[string][]Edge[S]       // node -> outgoing edges, declaration order
	preds    map[string][]string        // step -> static predecessors
	upstream map[string]map[string]bool // barrier -> steps that can still reach it

	logger   *slog.Logger
	observer Observer
	pool     *Pool
}

// Compile validates the graph and returns an executable plan.
//
// Validation rejects registration problems, an edge list with fewer than two
// entries (EDGE_MAPS_ERROR), edges of unknown kind (EDGE_FUNC_ERROR), edges
// that reference undeclared steps, fewer than two steps reachable from Start,
// and graphs in which End is unreachable.
func (g *Graph[S]) Compile(opts ...Option) (*Plan[S], error) {
	if err := g.issues.Err("graph " + g.name); err != nil {
		return nil, err
	}
	if g.fields == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s has no state schema", g.name)
	}
	if len(g.edges) <= 1 {
		return nil, schema.NewErrorf(schema.ErrCodeEdgeMaps,
			"graph %s: edge list is empty or has a single edge", g.name).
			WithDetails(map[string]any{"edges": len(g.edges)})
	}

	p := &Plan[S]{
		name:     g.name,
		fields:   g.fields,
		steps:    g.steps,
		order:    g.order,
		edges:    g.edges,
		out:      make(map[string][]Edge[S]),
		preds:    make(map[string][]string),
		upstream: make(map[string]map[string]bool),
	}

	for i, e := range g.edges {
		if err := g.validateEdge(i, e); err != nil {
			return nil, err
		}
		p.out[e.From] = append(p.out[e.From], e)
		for _, to := range e.Targets() {
			if to != End && !slices.Contains(p.preds[to], e.From) {
				p.preds[to] = append(p.preds[to], e.From)
			}
		}
	}

	reachable := p.reachableFrom(Start)
	var reachableSteps int
	for name := range reachable {
		if name != End {
			reachableSteps++
		}
	}
	if reachableSteps < 2 {
		return nil, schema.NewErrorf(schema.ErrCodeEdgeMaps,
			"graph %s: fewer than two steps reachable from start", g.name)
	}
	if !reachable[End] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s: end is unreachable", g.name)
	}

	for _, name := range g.order {
		if g.steps[name].barrier {
			p.upstream[name] = p.upstreamOf(name)
		}
	}

	ro := runOptions{poolSize: 4}
	for _, opt := range opts {
		opt(&ro)
	}
	p.logger = ro.logger
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	p.observer = ro.observer
	if p.observer == nil {
		p.observer = NopObserver{}
	}
	p.pool = NewPool(ro.poolSize)
	return p, nil
}

func (g *Graph[S]) validateEdge(i int, e Edge[S]) error {
	details := map[string]any{"edge": i, "from": e.From}
	if !e.Kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeEdgeFunc,
			"graph %s: edge %d has unknown operation %s", g.name, i, e.Kind).WithDetails(details)
	}
	if e.From != Start && g.steps[e.From] == nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"graph %s: edge %d starts at undeclared step %q", g.name, i, e.From).WithDetails(details)
	}

	switch e.Kind {
	case EdgeUnconditional:
		if !g.isTarget(e.To) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"graph %s: edge %d targets undeclared step %q", g.name, i, e.To).WithDetails(details)
		}
	case EdgeConditional:
		if e.Router == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"graph %s: conditional edge %d has no router", g.name, i).WithDetails(details)
		}
		if len(e.PathMap) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"graph %s: conditional edge %d has an empty path map", g.name, i).WithDetails(details)
		}
		for key, to := range e.PathMap {
			if !g.isTarget(to) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"graph %s: path map key %q of edge %d targets undeclared step %q", g.name, key, i, to).
					WithDetails(details)
			}
		}
	}
	return nil
}

func (g *Graph[S]) isTarget(name string) bool {
	return name == End || g.steps[name] != nil
}

// reachableFrom returns every node reachable from the given node.
func (p *Plan[S]) reachableFrom(from string) map[string]bool {
	seen := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range p.out[cur] {
			for _, to := range e.Targets() {
				if !seen[to] {
					seen[to] = true
					queue = append(queue, to)
				}
			}
		}
	}
	return seen
}

// upstreamOf returns the steps that can reach barrier without passing through it.
func (p *Plan[S]) upstreamOf(barrier string) map[string]bool {
	seen := map[string]bool{}
	queue := append([]string(nil), p.preds[barrier]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == barrier || cur == Start || seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, p.preds[cur]...)
	}
	return seen
}

// Name returns the graph name.
func (p *Plan[S]) Name() string { return p.name }

// Steps returns step names in declaration order.
func (p *Plan[S]) Steps() []string {
	return append([]string(nil), p.order...)
}

// Edges returns the declared edges.
func (p *Plan[S]) Edges() []Edge[S] {
	return append([]Edge[S](nil), p.edges...)
}

// EdgeCount returns the number of declared edges.
func (p *Plan[S]) EdgeCount() int { return len(p.edges) }

// Predecessors returns the static predecessors of a step.
func (p *Plan[S]) Predecessors(step string) []string {
	return append([]string(nil), p.preds[step]...)
}

// IsBarrier reports whether the named step is a barrier.
func (p *Plan[S]) IsBarrier(step string) bool {
	st, ok := p.steps[step]
	return ok && st.barrier
}

func (p *Plan[S]) String() string {
	return fmt.Sprintf("plan %s (%d steps, %d edges)", p.name, len(p.order), len(p.edges))
}
