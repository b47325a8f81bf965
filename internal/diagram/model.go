// Package diagram renders phase graphs as Mermaid flowcharts.
package diagram

import (
	"github.com/rendis/codeloop/internal/graph"
)

// NodeKind determines the shape a node is drawn with.
type NodeKind string

const (
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
	NodeKindStep    NodeKind = "step"
	NodeKindBarrier NodeKind = "barrier"
)

// Node is a drawable graph node.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
}

// Edge is a drawable transition; Label carries the router key for routed edges.
type Edge struct {
	From   string
	To     string
	Label  string
	Dashed bool
}

// Model is the renderer input.
type Model struct {
	Title string
	Nodes []*Node
	Edges []*Edge
	// Visited marks steps that ran, keyed by step name.
	Visited map[string]bool
}

// FromPlan builds a model from a compiled plan.
func FromPlan[S any](p *graph.Plan[S]) *Model {
	m := &Model{Title: p.Name()}
	m.Nodes = append(m.Nodes, &Node{ID: graph.Start, Label: "start", Kind: NodeKindStart})
	for _, name := range p.Steps() {
		kind := NodeKindStep
		if p.IsBarrier(name) {
			kind = NodeKindBarrier
		}
		m.Nodes = append(m.Nodes, &Node{ID: name, Label: name, Kind: kind})
	}
	m.Nodes = append(m.Nodes, &Node{ID: graph.End, Label: "end", Kind: NodeKindEnd})

	for _, e := range p.Edges() {
		switch e.Kind {
		case graph.EdgeUnconditional:
			m.Edges = append(m.Edges, &Edge{From: e.From, To: e.To})
		case graph.EdgeConditional:
			for _, key := range sortedKeys(e.PathMap) {
				m.Edges = append(m.Edges, &Edge{From: e.From, To: e.PathMap[key], Label: key, Dashed: true})
			}
		}
	}
	return m
}

// Mark records the steps that ran so the renderer can highlight them.
func (m *Model) Mark(steps ...string) *Model {
	if m.Visited == nil {
		m.Visited = make(map[string]bool, len(steps))
	}
	for _, s := range steps {
		m.Visited[s] = true
	}
	return m
}
