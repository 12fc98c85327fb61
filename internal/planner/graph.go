package planner

import (
	"planline/internal/domain"
)

type EdgeKind string

const (
	EdgeDependency EdgeKind = "dependency"
	EdgeBlocking   EdgeKind = "blocking"
	EdgeParent     EdgeKind = "parent"
)

// Edge points from a prerequisite task to the task that waits on it. Both
// ends are local sequence numbers. Edges are derived from task references at
// build time and never persisted.
type Edge struct {
	From int64    `json:"from"`
	To   int64    `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Node wraps one task inside a graph. Level and OnCriticalPath are filled in
// by analysis; Cost is the task's estimated duration in seconds.
//
// BlockedBy is the resolved blocking reference, if any. A blocker orders
// staging like a dependency and vetoes execution when it fails, but it never
// joins the dependency rule: Satisfied, the any/expr operators and output
// macros see only Rule.Refs.
type Node struct {
	Task           domain.Task
	Rule           Rule
	BlockedBy      *int64
	Level          int
	Cost           int64
	OnCriticalPath bool
}

// Graph is the derived dependency graph for one project's task set. It is
// owned by the plan that built it and rebuilt, not mutated, when the task set
// changes.
type Graph struct {
	nodes    map[int64]*Node
	order    []int64
	edges    []Edge
	preds    map[int64][]int64
	succs    map[int64][]int64
	orderIdx map[int64]int
	warnings []Warning
}

// Build converts a flat task list into a graph, one node per task and one
// edge per validated reference. Reference schemes are normalized here, once;
// everything downstream works in local sequence numbers. Building has no side
// effects and is safe to repeat on the same input.
func Build(tasks []domain.Task) *Graph {
	ix := NewIndex(tasks)
	g := &Graph{
		nodes:    make(map[int64]*Node, len(tasks)),
		order:    make([]int64, 0, len(tasks)),
		preds:    make(map[int64][]int64, len(tasks)),
		succs:    make(map[int64][]int64, len(tasks)),
		orderIdx: make(map[int64]int, len(tasks)),
	}

	for i, t := range tasks {
		rule, warns := parseRule(t, ix)
		g.warnings = append(g.warnings, warns...)
		g.nodes[t.Seq] = &Node{Task: t, Rule: rule, Cost: t.EstimatedSeconds}
		g.order = append(g.order, t.Seq)
		g.orderIdx[t.Seq] = i
	}

	for _, t := range tasks {
		for _, ref := range g.nodes[t.Seq].Rule.Refs {
			g.addEdge(ref, t.Seq, EdgeDependency)
		}
		if t.BlockedBy != nil {
			if seq, ok := g.addRef(t, *t.BlockedBy, EdgeBlocking, ix); ok {
				g.nodes[t.Seq].BlockedBy = &seq
			}
		}
		if t.ParentRef != nil {
			g.addRef(t, *t.ParentRef, EdgeParent, ix)
		}
	}
	return g
}

func (g *Graph) addRef(t domain.Task, raw int64, kind EdgeKind, ix Index) (int64, bool) {
	seq, scheme := ix.Resolve(raw)
	if scheme == RefUnresolved {
		g.warnings = append(g.warnings, Warning{TaskSeq: t.Seq, Ref: raw, Reason: "no task with this sequence or identity"})
		return 0, false
	}
	if seq == t.Seq {
		g.warnings = append(g.warnings, Warning{TaskSeq: t.Seq, Ref: raw, Reason: "self reference"})
		return 0, false
	}
	g.addEdge(seq, t.Seq, kind)
	return seq, true
}

func (g *Graph) addEdge(from, to int64, kind EdgeKind) {
	for _, p := range g.preds[to] {
		if p == from {
			return
		}
	}
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind})
	g.preds[to] = append(g.preds[to], from)
	g.succs[from] = append(g.succs[from], to)
}

// Node returns the node for a local sequence number.
func (g *Graph) Node(seq int64) (*Node, bool) {
	n, ok := g.nodes[seq]
	return n, ok
}

// Order returns the node sequence numbers in task list order.
func (g *Graph) Order() []int64 {
	out := make([]int64, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns the derived edges.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Preds returns the direct prerequisites of a node.
func (g *Graph) Preds(seq int64) []int64 {
	out := make([]int64, len(g.preds[seq]))
	copy(out, g.preds[seq])
	return out
}

// Warnings returns the recoverable diagnostics collected during the build.
func (g *Graph) Warnings() []Warning {
	return g.warnings
}

func (g *Graph) Len() int { return len(g.order) }
