package workflowfsm

import (
	"context"
	"fmt"

	"github.com/latticeflow/wfengine/pkg/backend"
	"github.com/latticeflow/wfengine/pkg/cache"
)

// NodeKind is one of the four task-graph node kinds (spec §3).
type NodeKind int

const (
	NodeTaskCall NodeKind = iota
	NodeScatter
	NodeConditional
	NodeOutputExpr
)

func (k NodeKind) String() string {
	switch k {
	case NodeTaskCall:
		return "TaskCall"
	case NodeScatter:
		return "Scatter"
	case NodeConditional:
		return "Conditional"
	case NodeOutputExpr:
		return "OutputExpr"
	default:
		return "Unknown"
	}
}

// Node is one task-graph node (spec §3). Expression evaluation
// (collection lengths, conditional predicates, output expressions) is
// an external collaborator's concern per spec §1 Non-goals — the
// engine only consumes the result through the resolver callbacks
// below, at the point a node becomes ready.
type Node struct {
	ID          string
	Kind        NodeKind
	DependsOn   []string
	BackendName string // which registered Backend dispatches this node (NodeTaskCall/NodeScatter)

	// CommandTemplate, Runtime and Cacheable apply to NodeTaskCall and,
	// per shard, to NodeScatter.
	CommandTemplate string
	Runtime         backend.RuntimeAttributes
	Cacheable       bool

	// DeclaredOutputs and ImageDigestOrName feed the cache fingerprint's
	// task-body identity (pkg/cache.TaskBody) when Cacheable is set.
	DeclaredOutputs   []string
	ImageDigestOrName string

	// ResolveInputs produces the resolved input map for a ready
	// NodeTaskCall, or for shard `shard` (>=0) of a NodeScatter.
	ResolveInputs func(ctx context.Context, shard int) (map[string]string, error)

	// ResolveInputValues produces the cache-fingerprint view of a ready
	// node's inputs (file vs. structural, per pkg/cache.InputValue). Nil
	// when Cacheable is false.
	ResolveInputValues func(ctx context.Context, shard int) ([]cache.InputValue, error)

	// ScatterLength resolves a NodeScatter's collection length once its
	// upstream dependencies are satisfied. Nil for non-scatter nodes.
	ScatterLength func(ctx context.Context) (int, error)

	// EvalCondition resolves a NodeConditional's predicate once ready.
	// Engine.Run treats a false result like a true one: downstream nodes
	// are scheduled either way, and only an error fails the node. Nil
	// for non-conditional nodes (always true).
	EvalCondition func(ctx context.Context) (bool, error)
}

// Graph is a validated, acyclic task graph (spec §3 Task Graph
// invariant). Construct with NewGraph, never by hand, so the acyclic
// invariant holds for the engine's lifetime.
type Graph struct {
	Nodes    map[string]*Node
	children map[string][]string
	order    []string // deterministic topological order (spec §3 invariant)
}

// NewGraph validates that nodes form an acyclic graph with only
// intra-graph dependencies, using Kahn's algorithm — the same
// technique as the teacher's buildDAG/executeDAG (dag_engine.go),
// generalized from "find root nodes, reject if none" to a full
// cycle-detection pass producing a deterministic topological order.
func NewGraph(nodes []*Node) (*Graph, error) {
	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("workflowfsm: duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}

	indeg := make(map[string]int, len(nodes))
	children := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indeg[n.ID] = 0
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("workflowfsm: node %q depends on unknown node %q", n.ID, dep)
			}
			indeg[n.ID]++
			children[dep] = append(children[dep], n.ID)
		}
	}

	remaining := make(map[string]int, len(indeg))
	for k, v := range indeg {
		remaining[k] = v
	}
	var queue []string
	for _, n := range nodes { // iterate in input order for determinism
		if remaining[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	if len(nodes) > 0 && len(queue) == 0 {
		return nil, fmt.Errorf("workflowfsm: task graph has a cycle (no root nodes)")
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, c := range children[id] {
			remaining[c]--
			if remaining[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, fmt.Errorf("workflowfsm: task graph has a cycle")
	}

	return &Graph{Nodes: byID, children: children, order: order}, nil
}

// Order returns the graph's deterministic topological order (spec §3
// invariant: "topological order is deterministic given the document").
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}
