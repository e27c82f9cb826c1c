package flowgraph

import (
	"fmt"
	"strings"
	"sync"
)

// Graph is a mutable builder for creating execution graphs.
// Use NewGraph to create a new graph, then chain AddNode, AddEdge,
// and SetEntry calls to define the workflow.
//
// Graph is NOT thread-safe during building. Use a single goroutine
// to construct the graph, then call Compile() to create an immutable
// CompiledGraph that can be safely shared.
//
// Example:
//
//	graph := flowgraph.NewGraph[MyState]().
//	    AddNode("fetch", fetchNode).
//	    AddNode("process", processNode).
//	    AddEdge("fetch", "process").
//	    AddEdge("process", flowgraph.END).
//	    SetEntry("fetch")
//
//	compiled, err := graph.Compile()
type Graph[S any] struct {
	mu               sync.RWMutex
	name             string
	nodes            map[string]nodeSpec[S]
	edges            map[string][]string
	conditionalEdges map[string]conditionalEdge[S]
	entryPoint       string
}

// conditionalEdge maps the labels returned by decide onto target nodes.
type conditionalEdge[S any] struct {
	decide  DecisionFunc[S]
	targets map[string]string
}

// NewGraph creates a new graph builder for state type S.
// The type parameter S defines the state that flows through the graph.
func NewGraph[S any]() *Graph[S] {
	return &Graph[S]{
		name:             "flowgraph",
		nodes:            make(map[string]nodeSpec[S]),
		edges:            make(map[string][]string),
		conditionalEdges: make(map[string]conditionalEdge[S]),
	}
}

// Named sets the graph name used in run spans.
func (g *Graph[S]) Named(name string) *Graph[S] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if name != "" {
		g.name = name
	}
	return g
}

// AddNode adds a named node to the graph.
// Returns the graph for method chaining.
//
// Panics if:
//   - id is empty
//   - id is the reserved word "END" or "__end__" (case-insensitive)
//   - id contains whitespace or a colon (ids appear in storage keys)
//   - fn is nil
//   - id already exists in the graph
func (g *Graph[S]) AddNode(id string, fn NodeFunc[S], opts ...NodeOption[S]) *Graph[S] {
	if id == "" {
		panic("flowgraph: node ID cannot be empty")
	}

	// Check reserved words (case-insensitive)
	idLower := strings.ToLower(id)
	if idLower == "end" || idLower == "__end__" {
		panic("flowgraph: node ID cannot be reserved word 'END'")
	}

	if strings.ContainsAny(id, " \t\n\r:") {
		panic("flowgraph: node ID cannot contain whitespace or ':'")
	}

	if fn == nil {
		panic("flowgraph: node function cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		panic(fmt.Sprintf("flowgraph: duplicate node ID: %s", id))
	}

	spec := nodeSpec[S]{fn: fn}
	for _, opt := range opts {
		opt(&spec)
	}
	g.nodes[id] = spec
	return g
}

// AddEdge adds an unconditional edge from one node to another.
// The target can be a node ID or flowgraph.END.
// Returns the graph for method chaining.
//
// Edge validation happens at Compile() time, not here.
// This allows edges to be added in any order.
func (g *Graph[S]) AddEdge(from, to string) *Graph[S] {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges[from] = append(g.edges[from], to)
	return g
}

// AddConditionalEdge routes from a node using decide. The label decide
// returns is looked up in targets; each target is a node ID or END.
// Returns the graph for method chaining.
//
// A node can have either a simple edge or a conditional edge, not both.
// Compile rejects graphs that mix them.
//
// Example:
//
//	graph.AddConditionalEdge("router", decide, map[string]string{
//	    "docs":  "retrieval",
//	    "ops":   "tools",
//	    "stop":  flowgraph.END,
//	})
func (g *Graph[S]) AddConditionalEdge(from string, decide DecisionFunc[S], targets map[string]string) *Graph[S] {
	if decide == nil {
		panic("flowgraph: decision function cannot be nil")
	}
	if len(targets) == 0 {
		panic("flowgraph: conditional edge needs at least one target")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	copied := make(map[string]string, len(targets))
	for label, to := range targets {
		copied[label] = to
	}
	g.conditionalEdges[from] = conditionalEdge[S]{decide: decide, targets: copied}
	return g
}

// SetEntry designates the entry point node.
// This must be called before Compile().
// Returns the graph for method chaining.
//
// Entry point validation happens at Compile() time.
func (g *Graph[S]) SetEntry(id string) *Graph[S] {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entryPoint = id
	return g
}
