package flowgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// Compile validates the graph and creates an executable CompiledGraph.
// Returns an error if validation fails. Multiple errors are joined together.
//
// Validation checks (in order):
//  1. Entry point must be set
//  2. Entry point must reference an existing node
//  3. All edge sources must reference existing nodes
//  4. All edge targets must reference existing nodes or END
//  5. A node has at most one simple edge, or a conditional edge, never both
//  6. The graph has no cycles
//  7. Every node reachable from the entry has a path to END
//
// Unreachable nodes (not reachable from entry) are logged as warnings
// but do not cause compilation to fail.
func (g *Graph[S]) Compile() (*CompiledGraph[S], error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error

	// 1. Validate entry point is set
	if g.entryPoint == "" {
		errs = append(errs, ErrNoEntryPoint)
	} else if _, exists := g.nodes[g.entryPoint]; !exists {
		// 2. Validate entry point references existing node
		errs = append(errs, fmt.Errorf("%w: %s", ErrEntryNotFound, g.entryPoint))
	}

	// 3 & 4. Validate edge references
	for _, from := range sortedKeys(g.edges) {
		if _, exists := g.nodes[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: edge source '%s' does not exist", ErrNodeNotFound, from))
		}
		for _, to := range g.edges[from] {
			if to != END {
				if _, exists := g.nodes[to]; !exists {
					errs = append(errs, fmt.Errorf("%w: edge target '%s' does not exist", ErrNodeNotFound, to))
				}
			}
		}
	}

	for _, from := range sortedKeys(g.conditionalEdges) {
		if _, exists := g.nodes[from]; !exists {
			errs = append(errs, fmt.Errorf("%w: conditional edge source '%s' does not exist", ErrNodeNotFound, from))
		}
		edge := g.conditionalEdges[from]
		for _, label := range sortedKeys(edge.targets) {
			to := edge.targets[label]
			if to != END {
				if _, exists := g.nodes[to]; !exists {
					errs = append(errs, fmt.Errorf("%w: conditional target '%s' (label %q) does not exist", ErrNodeNotFound, to, label))
				}
			}
		}
	}

	// 5. One way out of each node
	for _, from := range sortedKeys(g.edges) {
		if len(g.edges[from]) > 1 {
			errs = append(errs, fmt.Errorf("%w: node '%s' has %d simple edges", ErrConflictingEdges, from, len(g.edges[from])))
		}
		if _, hasConditional := g.conditionalEdges[from]; hasConditional {
			errs = append(errs, fmt.Errorf("%w: node '%s' has both simple and conditional edges", ErrConflictingEdges, from))
		}
	}

	// 6. Acyclic
	if cycle := g.findCycle(); cycle != nil {
		errs = append(errs, &CycleError{Path: cycle})
	}

	// 7. Validate path to END exists from every reachable node
	if g.entryPoint != "" {
		if _, exists := g.nodes[g.entryPoint]; exists {
			canReachEnd := g.nodesReachingEnd()
			reachable := g.findReachableNodes()
			for _, id := range sortedKeys(reachable) {
				if !canReachEnd[id] {
					errs = append(errs, fmt.Errorf("%w: node '%s'", ErrNoPathToEnd, id))
				}
			}
		}
	}

	// Check for unreachable nodes (warning only)
	g.warnUnreachableNodes()

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return g.buildCompiledGraph(), nil
}

// successorsOf returns every possible next node of id, simple and conditional.
func (g *Graph[S]) successorsOf(id string) []string {
	out := append([]string(nil), g.edges[id]...)
	if edge, ok := g.conditionalEdges[id]; ok {
		for _, label := range sortedKeys(edge.targets) {
			out = append(out, edge.targets[label])
		}
	}
	return out
}

// nodesReachingEnd returns the set of nodes that have a path to END,
// propagated backwards until no changes.
func (g *Graph[S]) nodesReachingEnd() map[string]bool {
	canReachEnd := map[string]bool{END: true}

	changed := true
	for changed {
		changed = false
		for id := range g.nodes {
			if canReachEnd[id] {
				continue
			}
			for _, next := range g.successorsOf(id) {
				if canReachEnd[next] {
					canReachEnd[id] = true
					changed = true
					break
				}
			}
		}
	}
	return canReachEnd
}

// findCycle returns the node path of the first cycle found, or nil.
func (g *Graph[S]) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = inProgress
		stack = append(stack, id)
		for _, next := range g.successorsOf(id) {
			if next == END {
				continue
			}
			if _, exists := g.nodes[next]; !exists {
				continue
			}
			switch color[next] {
			case inProgress:
				for i, s := range stack {
					if s == next {
						return append(append([]string(nil), stack[i:]...), next)
					}
				}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = done
		return nil
	}

	for _, id := range sortedKeys(g.nodes) {
		if color[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// warnUnreachableNodes logs warnings for nodes not reachable from entry.
func (g *Graph[S]) warnUnreachableNodes() {
	if g.entryPoint == "" {
		return
	}

	reachable := g.findReachableNodes()

	for _, nodeID := range sortedKeys(g.nodes) {
		if !reachable[nodeID] {
			slog.Warn("node is unreachable from entry", "node_id", nodeID)
		}
	}
}

// findReachableNodes returns the set of nodes reachable from the entry point.
// Conditional targets are known up front, so the walk is exact.
func (g *Graph[S]) findReachableNodes() map[string]bool {
	reachable := make(map[string]bool)

	if _, exists := g.nodes[g.entryPoint]; !exists {
		return reachable
	}

	// BFS from entry
	queue := []string{g.entryPoint}
	reachable[g.entryPoint] = true

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, target := range g.successorsOf(current) {
			if _, exists := g.nodes[target]; exists && !reachable[target] {
				reachable[target] = true
				queue = append(queue, target)
			}
		}
	}

	return reachable
}

// buildCompiledGraph creates the immutable CompiledGraph from the builder state.
func (g *Graph[S]) buildCompiledGraph() *CompiledGraph[S] {
	nodes := make(map[string]nodeSpec[S], len(g.nodes))
	for id, spec := range g.nodes {
		nodes[id] = spec
	}

	edges := make(map[string]string, len(g.edges))
	for from, targets := range g.edges {
		edges[from] = targets[0]
	}

	conditionalEdges := make(map[string]conditionalEdge[S], len(g.conditionalEdges))
	for from, edge := range g.conditionalEdges {
		targets := make(map[string]string, len(edge.targets))
		for label, to := range edge.targets {
			targets[label] = to
		}
		conditionalEdges[from] = conditionalEdge[S]{decide: edge.decide, targets: targets}
	}

	// Pre-compute predecessors
	predecessors := make(map[string][]string)
	for _, from := range sortedKeys(g.nodes) {
		for _, to := range g.successorsOf(from) {
			if to != END && !contains(predecessors[to], from) {
				predecessors[to] = append(predecessors[to], from)
			}
		}
	}

	return &CompiledGraph[S]{
		name:             g.name,
		nodes:            nodes,
		edges:            edges,
		conditionalEdges: conditionalEdges,
		entryPoint:       g.entryPoint,
		predecessors:     predecessors,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
