package flowgraph

// CompiledGraph is an immutable, executable graph.
// It is created by calling Compile() on a Graph builder.
//
// CompiledGraph is thread-safe and can be used concurrently for multiple
// Run() calls. The graph structure cannot be modified after compilation.
//
// Use the introspection methods (NodeIDs, Successors, etc.) to examine
// the graph structure for debugging or visualization.
type CompiledGraph[S any] struct {
	name             string
	nodes            map[string]nodeSpec[S]
	edges            map[string]string
	conditionalEdges map[string]conditionalEdge[S]
	entryPoint       string

	// Pre-computed for efficient lookup
	predecessors map[string][]string
}

// Name returns the graph name.
func (cg *CompiledGraph[S]) Name() string {
	return cg.name
}

// EntryPoint returns the entry node ID.
func (cg *CompiledGraph[S]) EntryPoint() string {
	return cg.entryPoint
}

// NodeIDs returns all node identifiers in the graph, sorted.
func (cg *CompiledGraph[S]) NodeIDs() []string {
	return sortedKeys(cg.nodes)
}

// HasNode checks if a node exists in the graph.
func (cg *CompiledGraph[S]) HasNode(id string) bool {
	_, exists := cg.nodes[id]
	return exists
}

// Successors returns every node ID (or END) that can follow the given node,
// including all targets of a conditional edge. Returns nil for END or
// unknown nodes.
func (cg *CompiledGraph[S]) Successors(id string) []string {
	if id == END {
		return nil
	}
	if to, ok := cg.edges[id]; ok {
		return []string{to}
	}
	edge, ok := cg.conditionalEdges[id]
	if !ok {
		return nil
	}
	var out []string
	for _, label := range sortedKeys(edge.targets) {
		if to := edge.targets[label]; !contains(out, to) {
			out = append(out, to)
		}
	}
	return out
}

// Predecessors returns the node IDs that have edges to the given node.
// Returns nil for the entry node or unknown nodes.
func (cg *CompiledGraph[S]) Predecessors(id string) []string {
	return cg.predecessors[id]
}

// IsConditional returns true if the node has a conditional edge.
func (cg *CompiledGraph[S]) IsConditional(id string) bool {
	_, ok := cg.conditionalEdges[id]
	return ok
}

// Labels returns the labels of a node's conditional edge, sorted.
func (cg *CompiledGraph[S]) Labels(id string) []string {
	edge, ok := cg.conditionalEdges[id]
	if !ok {
		return nil
	}
	return sortedKeys(edge.targets)
}

// IsCached reports whether the node has a cache policy.
func (cg *CompiledGraph[S]) IsCached(id string) bool {
	spec, ok := cg.nodes[id]
	return ok && spec.policy != nil
}
