package flowgraph

import "time"

// END is the terminal node identifier.
// Use this as an edge target to indicate the graph should terminate.
const END = "__end__"

// NodeFunc is the signature for all node functions.
// Nodes receive the execution context and current state,
// and return the updated state (or the same state) and any error.
//
// The state parameter is passed by value. Nodes should modify and return
// a new state value, not rely on pointer mutation.
//
// Example:
//
//	func increment(ctx flowgraph.Context, s Counter) (Counter, error) {
//	    s.Value++
//	    return s, nil
//	}
type NodeFunc[S any] func(ctx Context, state S) (S, error)

// DecisionFunc inspects state after a node and returns a label.
// The label is resolved through the target map given to AddConditionalEdge.
//
// Example:
//
//	func decide(ctx flowgraph.Context, s State) string {
//	    if s.Done {
//	        return "done"
//	    }
//	    return "retry"
//	}
type DecisionFunc[S any] func(ctx Context, state S) string

// CachePolicy makes a node's result reusable across runs.
//
// Before the node runs, Fingerprint derives a key from the incoming state.
// On a cache hit the node is skipped and Merge folds the cached result into
// the current state. On a miss the node runs and its result is stored when
// Cacheable approves it.
type CachePolicy[S any] struct {
	// Fingerprint returns the cache key input for state. An empty result
	// disables caching for this invocation.
	Fingerprint func(step string, state S) string

	// Merge combines the current state with a cached result. When nil the
	// cached result replaces the current state.
	Merge func(current, cached S) S

	// Cacheable reports whether a fresh result may be stored. When nil every
	// successful result is stored.
	Cacheable func(state S) bool

	// TTL overrides the cache's per-step policy when positive.
	TTL time.Duration
}

func (p *CachePolicy[S]) merge(current, cached S) S {
	if p.Merge == nil {
		return cached
	}
	return p.Merge(current, cached)
}

func (p *CachePolicy[S]) cacheable(state S) bool {
	return p.Cacheable == nil || p.Cacheable(state)
}

// NodeOption configures a node at registration.
type NodeOption[S any] func(*nodeSpec[S])

type nodeSpec[S any] struct {
	fn     NodeFunc[S]
	policy *CachePolicy[S]
}

// WithCachePolicy enables result caching for the node.
func WithCachePolicy[S any](policy CachePolicy[S]) NodeOption[S] {
	return func(n *nodeSpec[S]) {
		if policy.Fingerprint != nil {
			n.policy = &policy
		}
	}
}
