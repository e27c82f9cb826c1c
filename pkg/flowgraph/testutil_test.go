package flowgraph

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/randalmurphal/queryflow/pkg/flowgraph/checkpoint"
)

// Test state types used across tests

// Counter is a simple state for testing incrementing.
type Counter struct {
	Value int
}

// State is a more complex state for testing various scenarios.
type State struct {
	Query    string   `json:"query"`
	Route    string   `json:"route"`
	Progress []string `json:"progress"`
	Answer   string   `json:"answer"`
	Failed   bool     `json:"failed"`
}

// Helper node functions

// increment is a node that increments the counter.
func increment(ctx Context, s Counter) (Counter, error) {
	s.Value++
	return s, nil
}

// makeTrackingNode creates a node that records its execution.
func makeTrackingNode(name string, tracker *[]string) NodeFunc[State] {
	return func(ctx Context, s State) (State, error) {
		*tracker = append(*tracker, name)
		s.Progress = append(s.Progress, name)
		return s, nil
	}
}

// makeFailingNode creates a node that returns the given error.
func makeFailingNode(err error) NodeFunc[State] {
	return func(ctx Context, s State) (State, error) {
		return s, err
	}
}

// makePanicNode creates a node that panics with the given value.
func makePanicNode(value any) NodeFunc[State] {
	return func(ctx Context, s State) (State, error) {
		panic(value)
	}
}

// decideByRoute routes on State.Route.
func decideByRoute(ctx Context, s State) string {
	return s.Route
}

// testCtx creates a simple test context.
func testCtx() Context {
	return NewContext(context.Background())
}

// memoryCache is a StepCache over a plain map, with no expiry.
type memoryCache struct {
	mu   sync.Mutex
	ttl  map[string]time.Duration
	data map[string][]byte
	puts int
}

func newMemoryCache(ttl map[string]time.Duration) *memoryCache {
	return &memoryCache{ttl: ttl, data: make(map[string][]byte)}
}

func (c *memoryCache) Get(_ context.Context, step, fp string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[step+":"+fp]
	return d, ok
}

func (c *memoryCache) Put(_ context.Context, step, fp string, state any, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	c.data[step+":"+fp] = data
	c.puts++
}

func (c *memoryCache) TTL(step string) time.Duration {
	return c.ttl[step]
}

// failingCheckpointer rejects every write.
type failingCheckpointer struct{ err error }

func (f failingCheckpointer) Put(context.Context, string, string, any, checkpoint.Metadata) (checkpoint.Metadata, error) {
	return checkpoint.Metadata{}, f.err
}

func (f failingCheckpointer) Get(context.Context, string, string, string) (*checkpoint.Checkpoint, error) {
	return nil, f.err
}

func newTestStore() *checkpoint.Store {
	return checkpoint.NewStore(checkpoint.NewMemoryBackend())
}
