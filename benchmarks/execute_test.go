package benchmarks

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/randalmurphal/queryflow/pkg/flowgraph"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/cache"
)

// BenchmarkRun_Linear_10 runs a 10-node linear graph.
func BenchmarkRun_Linear_10(b *testing.B) {
	compiled := mustCompile(buildLinearGraph(10))
	ctx := flowgraph.NewContext(context.Background())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, State{})
	}
}

// BenchmarkRun_Routed runs the router-shaped graph without cache or
// checkpoints.
func BenchmarkRun_Routed(b *testing.B) {
	compiled := mustCompile(buildRoutedGraph())
	ctx := flowgraph.NewContext(context.Background())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, State{Value: i})
	}
}

// BenchmarkRun_CacheHits runs the same query repeatedly so every step is
// served from the memory cache.
func BenchmarkRun_CacheHits(b *testing.B) {
	compiled := mustCompile(buildRoutedGraph(cachedByQuery()))
	results := cache.New(cache.NewMemoryBackend(time.Minute), cache.WithPolicy(hourly))
	ctx := flowgraph.NewContext(context.Background())
	_, _ = compiled.Run(ctx, State{Query: "balance"}, flowgraph.WithStepCache(results))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, State{Query: "balance"}, flowgraph.WithStepCache(results))
	}
}

// BenchmarkRun_CacheMisses uses a fresh query every run.
func BenchmarkRun_CacheMisses(b *testing.B) {
	compiled := mustCompile(buildRoutedGraph(cachedByQuery()))
	results := cache.New(cache.NewMemoryBackend(time.Minute), cache.WithPolicy(hourly))
	ctx := flowgraph.NewContext(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = compiled.Run(ctx, State{Query: strconv.Itoa(i)}, flowgraph.WithStepCache(results))
	}
}

// BenchmarkContextCreation measures context creation overhead.
func BenchmarkContextCreation(b *testing.B) {
	bg := context.Background()
	for i := 0; i < b.N; i++ {
		flowgraph.NewContext(bg)
	}
}

var hourly = cache.Policy{"router": time.Hour, "even": time.Hour, "odd": time.Hour, "generator": time.Hour}

func cachedByQuery() flowgraph.NodeOption[State] {
	return flowgraph.WithCachePolicy(flowgraph.CachePolicy[State]{
		Fingerprint: func(_ string, s State) string { return cache.Fingerprint(s.Query) },
	})
}
