package events

import (
	"context"
	"sort"
	"sync"
)

// RouteCount is the number of runs that ended on a route.
type RouteCount struct {
	Route string `json:"route"`
	Count int64  `json:"count"`
}

// StatsSnapshot is a point-in-time copy of the aggregated run statistics.
type StatsSnapshot struct {
	TotalRuns    int64        `json:"total_runs"`
	FailedRuns   int64        `json:"failed_runs"`
	CacheHits    int64        `json:"cache_hits"`
	AvgElapsedMS float64      `json:"avg_elapsed_ms"`
	ByRoute      []RouteCount `json:"by_route"`
}

// Stats aggregates RunCompleted events.
type Stats struct {
	mu        sync.Mutex
	total     int64
	failed    int64
	cacheHits int64
	elapsedMS int64
	byRoute   map[string]int64
}

// NewStats creates an empty aggregator.
func NewStats() *Stats {
	return &Stats{byRoute: make(map[string]int64)}
}

// Handle is a Handler that records evt.
func (s *Stats) Handle(_ context.Context, evt RunCompleted) error {
	s.Record(evt)
	return nil
}

// Record adds one run to the aggregate.
func (s *Stats) Record(evt RunCompleted) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if evt.Error != "" {
		s.failed++
	}
	s.cacheHits += int64(evt.CacheHits)
	s.elapsedMS += evt.ElapsedMS
	s.byRoute[evt.Route]++
}

// Snapshot returns the current aggregate. Routes are sorted by name.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalRuns:  s.total,
		FailedRuns: s.failed,
		CacheHits:  s.cacheHits,
		ByRoute:    make([]RouteCount, 0, len(s.byRoute)),
	}
	if s.total > 0 {
		snap.AvgElapsedMS = float64(s.elapsedMS) / float64(s.total)
	}
	for route, n := range s.byRoute {
		snap.ByRoute = append(snap.ByRoute, RouteCount{Route: route, Count: n})
	}
	sort.Slice(snap.ByRoute, func(i, j int) bool { return snap.ByRoute[i].Route < snap.ByRoute[j].Route })
	return snap
}
