package assistant

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/queryflow/pkg/memory"
)

func TestParseRoute(t *testing.T) {
	assert.Equal(t, RouteDocumentation, ParseRoute("documentation"))
	assert.Equal(t, RouteOperational, ParseRoute("operational"))
	assert.Equal(t, RouteUnknown, ParseRoute("unknown"))
	assert.Equal(t, RouteUnknown, ParseRoute("billing"))
	assert.Equal(t, RouteUnknown, ParseRoute(""))
}

func TestNewState(t *testing.T) {
	s := NewState("s1", "u1", "q", []memory.Message{
		{Role: memory.RoleUser, Content: "hi", Timestamp: time.Now()},
		{Role: memory.RoleAssistant, Content: "hello", Metadata: map[string]any{"route": "unknown"}},
	})

	assert.Equal(t, RouteUnclassified, s.Route)
	assert.Equal(t, []Turn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}, s.ChatHistory)
	assert.Empty(t, s.Failures)
	assert.False(t, s.Rejected)
}

func TestState_Fail(t *testing.T) {
	var s State
	assert.False(t, s.failed(StepRetrieval))

	s.fail(StepRetrieval)
	s.fail(StepRetrieval)
	s.fail(StepGenerator)

	assert.True(t, s.failed(StepRetrieval))
	assert.False(t, s.failed(StepRouter))
	assert.Equal(t, []string{StepRetrieval, StepGenerator}, s.Failures)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRequest("documentation", 150*time.Millisecond)
	m.RecordRequest("documentation", time.Second)
	m.RecordRequest(RouteRejected, time.Millisecond)
	m.CacheLookup(StepRouter, true)
	m.CacheLookup(StepRouter, false)
	m.CacheLookup(StepRouter, false)
	m.CacheError(StepGenerator, "put")
	m.RecordHistoryError()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("documentation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(RouteRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues(StepRouter, "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues(StepRouter, "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheErrors.WithLabelValues(StepGenerator, "put")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.historyErrors))
	assert.Equal(t, 2, testutil.CollectAndCount(m.requestDuration))

	var none *Metrics
	assert.NotPanics(t, func() {
		none.RecordRequest("x", time.Second)
		none.CacheLookup("x", true)
		none.CacheError("x", "get")
		none.RecordHistoryError()
	})
}
