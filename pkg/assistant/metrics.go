package assistant

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments of the service. They also
// receive result-cache outcomes as a cache.Recorder.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheErrors     *prometheus.CounterVec
	historyErrors   prometheus.Counter
}

// NewMetrics registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryflow_requests_total",
				Help: "Total number of processed queries",
			},
			[]string{"route"}, // documentation, operational, unknown, rejected, error
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queryflow_request_duration_seconds",
				Help:    "Query processing duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryflow_cache_lookups_total",
				Help: "Result cache lookups by step and outcome",
			},
			[]string{"step", "result"}, // result: hit, miss
		),
		cacheErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queryflow_cache_errors_total",
				Help: "Result cache backend failures by step and operation",
			},
			[]string{"step", "op"},
		),
		historyErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "queryflow_history_errors_total",
				Help: "Chat history reads and writes that failed",
			},
		),
	}
}

// RecordRequest records one processed query.
func (m *Metrics) RecordRequest(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// CacheLookup implements cache.Recorder.
func (m *Metrics) CacheLookup(step string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(step, result).Inc()
}

// CacheError implements cache.Recorder.
func (m *Metrics) CacheError(step, op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(step, op).Inc()
}

// RecordHistoryError counts a failed chat-history operation.
func (m *Metrics) RecordHistoryError() {
	if m == nil {
		return
	}
	m.historyErrors.Inc()
}
