package flowgraph

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/queryflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/observability"
)

// Checkpointer persists the state after each step. *checkpoint.Store
// implements it.
type Checkpointer interface {
	Put(ctx context.Context, sessionID, namespace string, state any, meta checkpoint.Metadata) (checkpoint.Metadata, error)
	Get(ctx context.Context, sessionID, namespace, id string) (*checkpoint.Checkpoint, error)
}

// StepCache memoizes step results. *cache.Cache implements it.
type StepCache interface {
	Get(ctx context.Context, step, fingerprint string) ([]byte, bool)
	Put(ctx context.Context, step, fingerprint string, state any, ttl time.Duration)
	TTL(step string) time.Duration
}

// runConfig holds configuration for graph execution.
type runConfig struct {
	runID                  string
	sessionID              string
	namespace              string
	checkpointer           Checkpointer
	checkpointFailureFatal bool
	cache                  StepCache
	logger                 *slog.Logger
	metrics                observability.MetricsRecorder
	spans                  observability.SpanManager
	tracingEnabled         bool
	report                 *RunReport

	// sequence numbers checkpoints within a session lineage
	sequence int
}

// defaultRunConfig returns the default execution configuration.
func defaultRunConfig() runConfig {
	return runConfig{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// RunOption configures execution behavior.
type RunOption func(*runConfig)

// WithRunID overrides the run identifier taken from the Context.
func WithRunID(id string) RunOption {
	return func(c *runConfig) {
		c.runID = id
	}
}

// WithSession sets the session whose checkpoint lineage the run extends.
// The namespace partitions checkpoints within a session and may be empty.
func WithSession(sessionID, namespace string) RunOption {
	return func(c *runConfig) {
		c.sessionID = sessionID
		c.namespace = namespace
	}
}

// WithCheckpointer saves a checkpoint after every completed step.
// Requires WithSession.
//
// Example:
//
//	store := checkpoint.Open(ctx, checkpoint.Config{Backend: "sqlite"}, logger)
//	result, err := compiled.Run(ctx, state,
//	    flowgraph.WithSession("session_user_123", ""),
//	    flowgraph.WithCheckpointer(store))
func WithCheckpointer(cp Checkpointer) RunOption {
	return func(c *runConfig) {
		c.checkpointer = cp
	}
}

// WithCheckpointFailureFatal makes checkpoint write failures abort the run.
// By default they are logged and the run continues.
func WithCheckpointFailureFatal() RunOption {
	return func(c *runConfig) {
		c.checkpointFailureFatal = true
	}
}

// WithStepCache enables result caching for nodes registered with a CachePolicy.
func WithStepCache(cache StepCache) RunOption {
	return func(c *runConfig) {
		c.cache = cache
	}
}

// WithRunLogger overrides the logger taken from the Context.
func WithRunLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// WithMetrics records OpenTelemetry metrics for the run.
// A nil recorder selects the global OTel meter provider.
func WithMetrics(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m == nil {
			m = observability.NewMetricsRecorder()
		}
		c.metrics = m
	}
}

// WithTracing creates a run span and a child span per step.
// A nil manager selects the global OTel tracer provider.
func WithTracing(spans observability.SpanManager) RunOption {
	return func(c *runConfig) {
		if spans == nil {
			spans = observability.NewSpanManager()
		}
		c.spans = spans
		c.tracingEnabled = true
	}
}

// WithRunReport fills r with a per-step account of the run.
func WithRunReport(r *RunReport) RunOption {
	return func(c *runConfig) {
		c.report = r
	}
}

// RunReport describes what a run did.
type RunReport struct {
	RunID   string
	TraceID string
	Steps   []StepReport
}

// StepReport describes one executed step.
type StepReport struct {
	Step         string
	Next         string
	Cached       bool
	Duration     time.Duration
	CheckpointID string
}

// CacheHits returns the number of steps served from the cache.
func (r *RunReport) CacheHits() int {
	n := 0
	for _, s := range r.Steps {
		if s.Cached {
			n++
		}
	}
	return n
}

// StepNames returns the executed steps in order.
func (r *RunReport) StepNames() []string {
	names := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		names[i] = s.Step
	}
	return names
}
