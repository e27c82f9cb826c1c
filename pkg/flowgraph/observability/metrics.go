package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStep records one step, whether it ran or was served from cache.
	RecordStep(ctx context.Context, step string, duration time.Duration, cached bool, err error)

	// RecordRun records a pipeline run completion.
	RecordRun(ctx context.Context, success bool, duration time.Duration)

	// RecordCheckpoint records a checkpoint write attempt.
	RecordCheckpoint(ctx context.Context, step string, sizeBytes int64, err error)

	// RecordCacheLookup records a result cache lookup.
	RecordCacheLookup(ctx context.Context, step string, hit bool)
}

type otelMetrics struct {
	stepExecutions    metric.Int64Counter
	stepLatency       metric.Float64Histogram
	stepErrors        metric.Int64Counter
	runs              metric.Int64Counter
	runLatency        metric.Float64Histogram
	checkpointSize    metric.Int64Histogram
	checkpointFailure metric.Int64Counter
	cacheLookups      metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("queryflow")
	m := &otelMetrics{}
	var err error

	if m.stepExecutions, err = meter.Int64Counter("queryflow.step.executions",
		metric.WithDescription("Number of pipeline steps completed")); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("queryflow.step.latency_ms",
		metric.WithDescription("Step latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.stepErrors, err = meter.Int64Counter("queryflow.step.errors",
		metric.WithDescription("Number of failed steps")); err != nil {
		return nil, err
	}
	if m.runs, err = meter.Int64Counter("queryflow.run.count",
		metric.WithDescription("Number of pipeline runs")); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("queryflow.run.latency_ms",
		metric.WithDescription("Pipeline run latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.checkpointSize, err = meter.Int64Histogram("queryflow.checkpoint.size_bytes",
		metric.WithDescription("Checkpoint size in bytes"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.checkpointFailure, err = meter.Int64Counter("queryflow.checkpoint.failures",
		metric.WithDescription("Number of checkpoint writes that failed")); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = meter.Int64Counter("queryflow.cache.lookups",
		metric.WithDescription("Result cache lookups by step and outcome")); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global
// OpenTelemetry meter provider. If initialization fails, it returns a
// no-op recorder.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordStep(ctx context.Context, step string, duration time.Duration, cached bool, err error) {
	attrs := metric.WithAttributes(
		attribute.String("step", step),
		attribute.Bool("cached", cached),
	)
	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.stepErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
	}
}

func (m *otelMetrics) RecordRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordCheckpoint(ctx context.Context, step string, sizeBytes int64, err error) {
	attrs := metric.WithAttributes(attribute.String("step", step))
	if err != nil {
		m.checkpointFailure.Add(ctx, 1, attrs)
		return
	}
	m.checkpointSize.Record(ctx, sizeBytes, attrs)
}

func (m *otelMetrics) RecordCacheLookup(ctx context.Context, step string, hit bool) {
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.Bool("hit", hit),
	))
}
