// Package observability provides logging, metrics and tracing for
// pipeline runs: one span and one log line per run, per step, per cache
// lookup and per checkpoint write.
//
// Logging uses slog. Metrics and tracing use OpenTelemetry and fall back to
// no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds run context to a logger.
// Returns a new logger with run_id, session_id and step fields.
func EnrichLogger(logger *slog.Logger, runID, sessionID, step string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("session_id", sessionID),
		slog.String("step", step),
	)
}

// LogRunStart logs the start of a pipeline run.
func LogRunStart(logger *slog.Logger, runID, sessionID string) {
	if logger == nil {
		return
	}
	logger.Info("pipeline run starting",
		slog.String("run_id", runID),
		slog.String("session_id", sessionID),
	)
}

// LogRunComplete logs successful run completion.
func LogRunComplete(logger *slog.Logger, runID, sessionID string, durationMs float64, steps, cacheHits int) {
	if logger == nil {
		return
	}
	logger.Info("pipeline run completed",
		slog.String("run_id", runID),
		slog.String("session_id", sessionID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps_executed", steps),
		slog.Int("cache_hits", cacheHits),
	)
}

// LogRunError logs run failure.
func LogRunError(logger *slog.Logger, runID, sessionID string, err error, durationMs float64, lastStep string) {
	if logger == nil {
		return
	}
	logger.Error("pipeline run failed",
		slog.String("run_id", runID),
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_step", lastStep),
	)
}

// LogStepStart logs step execution start.
func LogStepStart(logger *slog.Logger, step string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting", slog.String("step", step))
}

// LogStepComplete logs step completion. cached is true when the step was
// served from the result cache.
func LogStepComplete(logger *slog.Logger, step string, durationMs float64, cached bool) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.String("step", step),
		slog.Float64("duration_ms", durationMs),
		slog.Bool("cached", cached),
	)
}

// LogStepError logs step failure.
func LogStepError(logger *slog.Logger, step string, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}

// LogCacheHit logs a result cache hit.
func LogCacheHit(logger *slog.Logger, step, fingerprint string) {
	if logger == nil {
		return
	}
	if len(fingerprint) > 12 {
		fingerprint = fingerprint[:12]
	}
	logger.Debug("cache hit",
		slog.String("step", step),
		slog.String("fingerprint", fingerprint),
	)
}

// LogCacheError logs a cache backend failure (non-fatal).
func LogCacheError(logger *slog.Logger, step, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("cache operation failed",
		slog.String("step", step),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, step, checkpointID string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("step", step),
		slog.String("checkpoint_id", checkpointID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, step string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("step", step),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogBackendDegraded logs that a durable backend is unavailable and a
// volatile fallback is in use for the rest of the process lifetime.
func LogBackendDegraded(logger *slog.Logger, component, backend, fallback string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("backend unavailable, using fallback",
		slog.String("component", component),
		slog.String("backend", backend),
		slog.String("fallback", fallback),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
