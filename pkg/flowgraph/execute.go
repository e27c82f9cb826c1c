package flowgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/queryflow/pkg/flowgraph/checkpoint"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/observability"
)

// Run executes the graph with the given initial state.
// Returns the final state and any error encountered.
//
// On success, returns the state after the last node executed before END.
// On error, returns the state at the point of failure (useful for debugging).
//
// Execution flow:
//  1. Start at the entry point node
//  2. Check for cancellation
//  3. Serve the node from the cache, or execute it
//  4. Check for cancellation again; an interrupted node leaves no checkpoint
//  5. Determine the next node (via simple or conditional edge)
//  6. Write a checkpoint
//  7. Repeat until END is reached or an error occurs
//
// Example:
//
//	ctx := flowgraph.NewContext(context.Background())
//	result, err := compiled.Run(ctx, initialState)
//	if err != nil {
//	    // result contains state at point of failure
//	}
func (cg *CompiledGraph[S]) Run(ctx Context, state S, opts ...RunOption) (S, error) {
	if ctx == nil {
		return state, ErrNilContext
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.checkpointer != nil && cfg.sessionID == "" {
		return state, ErrSessionRequired
	}
	if cfg.checkpointer != nil {
		cfg.sequence = lineageTip(ctx, &cfg)
	}

	return cg.run(ctx, state, cg.entryPoint, &cfg)
}

// lineageTip returns the sequence of the session's latest checkpoint so a
// new run continues the numbering of earlier runs. A session without
// checkpoints, or a store that cannot be read, starts at zero.
func lineageTip(ctx Context, cfg *runConfig) int {
	cp, err := cfg.checkpointer.Get(ctx, cfg.sessionID, cfg.namespace, checkpoint.Latest)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			logger := cfg.logger
			if logger == nil {
				logger = ctx.Logger()
			}
			logger.Warn("checkpoint lineage unavailable",
				slog.String("session_id", cfg.sessionID),
				slog.String("error", err.Error()),
			)
		}
		return 0
	}
	return cp.Metadata.Sequence
}

// run wraps execution from startNode with run-level logging, metrics and tracing.
func (cg *CompiledGraph[S]) run(ctx Context, state S, startNode string, cfg *runConfig) (result S, runErr error) {
	if cfg.runID == "" {
		cfg.runID = ctx.RunID()
	}
	if cfg.logger == nil {
		cfg.logger = ctx.Logger()
	}

	startTime := time.Now()
	observability.LogRunStart(cfg.logger, cfg.runID, cfg.sessionID)

	var execCtx context.Context = ctx
	if cfg.tracingEnabled {
		var runSpan trace.Span
		execCtx, runSpan = cfg.spans.StartRunSpan(ctx, cg.name, cfg.runID, cfg.sessionID)
		defer func() {
			cfg.spans.EndSpanWithError(runSpan, runErr)
		}()
	}

	report := cfg.report
	if report == nil {
		report = &RunReport{}
	}
	report.RunID = cfg.runID
	report.TraceID = observability.TraceID(execCtx)
	report.Steps = report.Steps[:0]

	result, runErr = cg.runFrom(execCtx, state, startNode, cfg, report)

	duration := time.Since(startTime)
	durationMs := float64(duration.Microseconds()) / 1000
	cfg.metrics.RecordRun(execCtx, runErr == nil, duration)

	if runErr != nil {
		observability.LogRunError(cfg.logger, cfg.runID, cfg.sessionID, runErr, durationMs, lastNode(runErr))
	} else {
		observability.LogRunComplete(cfg.logger, cfg.runID, cfg.sessionID, durationMs, len(report.Steps), report.CacheHits())
	}

	return result, runErr
}

// runFrom is the step loop. execCtx carries cancellation and the run span.
func (cg *CompiledGraph[S]) runFrom(execCtx context.Context, state S, startNode string, cfg *runConfig, report *RunReport) (S, error) {
	current := startNode
	visited := make(map[string]bool)

	for current != END {
		if visited[current] {
			return state, &NodeError{NodeID: current, Op: "visit", Err: ErrStepRevisited}
		}
		visited[current] = true

		// Check for cancellation before executing node
		if err := execCtx.Err(); err != nil {
			return state, &CancellationError{
				NodeID:       current,
				State:        state,
				Cause:        err,
				WasExecuting: false,
			}
		}

		stepLogger := observability.EnrichLogger(cfg.logger, cfg.runID, cfg.sessionID, current)
		observability.LogStepStart(stepLogger, current)

		stepCtx := execCtx
		var stepSpan trace.Span
		if cfg.tracingEnabled {
			stepCtx, stepSpan = cfg.spans.StartStepSpan(execCtx, current)
		}
		nodeCtx := forNode(stepCtx, cfg, current, stepLogger)

		stepStart := time.Now()
		next, cached, stepErr := cg.executeStep(nodeCtx, current, state, cfg, stepLogger)
		stepDuration := time.Since(stepStart)

		cfg.metrics.RecordStep(stepCtx, current, stepDuration, cached, stepErr)
		if cfg.tracingEnabled {
			if cached {
				cfg.spans.AddSpanEvent(stepCtx, "cache.hit", attribute.String("step", current))
			}
			cfg.spans.EndSpanWithError(stepSpan, stepErr)
		}

		// A step interrupted by cancellation is discarded, whatever it returned.
		if err := execCtx.Err(); err != nil {
			return state, &CancellationError{
				NodeID:       current,
				State:        state,
				Cause:        err,
				WasExecuting: true,
			}
		}

		if stepErr != nil {
			observability.LogStepError(stepLogger, current, stepErr)
			return next, stepErr
		}

		observability.LogStepComplete(stepLogger, current, float64(stepDuration.Microseconds())/1000, cached)
		state = next

		nextNode, err := cg.nextNode(nodeCtx, state, current)
		if err != nil {
			return state, err
		}

		step := StepReport{Step: current, Next: nextNode, Cached: cached, Duration: stepDuration}
		if cfg.checkpointer != nil {
			id, err := cg.saveCheckpoint(stepCtx, cfg, stepLogger, current, nextNode, cached, report.TraceID, state)
			if err != nil {
				return state, err
			}
			step.CheckpointID = id
		}
		report.Steps = append(report.Steps, step)

		current = nextNode
	}

	return state, nil
}

// executeStep serves a node from the cache when its policy allows, and
// otherwise executes it and stores the result.
func (cg *CompiledGraph[S]) executeStep(ctx Context, nodeID string, state S, cfg *runConfig, logger *slog.Logger) (S, bool, error) {
	spec := cg.nodes[nodeID]
	policy := spec.policy

	var fingerprint string
	var ttl time.Duration
	if policy != nil && cfg.cache != nil {
		ttl = policy.TTL
		if ttl <= 0 {
			ttl = cfg.cache.TTL(nodeID)
		}
		if ttl > 0 {
			fingerprint = policy.Fingerprint(nodeID, state)
		}
	}

	if fingerprint != "" {
		if data, ok := cfg.cache.Get(ctx, nodeID, fingerprint); ok {
			var cached S
			err := json.Unmarshal(data, &cached)
			if err == nil {
				cfg.metrics.RecordCacheLookup(ctx, nodeID, true)
				return policy.merge(state, cached), true, nil
			}
			observability.LogCacheError(logger, nodeID, "decode", err)
		}
		cfg.metrics.RecordCacheLookup(ctx, nodeID, false)
	}

	result, err := cg.executeNode(ctx, nodeID, state)
	if err != nil {
		return result, false, err
	}

	if fingerprint != "" && ctx.Err() == nil && policy.cacheable(result) {
		cfg.cache.Put(ctx, nodeID, fingerprint, result, ttl)
	}
	return result, false, nil
}

// saveCheckpoint persists the state after a completed step. Failures are
// logged and swallowed unless WithCheckpointFailureFatal is set.
func (cg *CompiledGraph[S]) saveCheckpoint(ctx context.Context, cfg *runConfig, logger *slog.Logger, nodeID, nextNode string, cached bool, traceID string, state S) (string, error) {
	cfg.sequence++
	meta := checkpoint.Metadata{
		RunID:    cfg.runID,
		Step:     nodeID,
		Next:     nextNode,
		Sequence: cfg.sequence,
		CacheHit: cached,
		TraceID:  traceID,
	}

	saved, err := cfg.checkpointer.Put(ctx, cfg.sessionID, cfg.namespace, state, meta)
	if err != nil {
		cfg.metrics.RecordCheckpoint(ctx, nodeID, 0, err)
		if cfg.checkpointFailureFatal {
			return "", &CheckpointError{NodeID: nodeID, Op: "save", Err: err}
		}
		observability.LogCheckpointError(logger, nodeID, "save", err)
		return "", nil
	}

	observability.LogCheckpoint(logger, nodeID, saved.CheckpointID, int(saved.Size))
	cfg.metrics.RecordCheckpoint(ctx, nodeID, saved.Size, nil)
	return saved.CheckpointID, nil
}

// executeNode executes a single node with panic recovery.
// Returns the new state and any error (including wrapped panics).
func (cg *CompiledGraph[S]) executeNode(ctx Context, nodeID string, state S) (result S, err error) {
	spec, exists := cg.nodes[nodeID]
	if !exists {
		// This shouldn't happen if compilation was successful
		return state, &NodeError{
			NodeID: nodeID,
			Op:     "lookup",
			Err:    fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID),
		}
	}

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			result = state
			err = &PanicError{
				NodeID: nodeID,
				Value:  r,
				Stack:  string(debug.Stack()),
			}
		}
	}()

	result, err = spec.fn(ctx, state)
	if err != nil {
		return result, &NodeError{
			NodeID: nodeID,
			Op:     "execute",
			Err:    err,
		}
	}

	return result, nil
}

// nextNode determines the next node to execute.
// Checks conditional edges first, then simple edges.
func (cg *CompiledGraph[S]) nextNode(ctx Context, state S, current string) (string, error) {
	if edge, exists := cg.conditionalEdges[current]; exists {
		label := edge.decide(ctx, state)

		if label == "" {
			return "", &RouterError{
				FromNode: current,
				Label:    label,
				Err:      ErrInvalidRouterResult,
			}
		}

		next, ok := edge.targets[label]
		if !ok {
			return "", &RouterError{
				FromNode: current,
				Label:    label,
				Err:      ErrUnknownLabel,
			}
		}
		return next, nil
	}

	next, ok := cg.edges[current]
	if !ok {
		// No outgoing edges - this shouldn't happen if compilation was successful
		return "", &NodeError{
			NodeID: current,
			Op:     "routing",
			Err:    fmt.Errorf("no outgoing edge from node %s", current),
		}
	}
	return next, nil
}
