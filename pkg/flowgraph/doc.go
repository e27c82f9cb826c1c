/*
Package flowgraph provides a graph-based pipeline engine with per-step
result caching and session checkpointing.

# Overview

A pipeline is a directed acyclic graph of steps. Each step receives the
current state and returns the next one. Edges are either simple (always
taken) or conditional (a decision function returns a label that selects
the target). Every step runs at most once per run.

Compared to a general workflow engine, flowgraph is deliberately narrow:
  - Type-safe generics for state management
  - Compile-time validation, including cycle rejection
  - Result caching keyed by a fingerprint of the step's inputs
  - Checkpoints after every step, resumable per session
  - OpenTelemetry metrics and tracing

# Basic Usage

Create a graph with nodes and edges, then compile and run:

	type State struct {
	    Query  string
	    Answer string
	}

	func answer(ctx flowgraph.Context, s State) (State, error) {
	    s.Answer = "You asked: " + s.Query
	    return s, nil
	}

	graph := flowgraph.NewGraph[State]().
	    AddNode("answer", answer).
	    AddEdge("answer", flowgraph.END).
	    SetEntry("answer")

	compiled, err := graph.Compile()
	if err != nil {
	    log.Fatal(err)
	}

	ctx := flowgraph.NewContext(context.Background())
	result, err := compiled.Run(ctx, State{Query: "hello"})

# Conditional Edges

A decision function returns a label. The label is resolved through the
target map, so the set of possible next steps is known at compile time:

	graph.AddConditionalEdge("router", func(ctx flowgraph.Context, s State) string {
	    return string(s.Route)
	}, map[string]string{
	    "documentation": "retrieval",
	    "operational":   "tools",
	    "rejected":      flowgraph.END,
	})

An empty label fails with ErrInvalidRouterResult and a label missing from
the map fails with ErrUnknownLabel, both wrapped in RouterError.

# Result Caching

Register a node with a CachePolicy and pass a StepCache to Run:

	graph.AddNode("retrieval", retrieve, flowgraph.WithCachePolicy(flowgraph.CachePolicy[State]{
	    Fingerprint: func(step string, s State) string { return cache.Fingerprint(s.Query) },
	    Merge:       func(cur, cached State) State { cur.Docs = cached.Docs; return cur },
	}))

	result, err := compiled.Run(ctx, state, flowgraph.WithStepCache(stepCache))

The fingerprint is computed before the step runs. On a hit the step is
skipped and Merge folds the cached result into the current state.

# Checkpointing

	store := checkpoint.Open(ctx, checkpoint.Config{Backend: checkpoint.BackendRedis, RedisURL: url}, logger)
	defer store.Close()

	result, err := compiled.Run(ctx, state,
	    flowgraph.WithSession("session_user_123", ""),
	    flowgraph.WithCheckpointer(store))

	// Continue an interrupted run from its latest checkpoint
	result, err = compiled.Resume(ctx, "session_user_123", flowgraph.WithCheckpointer(store))

A checkpoint is written after each completed step. A step interrupted by
cancellation writes none, so the latest checkpoint always names the last
completed step. Checkpoint write failures are logged and the run continues.

# Observability

	result, err := compiled.Run(ctx, state,
	    flowgraph.WithRunLogger(logger),
	    flowgraph.WithMetrics(nil),
	    flowgraph.WithTracing(nil))

Logs carry run_id, session_id and step. Metrics: queryflow.step.executions,
queryflow.step.latency_ms, queryflow.cache.lookups and others. Spans:
queryflow.run > queryflow.step.{id}.

# Error Handling

	var nodeErr *flowgraph.NodeError
	if errors.As(err, &nodeErr) {
	    log.Printf("step %s failed: %v", nodeErr.NodeID, nodeErr.Err)
	}

Panics in nodes are recovered and converted to PanicError with stack trace.

# Thread Safety

  - Graph[S] is NOT safe for concurrent use during construction
  - CompiledGraph[S] IS safe for concurrent use (immutable)
  - checkpoint.Store and cache.Cache are safe for concurrent use

# Subpackages

  - cache: fingerprints and the step result cache (memory, redis)
  - checkpoint: checkpoint storage (memory, SQLite, redis)
  - sanitize: conversion of state into persistable values
  - observability: logging, metrics, and tracing helpers
*/
package flowgraph
