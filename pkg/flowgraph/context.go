package flowgraph

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Context is what a step sees of its run: cancellation, a logger enriched
// with run_id, session_id and step, and the identifiers themselves.
//
// Steps receive a fresh Context per invocation; it is never shared between
// steps.
type Context interface {
	context.Context

	// Logger never returns nil.
	Logger() *slog.Logger

	// RunID is generated per run unless WithRunID or WithContextRunID set it.
	RunID() string

	// SessionID is the checkpoint session of the run, empty when the run
	// has none.
	SessionID() string

	// NodeID is the step being executed. Empty outside a step.
	NodeID() string
}

type executionContext struct {
	context.Context

	logger    *slog.Logger
	runID     string
	sessionID string
	nodeID    string
}

func (c *executionContext) Logger() *slog.Logger {
	return c.logger
}

func (c *executionContext) RunID() string {
	return c.runID
}

func (c *executionContext) SessionID() string {
	return c.sessionID
}

func (c *executionContext) NodeID() string {
	return c.nodeID
}

// ContextOption configures a Context.
type ContextOption func(*executionContext)

// WithLogger sets the logger for the context.
// The logger will be enriched with run_id, session_id and step during execution.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithContextRunID sets the run identifier for the context.
// If not set, a UUID will be auto-generated.
func WithContextRunID(id string) ContextOption {
	return func(c *executionContext) {
		if id != "" {
			c.runID = id
		}
	}
}

// NewContext wraps ctx for Run and Resume.
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		logger:  slog.Default(),
		runID:   uuid.NewString(),
	}

	for _, opt := range opts {
		opt(ec)
	}

	return ec
}

// forNode derives the context a step runs with. std carries the step's
// trace span; logger is already enriched for the step.
func forNode(std context.Context, cfg *runConfig, nodeID string, logger *slog.Logger) Context {
	return &executionContext{
		Context:   std,
		logger:    logger,
		runID:     cfg.runID,
		sessionID: cfg.sessionID,
		nodeID:    nodeID,
	}
}
