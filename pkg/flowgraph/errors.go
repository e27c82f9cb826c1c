package flowgraph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph building and compilation.
var (
	// ErrNoEntryPoint indicates SetEntry() was not called before Compile().
	ErrNoEntryPoint = errors.New("entry point not set")

	// ErrEntryNotFound indicates the entry point references a non-existent node.
	ErrEntryNotFound = errors.New("entry point node not found")

	// ErrNodeNotFound indicates an edge references a non-existent node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoPathToEnd indicates a reachable node has no path to END.
	ErrNoPathToEnd = errors.New("no path to END")

	// ErrConflictingEdges indicates a node has more than one way out.
	ErrConflictingEdges = errors.New("conflicting edges")

	// ErrCycle indicates the graph contains a cycle.
	ErrCycle = errors.New("graph contains a cycle")
)

// Sentinel errors for execution.
var (
	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrInvalidRouterResult indicates a decision function returned an empty label.
	ErrInvalidRouterResult = errors.New("decision returned empty label")

	// ErrUnknownLabel indicates a decision function returned a label with no target.
	ErrUnknownLabel = errors.New("decision returned unknown label")

	// ErrStepRevisited indicates a step was reached twice in one run.
	ErrStepRevisited = errors.New("step revisited")
)

// Sentinel errors for checkpointing and resume.
var (
	// ErrSessionRequired indicates checkpointing was enabled without a session ID.
	ErrSessionRequired = errors.New("session ID required for checkpointing")

	// ErrCheckpointerRequired indicates Resume was called without a checkpointer.
	ErrCheckpointerRequired = errors.New("checkpointer required")

	// ErrDeserializeState indicates state deserialization failed.
	ErrDeserializeState = errors.New("failed to deserialize state")

	// ErrNoCheckpoints indicates no checkpoints exist for the session.
	ErrNoCheckpoints = errors.New("no checkpoints found for session")

	// ErrInvalidResumeNode indicates the resume node doesn't exist in the graph.
	ErrInvalidResumeNode = errors.New("invalid resume node")
)

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// NodeID is the node where checkpointing failed.
	NodeID string
	// Op is the operation that failed ("save", "load").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at node %s: %v", e.Op, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// NodeError wraps an error with node context.
// It provides information about which node failed and what operation was attempted.
type NodeError struct {
	// NodeID is the identifier of the node that failed.
	NodeID string
	// Op is the operation that failed (e.g., "execute").
	Op string
	// Err is the underlying error from the node.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from node execution.
// It includes the stack trace for debugging.
type PanicError struct {
	// NodeID is the identifier of the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// CancellationError captures the state when execution was cancelled.
// It preserves the state at the point of cancellation for recovery.
type CancellationError struct {
	// NodeID is the node that was about to execute or was executing.
	NodeID string
	// State is the state before NodeID ran (can type-assert to the actual type).
	State any
	// Cause is the underlying cancellation cause (context.Canceled or context.DeadlineExceeded).
	Cause error
	// WasExecuting is true if cancellation occurred during node execution.
	WasExecuting bool
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.WasExecuting {
		return fmt.Sprintf("cancelled during node %s: %v", e.NodeID, e.Cause)
	}
	return fmt.Sprintf("cancelled before node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// RouterError wraps errors from conditional edge routing.
// It provides context about which decision failed and what it returned.
type RouterError struct {
	// FromNode is the node with the conditional edge.
	FromNode string
	// Label is the value the decision function returned.
	Label string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	return fmt.Sprintf("decision from %s returned %q: %v", e.FromNode, e.Label, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RouterError) Unwrap() error {
	return e.Err
}

// CycleError reports a cycle found at compile time.
type CycleError struct {
	// Path lists the nodes on the cycle; the first node is repeated at the end.
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycle for errors.Is support.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// lastNode extracts the failing node from a run error, if known.
func lastNode(err error) string {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.NodeID
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return panicErr.NodeID
	}
	var cancelErr *CancellationError
	if errors.As(err, &cancelErr) {
		return cancelErr.NodeID
	}
	var routerErr *RouterError
	if errors.As(err, &routerErr) {
		return routerErr.FromNode
	}
	var cpErr *CheckpointError
	if errors.As(err, &cpErr) {
		return cpErr.NodeID
	}
	return ""
}
