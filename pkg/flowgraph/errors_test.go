package flowgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNodeError_Error tests NodeError formatting.
func TestNodeError_Error(t *testing.T) {
	err := &NodeError{
		NodeID: "process",
		Op:     "execute",
		Err:    errors.New("connection failed"),
	}

	assert.Equal(t, "node process: execute: connection failed", err.Error())
}

// TestNodeError_Unwrap tests NodeError unwrapping.
func TestNodeError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying")
	err := &NodeError{
		NodeID: "test",
		Op:     "execute",
		Err:    underlying,
	}

	assert.ErrorIs(t, err, underlying)
}

// TestPanicError_Error tests PanicError formatting.
func TestPanicError_Error(t *testing.T) {
	err := &PanicError{
		NodeID: "crash",
		Value:  "unexpected nil",
		Stack:  "goroutine 1 [running]:\n...",
	}

	assert.Equal(t, "node crash panicked: unexpected nil", err.Error())
}

// TestCancellationError_Error_BeforeExecution tests cancellation error before execution.
func TestCancellationError_Error_BeforeExecution(t *testing.T) {
	err := &CancellationError{
		NodeID:       "pending",
		State:        nil,
		Cause:        context.Canceled,
		WasExecuting: false,
	}

	assert.Equal(t, "cancelled before node pending: context canceled", err.Error())
}

// TestCancellationError_Error_DuringExecution tests cancellation error during execution.
func TestCancellationError_Error_DuringExecution(t *testing.T) {
	err := &CancellationError{
		NodeID:       "running",
		State:        nil,
		Cause:        context.DeadlineExceeded,
		WasExecuting: true,
	}

	assert.Equal(t, "cancelled during node running: context deadline exceeded", err.Error())
}

// TestCancellationError_Unwrap tests CancellationError unwrapping.
func TestCancellationError_Unwrap(t *testing.T) {
	err := &CancellationError{
		NodeID:       "test",
		Cause:        context.Canceled,
		WasExecuting: false,
	}

	assert.ErrorIs(t, err, context.Canceled)
}

// TestRouterError_Error tests RouterError formatting.
func TestRouterError_Error(t *testing.T) {
	err := &RouterError{
		FromNode: "router",
		Label:    "weather",
		Err:      ErrUnknownLabel,
	}

	assert.Equal(t, "decision from router returned \"weather\": decision returned unknown label", err.Error())
}

// TestRouterError_Unwrap tests RouterError unwrapping.
func TestRouterError_Unwrap(t *testing.T) {
	err := &RouterError{
		FromNode: "test",
		Label:    "",
		Err:      ErrInvalidRouterResult,
	}

	assert.ErrorIs(t, err, ErrInvalidRouterResult)
}

// TestCycleError tests cycle formatting and unwrapping.
func TestCycleError(t *testing.T) {
	err := &CycleError{Path: []string{"a", "b", "a"}}

	assert.Equal(t, "graph contains a cycle: a -> b -> a", err.Error())
	assert.ErrorIs(t, err, ErrCycle)
}

// TestCheckpointError tests CheckpointError formatting and unwrapping.
func TestCheckpointError(t *testing.T) {
	underlying := errors.New("disk full")
	err := &CheckpointError{NodeID: "retrieval", Op: "save", Err: underlying}

	assert.Equal(t, "checkpoint save at node retrieval: disk full", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestLastNode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"node", &NodeError{NodeID: "a", Err: errors.New("x")}, "a"},
		{"panic", &PanicError{NodeID: "b"}, "b"},
		{"cancel", &CancellationError{NodeID: "c", Cause: context.Canceled}, "c"},
		{"router", &RouterError{FromNode: "d", Err: ErrUnknownLabel}, "d"},
		{"checkpoint", &CheckpointError{NodeID: "e", Err: errors.New("x")}, "e"},
		{"plain", errors.New("x"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lastNode(tt.err))
		})
	}
}
