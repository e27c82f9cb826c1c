package flowgraph

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/queryflow/pkg/flowgraph/checkpoint"
)

// Resume continues a session from its latest checkpoint. Execution starts at
// the checkpoint's next step with the checkpointed state; if that step is END
// the stored state is returned as is. WithCheckpointer is required and
// checkpointing continues for the resumed steps.
//
// Example:
//
//	// The previous run was interrupted after the router step
//	result, err := compiled.Resume(ctx, "session_user_123",
//	    flowgraph.WithCheckpointer(store))
func (cg *CompiledGraph[S]) Resume(ctx Context, sessionID string, opts ...RunOption) (S, error) {
	var zero S

	if ctx == nil {
		return zero, ErrNilContext
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.sessionID = sessionID

	if sessionID == "" {
		return zero, ErrSessionRequired
	}
	if cfg.checkpointer == nil {
		return zero, ErrCheckpointerRequired
	}

	cp, err := cfg.checkpointer.Get(ctx, sessionID, cfg.namespace, checkpoint.Latest)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return zero, fmt.Errorf("%w: %s", ErrNoCheckpoints, sessionID)
	}
	if err != nil {
		return zero, &CheckpointError{NodeID: "", Op: "load", Err: err}
	}

	var state S
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	startNode := cp.Metadata.Next
	if startNode == END {
		return state, nil
	}
	if !cg.HasNode(startNode) {
		return state, fmt.Errorf("%w: %s", ErrInvalidResumeNode, startNode)
	}

	cfg.sequence = cp.Metadata.Sequence
	return cg.run(ctx, state, startNode, &cfg)
}
