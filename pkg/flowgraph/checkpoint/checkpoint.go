package checkpoint

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Latest is the reserved checkpoint id that always resolves to the most
// recently written checkpoint of a session.
const Latest = "latest"

// Metadata describes a checkpoint without its state.
type Metadata struct {
	CheckpointID string    `json:"checkpoint_id"`
	SessionID    string    `json:"session_id"`
	Namespace    string    `json:"namespace"`
	RunID        string    `json:"run_id,omitempty"`
	Step         string    `json:"step"`
	Next         string    `json:"next"`
	Sequence     int       `json:"sequence"`
	CacheHit     bool      `json:"cache_hit"`
	TraceID      string    `json:"trace_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Size         int64     `json:"size"`
}

// Checkpoint is the persisted snapshot of pipeline state after one step.
type Checkpoint struct {
	Version  int             `json:"version"`
	State    json.RawMessage `json:"state"`
	Metadata Metadata        `json:"metadata"`
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint from JSON. Checkpoints written by a
// different format version are rejected with ErrVersionMismatch.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, c.Version, Version)
	}
	return &c, nil
}

// keySegment escapes the separator inside a key segment, so a session
// named "a" never shares a key prefix with one named "a:b".
var keySegment = strings.NewReplacer("%", "%25", ":", "%3A")

// Key returns the storage key of a checkpoint record:
// "checkpoint:{session}:{namespace}:{id}".
func Key(sessionID, namespace, id string) string {
	return "checkpoint:" + sessionPrefix(sessionID) + keySegment.Replace(namespace) + ":" + id
}

// MetaKey returns the storage key of the metadata record paired with Key.
func MetaKey(sessionID, namespace, id string) string {
	return "checkpoint_meta:" + sessionPrefix(sessionID) + keySegment.Replace(namespace) + ":" + id
}

func sessionPrefix(sessionID string) string {
	return keySegment.Replace(sessionID) + ":"
}
