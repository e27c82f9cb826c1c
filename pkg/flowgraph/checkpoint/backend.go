package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Backend is the key-value storage underneath a Store.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetAll stores every record or none of them.
	SetAll(ctx context.Context, records []Record, ttl time.Duration) error

	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Scan returns all live keys starting with prefix, sorted.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources (connections, files).
	Close() error
}

// Record is one key-value pair written by SetAll.
type Record struct {
	Key   string
	Value []byte
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrVersionMismatch indicates a checkpoint written by another format version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
)
