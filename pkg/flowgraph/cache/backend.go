// Package cache memoizes step results keyed by step name and query fingerprint.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Backend when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend stores raw cache entries. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Get returns the stored bytes or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
