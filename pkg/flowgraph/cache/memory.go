package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend keeps entries in process memory. Entries are lost on restart.
type MemoryBackend struct {
	items *gocache.Cache
}

// NewMemoryBackend creates an in-process backend. cleanup is the interval
// at which expired items are purged.
func NewMemoryBackend(cleanup time.Duration) *MemoryBackend {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemoryBackend{items: gocache.New(gocache.NoExpiration, cleanup)}
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.items.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, ErrMiss
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set implements Backend.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.items.Set(key, stored, ttl)
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.items.Flush()
	return nil
}

// Len returns the number of stored items, including expired ones not yet purged.
func (m *MemoryBackend) Len() int {
	return m.items.ItemCount()
}
