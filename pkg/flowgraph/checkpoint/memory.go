package checkpoint

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps checkpoints in process memory.
// Data is lost when the process exits.
type MemoryBackend struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	now    func() time.Time
	closed bool
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// WithClock replaces the time source used for expiry. Intended for tests.
func (m *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Set implements Backend.
func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.SetAll(ctx, []Record{{Key: key, Value: value}}, ttl)
}

// SetAll implements Backend. Records are written under one lock.
func (m *MemoryBackend) SetAll(_ context.Context, records []Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	for _, r := range records {
		// Copy data to avoid retaining caller's slice
		stored := make([]byte, len(r.Value))
		copy(stored, r.Value)
		m.items[r.Key] = memoryItem{value: stored, expiresAt: expiresAt}
	}
	return nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	item, ok := m.items[key]
	if !ok || item.expired(m.now()) {
		return nil, ErrNotFound
	}

	result := make([]byte, len(item.value))
	copy(result, item.value)
	return result, nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Scan implements Backend. Expired items found along the way are purged.
func (m *MemoryBackend) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	now := m.now()
	var keys []string
	for k, item := range m.items {
		if item.expired(now) {
			delete(m.items, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.items = nil
	return nil
}

// Len returns the number of stored records, including expired ones not yet purged.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
