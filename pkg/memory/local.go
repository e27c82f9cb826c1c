package memory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps history in process memory. History is lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	items *gocache.Cache
	opts  options
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		items: gocache.New(o.ttl, time.Minute),
		opts:  o,
	}
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var msgs []Message
	if v, ok := m.items.Get(Key(sessionID)); ok {
		msgs = v.([]Message)
	}
	next := make([]Message, len(msgs), len(msgs)+1)
	copy(next, msgs)
	next = append(next, stamp(msg, m.opts.now))
	m.items.Set(Key(sessionID), next, gocache.DefaultExpiration)
	return nil
}

// Recent implements Store.
func (m *MemoryStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.items.Get(Key(sessionID))
	if !ok {
		return []Message{}, nil
	}
	return tail(v.([]Message), limit), nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Delete(Key(sessionID))
	return nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context, sessionID string) (Stats, error) {
	v, exp, ok := m.items.GetWithExpiration(Key(sessionID))
	if !ok {
		return Stats{}, nil
	}
	s := Stats{MessageCount: len(v.([]Message))}
	if !exp.IsZero() {
		s.TTL = time.Until(exp)
	}
	return s, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.items.Flush()
	return nil
}
