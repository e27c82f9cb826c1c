package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routed struct {
	Query string   `json:"query"`
	Route string   `json:"route"`
	Done  chan int `json:"done,omitempty"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingBackend returns err from every operation.
type failingBackend struct{ err error }

func (f failingBackend) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f failingBackend) Delete(context.Context, string) error { return f.err }
func (f failingBackend) Ping(context.Context) error           { return f.err }
func (f failingBackend) Close() error                         { return nil }

type recorded struct {
	lookups map[string][]bool
	errors  []string
}

func (r *recorded) CacheLookup(step string, hit bool) {
	if r.lookups == nil {
		r.lookups = make(map[string][]bool)
	}
	r.lookups[step] = append(r.lookups[step], hit)
}

func (r *recorded) CacheError(step, op string) {
	r.errors = append(r.errors, step+":"+op)
}

func TestCache_PutGet(t *testing.T) {
	c := New(NewMemoryBackend(0))
	ctx := context.Background()
	fp := Fingerprint("hello")

	_, ok := c.Get(ctx, "router", fp)
	assert.False(t, ok)

	c.Put(ctx, "router", fp, routed{Query: "hello", Route: "documentation", Done: make(chan int)}, time.Hour)

	data, ok := c.Get(ctx, "router", fp)
	require.True(t, ok)

	var got routed
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "hello", got.Query)
	assert.Equal(t, "documentation", got.Route)
	assert.Nil(t, got.Done)

	stats := c.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, StepStats{Step: "router", Hits: 1, Misses: 1}, stats[0])
}

func TestCache_EntriesAreScopedByStep(t *testing.T) {
	c := New(NewMemoryBackend(0))
	ctx := context.Background()
	fp := Fingerprint("q")

	c.Put(ctx, "router", fp, routed{Route: "operational"}, time.Hour)

	_, ok := c.Get(ctx, "retrieval", fp)
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	c := New(NewMemoryBackend(0), WithClock(clock.Now))
	ctx := context.Background()
	fp := Fingerprint("q")
	ttl := 30 * time.Minute

	c.Put(ctx, "retrieval", fp, routed{Query: "q"}, ttl)

	clock.Advance(ttl - time.Second)
	_, ok := c.Get(ctx, "retrieval", fp)
	assert.True(t, ok, "entry should be valid just before expiry")

	clock.Advance(2 * time.Second)
	_, ok = c.Get(ctx, "retrieval", fp)
	assert.False(t, ok, "entry should be expired just after ttl")
}

func TestEntry_Expired(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{CreatedAt: created, TTL: time.Minute}

	assert.False(t, e.Expired(created))
	assert.False(t, e.Expired(created.Add(59*time.Second)))
	assert.True(t, e.Expired(created.Add(time.Minute)))
	assert.False(t, Entry{CreatedAt: created}.Expired(created.Add(24*time.Hour)))
}

func TestCache_NonPositiveTTLSkipsWrite(t *testing.T) {
	backend := NewMemoryBackend(0)
	c := New(backend)

	c.Put(context.Background(), "tools", "fp", routed{}, 0)
	c.Put(context.Background(), "tools", "fp", routed{}, -time.Second)

	assert.Equal(t, 0, backend.Len())
}

func TestCache_BackendFailuresAreMisses(t *testing.T) {
	var logs bytes.Buffer
	rec := &recorded{}
	c := New(failingBackend{err: errors.New("connection refused")},
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
		WithRecorder(rec),
	)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		c.Put(ctx, "router", "fp", routed{Query: "q"}, time.Hour)
	})
	data, ok := c.Get(ctx, "router", "fp")

	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Equal(t, []string{"router:set", "router:get"}, rec.errors)
	assert.Equal(t, []bool{false}, rec.lookups["router"])
	assert.Contains(t, logs.String(), "cache operation failed")
	assert.Contains(t, logs.String(), "connection refused")

	stats := c.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Errors)
	assert.Equal(t, int64(1), stats[0].Misses)
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	backend := NewMemoryBackend(0)
	rec := &recorded{}
	c := New(backend, WithRecorder(rec), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, Key("router", "fp"), []byte("not json"), 0))

	_, ok := c.Get(ctx, "router", "fp")
	assert.False(t, ok)
	assert.Equal(t, []string{"router:decode"}, rec.errors)
}

func TestCache_KeyPrefix(t *testing.T) {
	backend := NewMemoryBackend(0)
	c := New(backend, WithKeyPrefix("qf:"))
	ctx := context.Background()

	c.Put(ctx, "router", "fp", routed{}, time.Hour)

	_, err := backend.Get(ctx, "qf:router:fp")
	assert.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "router", "fp"))
	_, ok := c.Get(ctx, "router", "fp")
	assert.False(t, ok)
}

func TestCache_Policy(t *testing.T) {
	c := New(NewMemoryBackend(0), WithPolicy(Policy{
		"router":    time.Hour,
		"retrieval": 30 * time.Minute,
	}))

	assert.Equal(t, time.Hour, c.TTL("router"))
	assert.Equal(t, 30*time.Minute, c.TTL("retrieval"))
	assert.Zero(t, c.TTL("generator"))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(NewMemoryBackend(0))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Put(ctx, "router", "fp", routed{Route: "documentation"}, time.Hour)
			c.Get(ctx, "router", "fp")
		}()
	}
	wg.Wait()

	stats := c.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(20), stats[0].Hits+stats[0].Misses)
}
