package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/queryflow/pkg/flowgraph/observability"
	"github.com/randalmurphal/queryflow/pkg/flowgraph/sanitize"
)

// Entry is the envelope stored for each cached step result.
type Entry struct {
	Step        string          `json:"step"`
	Fingerprint string          `json:"fingerprint"`
	CreatedAt   time.Time       `json:"created_at"`
	TTL         time.Duration   `json:"ttl"`
	Data        json.RawMessage `json:"data"`
}

// Expired reports whether the entry is no longer valid at now.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Policy maps step names to their time-to-live. Steps without an entry,
// or with a non-positive TTL, are not cached.
type Policy map[string]time.Duration

// TTL returns the configured time-to-live for step.
func (p Policy) TTL(step string) time.Duration {
	return p[step]
}

// Recorder receives cache outcomes, typically for metrics.
type Recorder interface {
	CacheLookup(step string, hit bool)
	CacheError(step, op string)
}

// StepStats counts cache outcomes for one step.
type StepStats struct {
	Step   string `json:"step"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
	Errors int64  `json:"errors"`
}

// Cache is the result cache shared by all pipeline runs.
//
// Backend failures never escape: a failed read is a miss and a failed
// write is logged and dropped.
type Cache struct {
	backend  Backend
	policy   Policy
	prefix   string
	logger   *slog.Logger
	now      func() time.Time
	recorder Recorder

	mu    sync.Mutex
	stats map[string]*StepStats
}

// Option configures a Cache.
type Option func(*Cache)

// WithPolicy sets the per-step TTL policy.
func WithPolicy(p Policy) Option {
	return func(c *Cache) {
		c.policy = p
	}
}

// WithKeyPrefix namespaces keys, e.g. when sharing a redis database.
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

// WithLogger sets the logger for backend failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRecorder reports lookups and errors to r.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		c.recorder = r
	}
}

// New creates a Cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		policy:  Policy{},
		logger:  slog.Default(),
		now:     time.Now,
		stats:   make(map[string]*StepStats),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured time-to-live for step.
func (c *Cache) TTL(step string) time.Duration {
	return c.policy.TTL(step)
}

// Get returns the cached snapshot for (step, fingerprint), if present and
// still valid.
func (c *Cache) Get(ctx context.Context, step, fingerprint string) ([]byte, bool) {
	key := c.prefix + Key(step, fingerprint)

	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.fail(step, "get", err)
		}
		c.lookup(step, false)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.fail(step, "decode", err)
		c.lookup(step, false)
		return nil, false
	}
	if entry.Expired(c.now()) {
		c.lookup(step, false)
		return nil, false
	}

	observability.LogCacheHit(c.logger, step, fingerprint)
	c.lookup(step, true)
	return entry.Data, true
}

// Put stores a sanitized snapshot of state for (step, fingerprint).
// A non-positive ttl disables the write.
func (c *Cache) Put(ctx context.Context, step, fingerprint string, state any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	data, err := sanitize.Marshal(state)
	if err != nil {
		c.fail(step, "sanitize", err)
		return
	}

	raw, err := json.Marshal(Entry{
		Step:        step,
		Fingerprint: fingerprint,
		CreatedAt:   c.now().UTC(),
		TTL:         ttl,
		Data:        data,
	})
	if err != nil {
		c.fail(step, "encode", err)
		return
	}

	if err := c.backend.Set(ctx, c.prefix+Key(step, fingerprint), raw, ttl); err != nil {
		c.fail(step, "set", err)
	}
}

// Invalidate removes the entry for (step, fingerprint).
func (c *Cache) Invalidate(ctx context.Context, step, fingerprint string) error {
	return c.backend.Delete(ctx, c.prefix+Key(step, fingerprint))
}

// Ping reports whether the backend is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// Stats returns per-step counters ordered by step name.
func (c *Cache) Stats() []StepStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]StepStats, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

func (c *Cache) lookup(step string, hit bool) {
	c.mu.Lock()
	s := c.statsFor(step)
	if hit {
		s.Hits++
	} else {
		s.Misses++
	}
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.CacheLookup(step, hit)
	}
}

func (c *Cache) fail(step, op string, err error) {
	observability.LogCacheError(c.logger, step, op, err)

	c.mu.Lock()
	c.statsFor(step).Errors++
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.CacheError(step, op)
	}
}

// statsFor must be called with c.mu held.
func (c *Cache) statsFor(step string) *StepStats {
	s, ok := c.stats[step]
	if !ok {
		s = &StepStats{Step: step}
		c.stats[step] = s
	}
	return s
}
