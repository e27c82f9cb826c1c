// Package checkpoint persists pipeline state after every step so a session
// can be inspected or resumed.
//
// Every Put writes four records in one atomic backend write: the checkpoint
// under its own id, the same checkpoint under the Latest alias, and a
// metadata record for each. Reads of the latest state never need an index
// scan.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/queryflow/pkg/flowgraph/sanitize"
)

// DefaultTTL is how long checkpoints live when no TTL is configured.
const DefaultTTL = time.Hour

// Store is the checkpoint store shared by all pipeline runs.
type Store struct {
	backend  Backend
	name     string
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	degraded bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL sets how long written records live. Zero keeps them forever.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithBackendName labels the backend for health reporting.
func WithBackendName(name string) StoreOption {
	return func(s *Store) {
		s.name = name
	}
}

// WithStoreClock overrides the time source for CreatedAt.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides checkpoint id generation.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		name:    "custom",
		ttl:     DefaultTTL,
		now:     time.Now,
		newID:   newCheckpointID,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newCheckpointID returns a time-ordered UUID so ids sort by write order.
func newCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Put sanitizes state and stores it with meta. The returned metadata carries
// the new checkpoint id and the stored state size.
func (s *Store) Put(ctx context.Context, sessionID, namespace string, state any, meta Metadata) (Metadata, error) {
	if sessionID == "" {
		return Metadata{}, errors.New("checkpoint: session id is required")
	}

	data, err := sanitize.Marshal(state)
	if err != nil {
		return Metadata{}, fmt.Errorf("sanitize state: %w", err)
	}

	id := s.newID()
	meta.CheckpointID = id
	meta.SessionID = sessionID
	meta.Namespace = namespace
	meta.CreatedAt = s.now().UTC()
	meta.Size = int64(len(data))

	cp := &Checkpoint{Version: Version, State: data, Metadata: meta}
	record, err := cp.Marshal()
	if err != nil {
		return Metadata{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	metaRecord, err := (&Checkpoint{Version: Version, Metadata: meta}).Marshal()
	if err != nil {
		return Metadata{}, fmt.Errorf("encode checkpoint metadata: %w", err)
	}

	err = s.backend.SetAll(ctx, []Record{
		{Key: Key(sessionID, namespace, id), Value: record},
		{Key: Key(sessionID, namespace, Latest), Value: record},
		{Key: MetaKey(sessionID, namespace, id), Value: metaRecord},
		{Key: MetaKey(sessionID, namespace, Latest), Value: metaRecord},
	}, s.ttl)
	if err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Get loads a checkpoint. An empty id or Latest resolves to the most
// recent checkpoint of the session.
func (s *Store) Get(ctx context.Context, sessionID, namespace, id string) (*Checkpoint, error) {
	if id == "" {
		id = Latest
	}
	data, err := s.backend.Get(ctx, Key(sessionID, namespace, id))
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// List returns the metadata of every live checkpoint of a session,
// ordered by sequence, then creation time, then id.
func (s *Store) List(ctx context.Context, sessionID, namespace string) ([]Metadata, error) {
	keys, err := s.backend.Scan(ctx, MetaKey(sessionID, namespace, ""))
	if err != nil {
		return nil, err
	}

	latest := MetaKey(sessionID, namespace, Latest)
	out := make([]Metadata, 0, len(keys))
	for _, k := range keys {
		if k == latest {
			continue
		}
		data, err := s.backend.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cp, err := Unmarshal(data)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint metadata",
				slog.String("key", k),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, cp.Metadata)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CheckpointID < out[j].CheckpointID
	})
	return out, nil
}

// Delete removes one checkpoint and its metadata. Deleting the checkpoint
// that Latest points to leaves the alias in place.
func (s *Store) Delete(ctx context.Context, sessionID, namespace, id string) error {
	return s.backend.Delete(ctx, Key(sessionID, namespace, id), MetaKey(sessionID, namespace, id))
}

// DeleteSession removes every checkpoint of a session across namespaces.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	var keys []string
	for _, prefix := range []string{"checkpoint:" + sessionPrefix(sessionID), "checkpoint_meta:" + sessionPrefix(sessionID)} {
		found, err := s.backend.Scan(ctx, prefix)
		if err != nil {
			return err
		}
		keys = append(keys, found...)
	}
	return s.backend.Delete(ctx, keys...)
}

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Backend returns the configured backend name ("memory", "sqlite", "redis").
func (s *Store) Backend() string {
	return s.name
}

// Degraded reports whether the store fell back to memory because the
// configured durable backend was unavailable.
func (s *Store) Degraded() bool {
	return s.degraded
}

// TTL returns the record time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}
