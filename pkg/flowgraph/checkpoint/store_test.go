package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/queryflow/pkg/flowgraph/checkpoint"
)

type pipelineSnapshot struct {
	Query   string             `json:"query"`
	Route   string             `json:"route"`
	Cancel  context.CancelFunc `json:"cancel"`
	Context context.Context    `json:"context"`
}

func newTestStore(t *testing.T, opts ...checkpoint.StoreOption) (*checkpoint.Store, *checkpoint.MemoryBackend) {
	backend := checkpoint.NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	return checkpoint.NewStore(backend, opts...), backend
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("cp-%03d", n)
	}
}

func TestStore_PutWritesFourRecords(t *testing.T) {
	store, backend := newTestStore(t, checkpoint.WithIDGenerator(sequentialIDs()))
	ctx := context.Background()

	saved, err := store.Put(ctx, "session_user_123", "", pipelineSnapshot{Query: "q"}, checkpoint.Metadata{Step: "router"})
	require.NoError(t, err)
	assert.Equal(t, "cp-001", saved.CheckpointID)
	assert.Equal(t, "session_user_123", saved.SessionID)

	keys, err := backend.Scan(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"checkpoint:session_user_123::cp-001",
		"checkpoint:session_user_123::latest",
		"checkpoint_meta:session_user_123::cp-001",
		"checkpoint_meta:session_user_123::latest",
	}, keys)
}

func TestStore_LatestWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Put(ctx, "s1", "", pipelineSnapshot{Route: "unclassified"}, checkpoint.Metadata{Step: "router", Sequence: 1})
	require.NoError(t, err)
	second, err := store.Put(ctx, "s1", "", pipelineSnapshot{Route: "documentation"}, checkpoint.Metadata{Step: "retrieval", Sequence: 2})
	require.NoError(t, err)
	assert.NotEqual(t, first.CheckpointID, second.CheckpointID)

	latest, err := store.Get(ctx, "s1", "", checkpoint.Latest)
	require.NoError(t, err)
	assert.Equal(t, second.CheckpointID, latest.Metadata.CheckpointID)
	assert.Equal(t, "retrieval", latest.Metadata.Step)

	var snap pipelineSnapshot
	require.NoError(t, json.Unmarshal(latest.State, &snap))
	assert.Equal(t, "documentation", snap.Route)

	byDefault, err := store.Get(ctx, "s1", "", "")
	require.NoError(t, err)
	assert.Equal(t, latest, byDefault)

	older, err := store.Get(ctx, "s1", "", first.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, "router", older.Metadata.Step)
}

func TestStore_SessionsAreIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "a", "", pipelineSnapshot{Query: "from a"}, checkpoint.Metadata{})
	require.NoError(t, err)

	_, err = store.Get(ctx, "b", "", "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	_, err = store.Get(ctx, "a", "other-ns", "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStore_SanitizesState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Put(ctx, "s", "", pipelineSnapshot{Query: "q", Cancel: cancel, Context: ctx}, checkpoint.Metadata{})
	require.NoError(t, err)

	cp, err := store.Get(ctx, "s", "", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"q","route":"","cancel":null,"context":null}`, string(cp.State))
	assert.Equal(t, int64(len(cp.State)), cp.Metadata.Size)
}

func TestStore_MetadataIsFilled(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	store, _ := newTestStore(t,
		checkpoint.WithStoreClock(func() time.Time { return created }),
		checkpoint.WithIDGenerator(sequentialIDs()),
	)
	ctx := context.Background()

	_, err := store.Put(ctx, "s", "ns", map[string]int{"n": 1}, checkpoint.Metadata{
		Step: "router", Next: "tools", Sequence: 1, CacheHit: true, TraceID: "abc",
	})
	require.NoError(t, err)

	cp, err := store.Get(ctx, "s", "ns", "cp-001")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Version, cp.Version)
	assert.Equal(t, checkpoint.Metadata{
		CheckpointID: "cp-001",
		SessionID:    "s",
		Namespace:    "ns",
		Step:         "router",
		Next:         "tools",
		Sequence:     1,
		CacheHit:     true,
		TraceID:      "abc",
		CreatedAt:    created,
		Size:         int64(len(`{"n":1}`)),
	}, cp.Metadata)
}

func TestStore_RequiresSession(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Put(context.Background(), "", "", nil, checkpoint.Metadata{})
	assert.Error(t, err)
}

func TestStore_List(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	steps := []string{"router", "retrieval", "generator"}
	for i, step := range steps {
		_, err := store.Put(ctx, "s", "", map[string]string{"step": step}, checkpoint.Metadata{Step: step, Sequence: i + 1})
		require.NoError(t, err)
	}
	_, err := store.Put(ctx, "other", "", nil, checkpoint.Metadata{Step: "router"})
	require.NoError(t, err)

	infos, err := store.List(ctx, "s", "")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, steps[i], info.Step)
		assert.Equal(t, i+1, info.Sequence)
	}

	empty, err := store.List(ctx, "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	saved, err := store.Put(ctx, "s", "", nil, checkpoint.Metadata{})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "s", "", saved.CheckpointID))

	_, err = store.Get(ctx, "s", "", saved.CheckpointID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	_, err = store.Get(ctx, "s", "", checkpoint.Latest)
	assert.NoError(t, err)
}

func TestStore_DeleteSession(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	for _, ns := range []string{"", "tenant"} {
		_, err := store.Put(ctx, "s", ns, nil, checkpoint.Metadata{})
		require.NoError(t, err)
	}
	_, err := store.Put(ctx, "keep", "", nil, checkpoint.Metadata{})
	require.NoError(t, err)

	require.NoError(t, store.DeleteSession(ctx, "s"))

	_, err = store.Get(ctx, "s", "", "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, err = store.Get(ctx, "s", "tenant", "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.Equal(t, 4, backend.Len())
}

func TestStore_SessionIDsWithSeparator(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "a", "", pipelineSnapshot{Query: "from a"}, checkpoint.Metadata{Step: "router"})
	require.NoError(t, err)
	_, err = store.Put(ctx, "a:b", "", pipelineSnapshot{Query: "from a:b"}, checkpoint.Metadata{Step: "generator"})
	require.NoError(t, err)

	metas, err := store.List(ctx, "a", "")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "router", metas[0].Step)

	require.NoError(t, store.DeleteSession(ctx, "a"))

	cp, err := store.Get(ctx, "a:b", "", "")
	require.NoError(t, err)
	assert.Equal(t, "generator", cp.Metadata.Step)
	assert.Equal(t, "a:b", cp.Metadata.SessionID)
}

// rejectingBackend fails every multi-record write.
type rejectingBackend struct {
	*checkpoint.MemoryBackend
}

func (rejectingBackend) SetAll(context.Context, []checkpoint.Record, time.Duration) error {
	return errors.New("write refused")
}

func TestStore_PutIsAllOrNothing(t *testing.T) {
	backend := rejectingBackend{checkpoint.NewMemoryBackend()}
	store := checkpoint.NewStore(backend)
	ctx := context.Background()

	_, err := store.Put(ctx, "s", "", pipelineSnapshot{Query: "q"}, checkpoint.Metadata{Step: "router"})
	require.Error(t, err)

	keys, err := backend.Scan(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, err = store.Get(ctx, "s", "", checkpoint.Latest)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStore_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := checkpoint.NewMemoryBackend().WithClock(func() time.Time { return now })
	store := checkpoint.NewStore(backend, checkpoint.WithTTL(time.Hour))
	ctx := context.Background()

	assert.Equal(t, time.Hour, store.TTL())

	_, err := store.Put(ctx, "s", "", nil, checkpoint.Metadata{})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = store.Get(ctx, "s", "", "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestStore_DefaultTTL(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Equal(t, checkpoint.DefaultTTL, store.TTL())
	assert.Equal(t, time.Hour, checkpoint.DefaultTTL)
}

func TestStore_VersionMismatch(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	stale := []byte(`{"version":99,"state":{},"metadata":{"step":"router"}}`)
	require.NoError(t, backend.Set(ctx, checkpoint.Key("s", "", checkpoint.Latest), stale, 0))

	_, err := store.Get(ctx, "s", "", "")
	assert.ErrorIs(t, err, checkpoint.ErrVersionMismatch)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "checkpoint:s:ns:id", checkpoint.Key("s", "ns", "id"))
	assert.Equal(t, "checkpoint_meta:s:ns:id", checkpoint.MetaKey("s", "ns", "id"))
	assert.Equal(t, "checkpoint:a%3Ab:n%253A:id", checkpoint.Key("a:b", "n%3A", "id"))
	assert.NotEqual(t, checkpoint.Key("a:b", "", "id"), checkpoint.Key("a", "b:", "id"))
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := checkpoint.Unmarshal([]byte("not json"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, checkpoint.ErrVersionMismatch)
}
