package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2025, time.May, 20, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

// storeContractTest runs the same checks against any Store.
func storeContractTest(t *testing.T, name string, factory func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run(name+"/Append_and_Recent", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Append(ctx, "s1", Message{Role: RoleUser, Content: "hi"}))
		require.NoError(t, s.Append(ctx, "s1", Message{
			Role:     RoleAssistant,
			Content:  "hello",
			Metadata: map[string]any{"route": "documentation"},
		}))

		msgs, err := s.Recent(ctx, "s1", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, RoleUser, msgs[0].Role)
		assert.Equal(t, "hi", msgs[0].Content)
		assert.Equal(t, fixedTime, msgs[0].Timestamp)
		assert.Equal(t, "documentation", msgs[1].Metadata["route"])
	})

	t.Run(name+"/Recent_Limit", func(t *testing.T) {
		s := factory(t)
		for i := range 15 {
			require.NoError(t, s.Append(ctx, "s1", Message{Role: RoleUser, Content: fmt.Sprint(i)}))
		}

		msgs, err := s.Recent(ctx, "s1", DefaultLimit)
		require.NoError(t, err)
		require.Len(t, msgs, 10)
		assert.Equal(t, "5", msgs[0].Content)
		assert.Equal(t, "14", msgs[9].Content)

		all, err := s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Len(t, all, 15)
	})

	t.Run(name+"/Recent_Empty", func(t *testing.T) {
		s := factory(t)
		msgs, err := s.Recent(ctx, "nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run(name+"/Sessions_Isolated", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Append(ctx, "a", Message{Role: RoleUser, Content: "from a"}))
		require.NoError(t, s.Append(ctx, "b", Message{Role: RoleUser, Content: "from b"}))

		msgs, err := s.Recent(ctx, "a", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "from a", msgs[0].Content)
	})

	t.Run(name+"/Clear_and_Stats", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Append(ctx, "s1", Message{Role: RoleUser, Content: "x"}))

		st, err := s.Stats(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 1, st.MessageCount)
		assert.Greater(t, st.TTL, 23*time.Hour)
		assert.LessOrEqual(t, st.TTL, DefaultTTL)

		require.NoError(t, s.Clear(ctx, "s1"))
		st, err = s.Stats(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, Stats{}, st)
	})

	t.Run(name+"/Concurrent_Append", func(t *testing.T) {
		s := factory(t)
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Append(ctx, "s1", Message{Role: RoleUser, Content: fmt.Sprint(i)}))
			}(i)
		}
		wg.Wait()

		msgs, err := s.Recent(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 20)
	})

	t.Run(name+"/Ping", func(t *testing.T) {
		assert.NoError(t, factory(t).Ping(ctx))
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContractTest(t, "Memory", func(t *testing.T) Store {
		s := NewMemoryStore(WithClock(fixedClock))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	storeContractTest(t, "Redis", func(t *testing.T) Store {
		_, client := newMiniredis(t)
		return NewRedisStore(client, nil, WithClock(fixedClock))
	})
}

func TestRedisStore_Expiry(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedisStore(client, nil, WithTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", Message{Role: RoleUser, Content: "x"}))
	assert.Equal(t, time.Hour, mr.TTL(Key("s1")))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, s.Append(ctx, "s1", Message{Role: RoleAssistant, Content: "y"}))
	assert.Equal(t, time.Hour, mr.TTL(Key("s1")))

	mr.FastForward(61 * time.Minute)
	msgs, err := s.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisStore_SkipsCorruptEntries(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedisStore(client, nil)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", Message{Role: RoleUser, Content: "ok"}))
	_, err := mr.Push(Key("s1"), "{not json")
	require.NoError(t, err)

	msgs, err := s.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].Content)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, client := newMiniredis(t)
	s := NewRedisStore(client, nil)
	mr.Close()
	ctx := context.Background()

	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.Append(ctx, "s1", Message{Role: RoleUser, Content: "x"}))
	_, err := s.Recent(ctx, "s1", 10)
	assert.Error(t, err)
}

func TestMemoryStore_RecentReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "s1", Message{Role: RoleUser, Content: "original"}))

	msgs, err := s.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	msgs[0].Content = "changed"

	again, err := s.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Content)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Append(ctx, "s1", Message{}), context.Canceled)
	_, err := s.Recent(ctx, "s1", 1)
	assert.ErrorIs(t, err, context.Canceled)
}
