package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

func userEntry(i int) Entry {
	return Entry{Role: RoleUser, Content: fmt.Sprintf("m%d", i)}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, testLogger()), mr
}

// storeContract runs the behavior shared by every backend.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("empty conversation", func(t *testing.T) {
		entries, err := s.Recent(ctx, "none")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("preserves order", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, "order", Entry{Role: RoleUser, Content: "hi"}))
		require.NoError(t, s.Append(ctx, "order", Entry{Role: RoleAssistant, Content: "hello"}))

		entries, err := s.Recent(ctx, "order")
		require.NoError(t, err)
		assert.Equal(t, []Entry{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		}, entries)
	})

	t.Run("eleventh append drops oldest", func(t *testing.T) {
		for i := 1; i <= 11; i++ {
			require.NoError(t, s.Append(ctx, "fifo", userEntry(i)))
		}

		entries, err := s.Recent(ctx, "fifo")
		require.NoError(t, err)
		require.Len(t, entries, MaxEntries)
		assert.Equal(t, "m2", entries[0].Content)
		assert.Equal(t, "m11", entries[9].Content)
	})

	t.Run("batch append trims", func(t *testing.T) {
		var batch []Entry
		for i := 0; i < 15; i++ {
			batch = append(batch, userEntry(i))
		}
		require.NoError(t, s.Append(ctx, "batch", batch...))

		entries, err := s.Recent(ctx, "batch")
		require.NoError(t, err)
		require.Len(t, entries, MaxEntries)
		assert.Equal(t, "m5", entries[0].Content)
	})

	t.Run("conversations are independent", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, "a", userEntry(1)))
		require.NoError(t, s.Append(ctx, "b", userEntry(2)))

		a, err := s.Recent(ctx, "a")
		require.NoError(t, err)
		b, err := s.Recent(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, []Entry{userEntry(1)}, a)
		assert.Equal(t, []Entry{userEntry(2)}, b)
	})

	t.Run("concurrent appends stay bounded", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Append(ctx, "race", userEntry(i)))
			}(i)
		}
		wg.Wait()

		entries, err := s.Recent(ctx, "race")
		require.NoError(t, err)
		assert.Len(t, entries, MaxEntries)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore(MaxEntries))
}

func TestRedisStore(t *testing.T) {
	s, _ := newRedisStore(t)
	storeContract(t, s)
}

func TestMemoryStoreReturnsCopy(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "c", userEntry(1)))

	entries, err := s.Recent(ctx, "c")
	require.NoError(t, err)
	entries[0].Content = "mutated"

	again, err := s.Recent(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "m1", again[0].Content)
	assert.Equal(t, 1, s.Conversations())
}

func TestRedisStoreKeyAndTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "c1", userEntry(1)))

	assert.True(t, mr.Exists("teamsforge:history:c1"))
	assert.Equal(t, historyTTL, mr.TTL("teamsforge:history:c1"))

	mr.FastForward(historyTTL + time.Second)
	entries, err := s.Recent(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisStoreSkipsCorruptEntries(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "c1", userEntry(1)))
	_, err := mr.Push("teamsforge:history:c1", "{not json")
	require.NoError(t, err)

	entries, err := s.Recent(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []Entry{userEntry(1)}, entries)
}

func TestRedisStoreAppendNothing(t *testing.T) {
	s, mr := newRedisStore(t)
	require.NoError(t, s.Append(context.Background(), "c1"))
	assert.False(t, mr.Exists("teamsforge:history:c1"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.HistoryConfig{Store: "memory"}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(ctx, config.HistoryConfig{Store: "redis", RedisURL: "redis://" + mr.Addr()}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.HistoryConfig{Store: "redis", RedisURL: "::bad"}, testLogger())
	assert.Error(t, err)

	_, err = Open(ctx, config.HistoryConfig{Store: "etcd"}, testLogger())
	assert.ErrorContains(t, err, "unknown store")
}
