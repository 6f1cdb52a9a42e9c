package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCache is a simple map-based implementation of KeyValueCache for testing purposes. It is not thread-safe.
type fakeCache struct {
	items    map[string][]byte
	closeErr error
	closed   int
}

// newFakeCache is the constructor for fakeCache.
func newFakeCache() KeyValueCache {
	return &fakeCache{items: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool /*found*/, error) {
	val, found := f.items[key]
	return val, found, nil
}

// Set ignores TTLs as the fake never expires anything.
func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ ...SetOption) error {
	f.items[key] = value
	return nil
}

func (f *fakeCache) Flush(context.Context) error {
	f.items = make(map[string][]byte)
	return nil
}

func (f *fakeCache) Close() error {
	f.closed++
	return f.closeErr
}

func (f *fakeCache) keys() []string {
	return slices.Collect(maps.Keys(f.items))
}

// shardKeys returns the keys held by the fake shard at `index`.
func shardKeys(s *Sharded, index int) []string {
	return s.shards[index].(*fakeCache).keys()
}

func TestSharded_SetAndGet(t *testing.T) {
	ctx := context.Background()
	sc := NewSharded(newFakeCache, 10)
	t.Run("existing_key", func(t *testing.T) {
		require.NoError(t, sc.Set(ctx, "hello", []byte("123")))

		got, found, err := sc.Get(ctx, "hello")
		require.NoError(t, err)
		assert.True(t, found, "Expected to find key %q", "hello")
		assert.Equal(t, []byte("123"), got, "Expected value does not match")
	})
	t.Run("non_existent_key", func(t *testing.T) {
		_, found, err := sc.Get(ctx, "non-existent")
		require.NoError(t, err)
		assert.False(t, found, "Expected not to find key")
	})
	t.Run("invalid_arguments_never_reach_shards", func(t *testing.T) {
		assert.ErrorIs(t, sc.Set(ctx, "", []byte("v")), ErrInvalidArgument)
		assert.ErrorIs(t, sc.Set(ctx, "k", []byte("v"), WithTTL(0)), ErrInvalidArgument)
		for i := range sc.shards {
			assert.NotContains(t, shardKeys(sc, i), "k")
		}
	})
}

func TestSharded_Flush(t *testing.T) {
	ctx := context.Background()
	sc := NewSharded(newFakeCache, 5)
	keysToAdd := []string{"1", "10", "100", "1000"}
	for _, key := range keysToAdd {
		require.NoError(t, sc.Set(ctx, key, []byte("some value")))
	}

	require.NoError(t, sc.Flush(ctx))
	for i := range sc.shards {
		assert.Empty(t, shardKeys(sc, i), "Expected keys to be empty after flush")
	}
	_, found, err := sc.Get(ctx, keysToAdd[0])
	require.NoError(t, err)
	assert.False(t, found, "Expected key to be gone after flush")
}

func TestSharded_CloseReachesEveryShard(t *testing.T) {
	shardErr := errors.New("boom")
	generated := 0
	sc := NewSharded(func() KeyValueCache {
		generated++
		shard := &fakeCache{items: make(map[string][]byte)}
		if generated == 2 {
			shard.closeErr = shardErr
		}
		return shard
	}, 3)

	assert.ErrorIs(t, sc.Close(), shardErr)
	for _, shard := range sc.shards {
		assert.Equal(t, 1, shard.(*fakeCache).closed, "Every shard should be closed despite failures")
	}
}

func TestNewShardedMemory_SplitsCapacity(t *testing.T) {
	sc := NewShardedMemory(MemoryOptions{Capacity: 10}, 4)
	defer func() { _ = sc.Close() }()
	require.Len(t, sc.shards, 4)
	for _, shard := range sc.shards {
		assert.Equal(t, 3, shard.(*Memory).capacity)
	}
}

// TestSharded_ShardingDistribution verifies that keys are distributed across multiple shards.
func TestSharded_ShardingDistribution(t *testing.T) {
	ctx := context.Background()
	shardCount := 10
	sc := NewSharded(newFakeCache, shardCount)
	// keyCount should be large enough compared to shardCount so it becomes virtually impossible to have a shard with
	// less than 50% of `keyCount/shardCount` keys.
	keyCount := 100_000
	for i := range keyCount {
		require.NoError(t, sc.Set(ctx, fmt.Sprintf("key-%d", i), []byte{1}))
	}
	for i := range sc.shards {
		assert.True(t, len(shardKeys(sc, i)) > keyCount/(2*shardCount),
			"Expected keys in each shard to be at least half the keys compared to the uniform distribution.")
	}
}

// TestSharded_ShardMapping pins the xxhash mapping of keys to shards.
func TestSharded_ShardMapping(t *testing.T) {
	ctx := context.Background()
	sc := NewSharded(newFakeCache, 10 /*shardCount*/)
	for i := range 10 {
		require.NoError(t, sc.Set(ctx, fmt.Sprintf("key-%d", i), []byte{byte(i)}))
	}
	assert.Empty(t, shardKeys(sc, 0))
	assert.ElementsMatch(t, []string{"key-6"}, shardKeys(sc, 1))
	assert.Empty(t, shardKeys(sc, 2))
	assert.ElementsMatch(t, []string{"key-0", "key-7"}, shardKeys(sc, 3))
	assert.ElementsMatch(t, []string{"key-1", "key-3"}, shardKeys(sc, 4))
	assert.Empty(t, shardKeys(sc, 5))
	assert.ElementsMatch(t, []string{"key-2", "key-5", "key-9"}, shardKeys(sc, 6))
	assert.ElementsMatch(t, []string{"key-4", "key-8"}, shardKeys(sc, 7))
	assert.Empty(t, shardKeys(sc, 8))
	assert.Empty(t, shardKeys(sc, 9))
}
