package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/kvcache/pkg/clock"
)

var testEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// mustGet fetches `key` and fails the test on errors.
func mustGet(t *testing.T, kv KeyValueCache, key string) ([]byte, bool) {
	t.Helper()
	value, found, err := kv.Get(context.Background(), key)
	require.NoError(t, err)
	return value, found
}

func TestMemory_SetAndGet(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory(MemoryOptions{Capacity: 5})
	defer func() { _ = memory.Close() }()

	require.NoError(t, memory.Set(ctx, "key1", []byte("value1"), WithTTL(time.Minute)))

	val, found := mustGet(t, memory, "key1")
	assert.True(t, found, "Should find key1")
	assert.Equal(t, []byte("value1"), val, "Should get correct value for key1")

	_, found = mustGet(t, memory, "nonexistent")
	assert.False(t, found, "Should not find a non-existent key")
}

func TestMemory_UpdateKey(t *testing.T) {
	ctx := context.Background()
	memory := NewMemory(MemoryOptions{Capacity: 2})
	defer func() { _ = memory.Close() }()

	require.NoError(t, memory.Set(ctx, "key1", []byte("100")))
	require.NoError(t, memory.Set(ctx, "key2", []byte("200")))
	require.NoError(t, memory.Set(ctx, "key1", []byte("999")))

	val, found := mustGet(t, memory, "key1")
	assert.True(t, found, "Key should be present after update")
	assert.Equal(t, []byte("999"), val, "Value should be the updated value")

	_, found = mustGet(t, memory, "key2")
	assert.True(t, found, "Other key should not be affected by an update")
}

func TestMemory_EvictionPolicy(t *testing.T) {
	ctx := context.Background()
	var evicted []string
	memory := NewMemory(MemoryOptions{
		Capacity:         2,
		EvictionCallback: func(key string, _ []byte) { evicted = append(evicted, key) },
	})
	defer func() { _ = memory.Close() }()

	// Fill the cache.
	require.NoError(t, memory.Set(ctx, "1", []byte("one")))
	require.NoError(t, memory.Set(ctx, "2", []byte("two")))

	// Add a third item, which should trigger an eviction since the cache is full.
	require.NoError(t, memory.Set(ctx, "3", []byte("three")))
	assert.Equal(t, []string{"1"}, evicted)
	_, found := mustGet(t, memory, "1")
	assert.False(t, found, "Item 1 should have been evicted")
	_, found = mustGet(t, memory, "2")
	assert.True(t, found, "Item 2 should not be evicted")
	val, found := mustGet(t, memory, "3")
	assert.True(t, found, "Item 3 should be in the cache")
	assert.Equal(t, []byte("three"), val)

	// Both remaining items are referenced; the hand clears their bits and evicts item 2 on the second lap.
	require.NoError(t, memory.Set(ctx, "4", []byte("four")))
	assert.Equal(t, []string{"1", "2"}, evicted)
	_, found = mustGet(t, memory, "2")
	assert.False(t, found, "Item 2 should have been evicted")
	_, found = mustGet(t, memory, "3")
	assert.True(t, found, "Item 3 should not be evicted")
	val, found = mustGet(t, memory, "4")
	assert.True(t, found, "Item 4 should be in the cache")
	assert.Equal(t, []byte("four"), val)
}

func TestMemory_EvictionPrefersExpiredEntries(t *testing.T) {
	ctx := context.Background()
	virtual := clock.NewVirtual(testEpoch)
	memory := NewMemory(MemoryOptions{Clock: virtual, Capacity: 2})
	defer func() { _ = memory.Close() }()

	require.NoError(t, memory.Set(ctx, "expiring", []byte("e"), WithTTL(time.Second)))
	require.NoError(t, memory.Set(ctx, "durable", []byte("d")))
	// Reference both so only the expiry decides the victim.
	_, _ = mustGet(t, memory, "expiring")
	_, _ = mustGet(t, memory, "durable")

	virtual.Advance(time.Second)
	require.NoError(t, memory.Set(ctx, "new", []byte("n")))
	_, found := mustGet(t, memory, "durable")
	assert.True(t, found, "Referenced live entry should survive")
	_, found = mustGet(t, memory, "new")
	assert.True(t, found)
	assert.ElementsMatch(t, []string{"durable", "new"}, memory.Keys())
}

func TestMemory_LazyExpiryPurgesOnRead(t *testing.T) {
	ctx := context.Background()
	virtual := clock.NewVirtual(testEpoch)
	memory := NewMemory(MemoryOptions{Clock: virtual})
	defer func() { _ = memory.Close() }()

	require.NoError(t, memory.Set(ctx, "key1", []byte("1"), WithTTL(20*time.Millisecond)))
	virtual.Advance(25 * time.Millisecond)

	assert.ElementsMatch(t, []string{"key1"}, memory.Keys(), "Without a reaper, expired keys linger until read")
	_, found := mustGet(t, memory, "key1")
	assert.False(t, found, "Should not find an expired item")
	assert.Empty(t, memory.Keys(), "Reading an expired key should purge it")
}

func TestMemory_Reaper(t *testing.T) {
	ctx := context.Background()
	virtual := clock.NewVirtual(testEpoch)
	memory := NewMemory(MemoryOptions{Clock: virtual, SweepInterval: 10 * time.Millisecond})
	defer func() { _ = memory.Close() }()

	require.NoError(t, memory.Set(ctx, "key1", []byte("1"), WithTTL(50*time.Millisecond)))
	require.NoError(t, memory.Set(ctx, "key2", []byte("2"), WithTTL(60*time.Millisecond)))
	require.NoError(t, memory.Set(ctx, "durable", []byte("3")))

	// Before the first bucket has fully passed, the reaper must keep every key.
	virtual.Advance(50 * time.Millisecond)
	_, found := mustGet(t, memory, "key2")
	assert.True(t, found, "Key2 is still alive")

	// Once both buckets have passed, the reaper removes the keys without any read.
	virtual.Advance(30 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(memory.Keys()) == 1
	}, time.Second, 5*time.Millisecond, "Reaper should drop expired keys in the background")
	assert.ElementsMatch(t, []string{"durable"}, memory.Keys())
}

func TestMemory_ReaperNeverDropsLiveEntries(t *testing.T) {
	ctx := context.Background()
	virtual := clock.NewVirtual(testEpoch)
	memory := NewMemory(MemoryOptions{Clock: virtual, SweepInterval: time.Second})
	defer func() { _ = memory.Close() }()

	// Both keys share the [0s, 1s) bucket; the second one outlives the first tick.
	require.NoError(t, memory.Set(ctx, "early", []byte("e"), WithTTL(100*time.Millisecond)))
	virtual.Advance(800 * time.Millisecond)
	require.NoError(t, memory.Set(ctx, "late", []byte("l"), WithTTL(1100*time.Millisecond)))

	virtual.Advance(200 * time.Millisecond) // Tick at 1s; the [0s, 1s) bucket is done.
	assert.Eventually(t, func() bool {
		return len(memory.Keys()) == 1
	}, time.Second, 5*time.Millisecond)
	val, found := mustGet(t, memory, "late")
	assert.True(t, found, "Entry of a later bucket must survive the sweep")
	assert.Equal(t, []byte("l"), val)
}

func TestMemory_CloseStopsReaper(t *testing.T) {
	virtual := clock.NewVirtual(testEpoch)
	memory := NewMemory(MemoryOptions{Clock: virtual, SweepInterval: time.Millisecond})
	require.NoError(t, memory.Close())

	select {
	case <-memory.reaperDone:
	default:
		t.Fatal("Close must wait for the reaper to exit")
	}
	// Advancing the clock after close must not block or panic.
	virtual.Advance(time.Second)
	require.NoError(t, memory.Close())
}

func TestMemory_InvalidOptions(t *testing.T) {
	memory := NewMemory(MemoryOptions{Capacity: -1, SweepInterval: -time.Second})
	defer func() { _ = memory.Close() }()
	assert.Zero(t, memory.capacity, "Negative capacity should fall back to unbounded")
	assert.Zero(t, memory.sweepInterval, "Negative sweep interval should disable the reaper")
}

func TestMemory_Concurrency(t *testing.T) {
	numGoroutines := 50
	itemsPerGoroutine := 50

	ctx := context.Background()
	memory := NewMemory(MemoryOptions{Capacity: 1000, SweepInterval: time.Second})
	defer func() { _ = memory.Close() }()
	var wg sync.WaitGroup

	// Concurrent writers.
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < itemsPerGoroutine; j++ {
				assert.NoError(t, memory.Set(ctx, fmt.Sprintf("key-%d-%d", goroutineID, j),
					[]byte(fmt.Sprint(goroutineID*100+j)), WithTTL(time.Minute)))
			}
		}(i)
	}
	wg.Wait()

	// Concurrent readers.
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < itemsPerGoroutine; j++ {
				// We can't guarantee the key is still present due to evictions from other goroutines,
				// but if it is found, its value must be correct.
				val, found, err := memory.Get(ctx, fmt.Sprintf("key-%d-%d", goroutineID, j))
				assert.NoError(t, err)
				if found {
					assert.Equal(t, fmt.Sprint(goroutineID*100+j), string(val))
				}
			}
		}(i)
	}
	wg.Wait()
}
