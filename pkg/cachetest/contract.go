// Package cachetest holds the contract every KeyValueCache backend must satisfy. Backends run it from their own
// tests with a factory building a fresh instance on top of the given clock; the suite drives a virtual clock so TTL
// scenarios are deterministic.

package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/kvcache/pkg/cache"
	"github.com/nobletooth/kvcache/pkg/clock"
)

// Factory builds a fresh, empty cache reading time from `clk`. The suite closes the cache at the end of each test.
type Factory func(t *testing.T, clk clock.Clock) cache.KeyValueCache

// Epoch is the virtual time every contract test starts at.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// newCache builds a cache on a fresh virtual clock and registers its teardown.
func newCache(t *testing.T, factory Factory) (cache.KeyValueCache, *clock.Virtual) {
	t.Helper()
	virtual := clock.NewVirtual(Epoch)
	kv := factory(t, virtual)
	require.NotNil(t, kv, "Factory returned a nil cache")
	t.Cleanup(func() { _ = kv.Close() })
	return kv, virtual
}

// assertValue checks that `key` currently holds `expected`.
func assertValue(t *testing.T, kv cache.KeyValueCache, key, expected string) {
	t.Helper()
	value, found, err := kv.Get(context.Background(), key)
	require.NoError(t, err)
	if assert.Truef(t, found, "Expected key %q to be found", key) {
		assert.Equal(t, expected, string(value))
	}
}

// assertMissing checks that `key` is reported as not found, without an error.
func assertMissing(t *testing.T, kv cache.KeyValueCache, key string) {
	t.Helper()
	value, found, err := kv.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Falsef(t, found, "Expected key %q to be missing", key)
	assert.Empty(t, value)
}

// Run executes the whole contract against caches built by `factory`.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("round_trip", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "hello", []byte("world")))
		assertValue(t, kv, "hello", "world")

		binary := []byte{0x00, 0xff, 0x01, 0xfe}
		require.NoError(t, kv.Set(ctx, "binary", binary))
		value, found, err := kv.Get(ctx, "binary")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, binary, value)
	})

	t.Run("values_are_copied", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		buffer := []byte("original")
		require.NoError(t, kv.Set(ctx, "k", buffer))
		buffer[0] = 'X' // The caller reuses its buffer after Set.
		assertValue(t, kv, "k", "original")

		value, found, err := kv.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		copy(value, "MUTATED!")
		assertValue(t, kv, "k", "original")
	})

	t.Run("missing_key", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		assertMissing(t, kv, "never-written")
	})

	t.Run("overwrite_replaces_value", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
		require.NoError(t, kv.Set(ctx, "k", []byte("v2")))
		assertValue(t, kv, "k", "v2")
	})

	t.Run("ttl_expiration", func(t *testing.T) {
		kv, virtual := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "short", []byte("s"), cache.WithTTL(1*time.Second)))
		require.NoError(t, kv.Set(ctx, "long", []byte("l"), cache.WithTTL(5*time.Second)))
		assertValue(t, kv, "short", "s")
		assertValue(t, kv, "long", "l")

		virtual.Advance(1500 * time.Millisecond)
		assertMissing(t, kv, "short")
		assertValue(t, kv, "long", "l")

		virtual.Advance(4 * time.Second)
		assertMissing(t, kv, "short")
		assertMissing(t, kv, "long")
	})

	t.Run("ttl_boundary_is_expired", func(t *testing.T) {
		kv, virtual := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "k", []byte("v"), cache.WithTTL(1*time.Second)))

		virtual.Advance(999 * time.Millisecond)
		assertValue(t, kv, "k", "v")

		virtual.Advance(1 * time.Millisecond) // Exactly at the expiry.
		assertMissing(t, kv, "k")

		virtual.Advance(1 * time.Millisecond) // Just past the expiry.
		assertMissing(t, kv, "k")
	})

	t.Run("overwrite_without_ttl_clears_ttl", func(t *testing.T) {
		kv, virtual := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "k", []byte("v1"), cache.WithTTL(1*time.Second)))
		require.NoError(t, kv.Set(ctx, "k", []byte("v2")))

		virtual.Advance(2 * time.Second)
		assertValue(t, kv, "k", "v2")
	})

	t.Run("overwrite_with_ttl_sets_ttl", func(t *testing.T) {
		kv, virtual := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
		require.NoError(t, kv.Set(ctx, "k", []byte("v2"), cache.WithTTL(1*time.Second)))

		virtual.Advance(1 * time.Second)
		assertMissing(t, kv, "k")
	})

	t.Run("overwrite_restarts_ttl", func(t *testing.T) {
		kv, virtual := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "k", []byte("v1"), cache.WithTTL(1*time.Second)))
		virtual.Advance(500 * time.Millisecond)
		require.NoError(t, kv.Set(ctx, "k", []byte("v2"), cache.WithTTL(1*time.Second)))

		virtual.Advance(750 * time.Millisecond) // 1.25s after the first write, 0.75s after the second.
		assertValue(t, kv, "k", "v2")

		virtual.Advance(250 * time.Millisecond)
		assertMissing(t, kv, "k")
	})

	t.Run("set_after_expiry_revives_key", func(t *testing.T) {
		kv, virtual := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "k", []byte("v1"), cache.WithTTL(1*time.Second)))
		virtual.Advance(2 * time.Second)
		assertMissing(t, kv, "k")

		require.NoError(t, kv.Set(ctx, "k", []byte("v2")))
		assertValue(t, kv, "k", "v2")
	})

	t.Run("flush_removes_everything", func(t *testing.T) {
		kv, virtual := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "plain", []byte("p")))
		require.NoError(t, kv.Set(ctx, "expirable", []byte("e"), cache.WithTTL(10*time.Second)))
		require.NoError(t, kv.Flush(ctx))
		assertMissing(t, kv, "plain")
		assertMissing(t, kv, "expirable")

		// Nothing resurrects once the flushed TTLs would have passed.
		virtual.Advance(20 * time.Second)
		assertMissing(t, kv, "plain")
		assertMissing(t, kv, "expirable")

		// The cache stays usable after a flush.
		require.NoError(t, kv.Set(ctx, "plain", []byte("p2")))
		assertValue(t, kv, "plain", "p2")
	})

	t.Run("flush_is_idempotent", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		require.NoError(t, kv.Flush(ctx))
		require.NoError(t, kv.Flush(ctx))
	})

	t.Run("invalid_arguments", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		assert.ErrorIs(t, kv.Set(ctx, "", []byte("v")), cache.ErrInvalidArgument)
		_, _, err := kv.Get(ctx, "")
		assert.ErrorIs(t, err, cache.ErrInvalidArgument)

		assert.ErrorIs(t, kv.Set(ctx, "zero", []byte("v"), cache.WithTTL(0)), cache.ErrInvalidArgument)
		assert.ErrorIs(t, kv.Set(ctx, "negative", []byte("v"), cache.WithTTL(-time.Second)),
			cache.ErrInvalidArgument)
		assertMissing(t, kv, "zero")
		assertMissing(t, kv, "negative")
	})

	t.Run("close_is_idempotent", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "k", []byte("v")))
		assert.NoError(t, kv.Close())
		assert.NoError(t, kv.Close())
	})

	t.Run("use_after_close", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		require.NoError(t, kv.Set(ctx, "k", []byte("v")))
		require.NoError(t, kv.Close())

		_, found, err := kv.Get(ctx, "k")
		assert.ErrorIs(t, err, cache.ErrClosed)
		assert.False(t, found, "Closed caches must not resurrect entries")
		assert.ErrorIs(t, kv.Set(ctx, "k", []byte("v")), cache.ErrClosed)
		assert.ErrorIs(t, kv.Flush(ctx), cache.ErrClosed)
	})

	t.Run("concurrent_independent_keys", func(t *testing.T) {
		kv, _ := newCache(t, factory)
		const writers = 16
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = kv.Set(ctx, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)))
			}()
		}
		wg.Wait()
		for i := range writers {
			require.NoError(t, errs[i])
			assertValue(t, kv, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
		}
	})

	t.Run("concurrent_same_key_last_write_wins", func(t *testing.T) {
		kv, virtual := newCache(t, factory)
		const writers = 8
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var opts []cache.SetOption
				if i%2 == 1 { // Odd writers expire, even writers live forever.
					opts = append(opts, cache.WithTTL(time.Second))
				}
				assert.NoError(t, kv.Set(ctx, "shared", []byte(fmt.Sprintf("%d", i)), opts...))
			}()
		}
		wg.Wait()

		value, found, err := kv.Get(ctx, "shared")
		require.NoError(t, err)
		require.True(t, found)
		var winner int
		_, scanErr := fmt.Sscanf(string(value), "%d", &winner)
		require.NoError(t, scanErr)
		assert.True(t, winner >= 0 && winner < writers, "Value must be one of the submitted writes")

		// The winner's TTL must come with the winner's value.
		virtual.Advance(2 * time.Second)
		_, found, err = kv.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, winner%2 == 0, found, "Winner %d must keep its own TTL", winner)
	})
}
