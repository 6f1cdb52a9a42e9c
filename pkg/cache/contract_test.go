package cache_test

import (
	"testing"
	"time"

	"github.com/nobletooth/kvcache/pkg/cache"
	"github.com/nobletooth/kvcache/pkg/cachetest"
	"github.com/nobletooth/kvcache/pkg/clock"
)

func TestMemory_Contract(t *testing.T) {
	t.Run("lazy", func(t *testing.T) {
		cachetest.Run(t, func(t *testing.T, clk clock.Clock) cache.KeyValueCache {
			return cache.NewMemory(cache.MemoryOptions{Clock: clk})
		})
	})
	t.Run("reaper", func(t *testing.T) {
		cachetest.Run(t, func(t *testing.T, clk clock.Clock) cache.KeyValueCache {
			return cache.NewMemory(cache.MemoryOptions{Clock: clk, SweepInterval: 100 * time.Millisecond})
		})
	})
	t.Run("bounded", func(t *testing.T) {
		cachetest.Run(t, func(t *testing.T, clk clock.Clock) cache.KeyValueCache {
			return cache.NewMemory(cache.MemoryOptions{Clock: clk, Capacity: 64})
		})
	})
}

func TestSharded_Contract(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, clk clock.Clock) cache.KeyValueCache {
		return cache.NewShardedMemory(cache.MemoryOptions{Clock: clk, SweepInterval: time.Second}, 4)
	})
}

func TestInstrumented_Contract(t *testing.T) {
	cachetest.Run(t, func(t *testing.T, clk clock.Clock) cache.KeyValueCache {
		return cache.NewInstrumented("contract", cache.NewMemory(cache.MemoryOptions{Clock: clk}))
	})
}
