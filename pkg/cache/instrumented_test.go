package cache

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promclient "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue returns the current value of `counter`.
func counterValue(t *testing.T, counter prometheus.Counter) int {
	t.Helper()
	metric := &promclient.Metric{}
	require.NoError(t, counter.Write(metric))
	return int(metric.Counter.GetValue())
}

func TestInstrumented_CountsOperations(t *testing.T) {
	ctx := context.Background()
	cacheLookups.Reset()
	cacheWrites.Reset()
	cacheFlushes.Reset()
	instrumented := NewInstrumented("test", NewMemory(MemoryOptions{}))

	require.NoError(t, instrumented.Set(ctx, "k", []byte("v")))
	assert.Error(t, instrumented.Set(ctx, "", []byte("v")))
	_, _, _ = instrumented.Get(ctx, "k")
	_, _, _ = instrumented.Get(ctx, "missing")
	require.NoError(t, instrumented.Flush(ctx))
	require.NoError(t, instrumented.Close())
	_, _, err := instrumented.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed, "Errors must pass through the decorator untouched")
	assert.ErrorIs(t, instrumented.Flush(ctx), ErrClosed)

	assert.Equal(t, 1, counterValue(t, cacheWrites.WithLabelValues("test", "ok")))
	assert.Equal(t, 1, counterValue(t, cacheWrites.WithLabelValues("test", "error")))
	assert.Equal(t, 1, counterValue(t, cacheLookups.WithLabelValues("test", "hit")))
	assert.Equal(t, 1, counterValue(t, cacheLookups.WithLabelValues("test", "miss")))
	assert.Equal(t, 1, counterValue(t, cacheLookups.WithLabelValues("test", "error")))
	assert.Equal(t, 1, counterValue(t, cacheFlushes.WithLabelValues("test", "ok")))
	assert.Equal(t, 1, counterValue(t, cacheFlushes.WithLabelValues("test", "error")),
		"Failed flushes are counted apart from successful ones")
}

func TestEvictionCounter(t *testing.T) {
	ctx := context.Background()
	cacheEvictions.Reset()
	memory := NewMemory(MemoryOptions{Capacity: 1, EvictionCallback: EvictionCounter("bounded")})
	defer func() { _ = memory.Close() }()

	require.NoError(t, memory.Set(ctx, "a", []byte("1")))
	require.NoError(t, memory.Set(ctx, "b", []byte("2")))
	require.NoError(t, memory.Set(ctx, "c", []byte("3")))
	assert.Equal(t, 2, counterValue(t, cacheEvictions.WithLabelValues("bounded")))
}
