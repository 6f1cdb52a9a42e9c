// kvcache counts lookups, writes, flushes and evictions per backend so operators can tell hit rates apart.
// The decorator only observes; errors flow back to the caller untouched.

package cache

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcache_lookups_total",
		Help: "Total number of cache lookups.",
	}, []string{"backend", "status" /* hit | miss | error */})
	cacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcache_writes_total",
		Help: "Total number of cache writes.",
	}, []string{"backend", "status" /* ok | error */})
	cacheFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcache_flushes_total",
		Help: "Total number of cache flushes.",
	}, []string{"backend", "status" /* ok | error */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcache_evictions_total",
		Help: "Total number of entries evicted to make room for other keys.",
	}, []string{"backend"})
)

// EvictionCounter returns a MemoryOptions.EvictionCallback counting evictions for `backend`.
func EvictionCounter(backend string) func(key string, value []byte) {
	counter := cacheEvictions.WithLabelValues(backend)
	return func(string, []byte) { counter.Inc() }
}

// Instrumented decorates a KeyValueCache with prometheus counters.
type Instrumented struct { // Implements KeyValueCache.
	backend string
	inner   KeyValueCache
}

var _ KeyValueCache = (*Instrumented)(nil)

// NewInstrumented wraps `inner`, labelling its metrics with `backend`.
func NewInstrumented(backend string, inner KeyValueCache) *Instrumented {
	return &Instrumented{backend: backend, inner: inner}
}

func (i *Instrumented) Get(ctx context.Context, key string) ([]byte, bool /*found*/, error) {
	value, found, err := i.inner.Get(ctx, key)
	switch {
	case err != nil:
		cacheLookups.WithLabelValues(i.backend, "error").Inc()
	case found:
		cacheLookups.WithLabelValues(i.backend, "hit").Inc()
	default:
		cacheLookups.WithLabelValues(i.backend, "miss").Inc()
	}
	return value, found, err
}

func (i *Instrumented) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	err := i.inner.Set(ctx, key, value, opts...)
	if err != nil {
		cacheWrites.WithLabelValues(i.backend, "error").Inc()
	} else {
		cacheWrites.WithLabelValues(i.backend, "ok").Inc()
	}
	return err
}

func (i *Instrumented) Flush(ctx context.Context) error {
	err := i.inner.Flush(ctx)
	if err != nil {
		cacheFlushes.WithLabelValues(i.backend, "error").Inc()
	} else {
		cacheFlushes.WithLabelValues(i.backend, "ok").Inc()
	}
	return err
}

func (i *Instrumented) Close() error {
	return i.inner.Close()
}
