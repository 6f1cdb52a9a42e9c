// Package tinylfu provides a bounded KeyValueCache on top of ristretto. Ristretto admits new keys through a TinyLFU
// policy, so a write may be refused when the cache is full of hotter keys; such writes surface as cache.ErrRejected
// instead of being dropped silently.
//
// Expiry is tracked next to each value and checked against the injected clock. Expired entries are not deleted on
// read, since a delete racing a concurrent write could drop that write; they occupy cost until the policy evicts
// them or they get overwritten.

package tinylfu

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/nobletooth/kvcache/pkg/cache"
	"github.com/nobletooth/kvcache/pkg/clock"
)

// Options configures a Cache.
type Options struct {
	Clock clock.Clock // Defaults to the wall clock.
	// MaxCost is the total cost budget; every entry costs its value length plus one.
	MaxCost int64
	// NumCounters is the number of frequency counters; ~10x the expected number of entries is optimal.
	NumCounters int64
}

// item wraps a stored value with its expiry.
type item struct {
	value     []byte
	expiresAt time.Time // Zero when the entry never expires.
	rejected  atomic.Bool
}

// writeStripes is the number of locks serializing writes per key.
const writeStripes = 64

// Cache is an admission-controlled KeyValueCache.
type Cache struct { // Implements cache.KeyValueCache.
	clock clock.Clock
	store *ristretto.Cache
	// writeLocks serialize writes of the same key. Ristretto treats a second insert of a key that is still in its
	// buffers as a rejection, while an insert of a key it already holds becomes an update.
	writeLocks [writeStripes]sync.Mutex
	mux        sync.RWMutex // Guards `closed`; Close holds it exclusively.
	closed     bool
}

var _ cache.KeyValueCache = (*Cache)(nil)

// New builds a Cache from `opts`.
func New(opts Options) (*Cache, error) {
	if opts.MaxCost <= 0 {
		return nil, fmt.Errorf("%w: expected a positive max cost, got %d", cache.ErrInvalidArgument, opts.MaxCost)
	}
	numCounters := opts.NumCounters
	if numCounters < 1000 {
		numCounters = 1000
	}
	if opts.Clock == nil {
		opts.Clock = clock.Wall()
	}

	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        numCounters,
		MaxCost:            opts.MaxCost,
		BufferItems:        64, // Number of keys per Get buffer, as recommended by ristretto.
		IgnoreInternalCost: true,
		OnReject: func(rejected *ristretto.Item) {
			if it, ok := rejected.Value.(*item); ok {
				it.rejected.Store(true)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return &Cache{clock: opts.Clock, store: store}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool /*found*/, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, false, err
	}
	c.mux.RLock()
	defer c.mux.RUnlock()
	if c.closed {
		return nil, false, cache.ErrClosed
	}

	stored, found := c.store.Get(key)
	if !found {
		return nil, false, nil
	}
	it, ok := stored.(*item)
	if !ok {
		return nil, false, fmt.Errorf("unexpected ristretto value of type %T for key %q", stored, key)
	}
	if cache.IsExpired(it.expiresAt, c.clock.Now()) {
		return nil, false, nil
	}
	return bytes.Clone(it.value), true, nil
}

// Set stores the value and waits until ristretto has applied the write, so it is visible to the next Get.
func (c *Cache) Set(_ context.Context, key string, value []byte, opts ...cache.SetOption) error {
	setOpts, err := cache.ResolveSetOptions(key, opts...)
	if err != nil {
		return err
	}
	c.mux.RLock()
	defer c.mux.RUnlock()
	if c.closed {
		return cache.ErrClosed
	}

	writeLock := &c.writeLocks[xxhash.Sum64String(key)%writeStripes]
	writeLock.Lock()
	defer writeLock.Unlock()

	it := &item{value: bytes.Clone(value), expiresAt: setOpts.ExpiresAt(c.clock.Now())}
	if !c.store.Set(key, it, int64(len(value))+1) {
		return fmt.Errorf("%w: set buffer is full for key %q", cache.ErrRejected, key)
	}
	// Wait for value to pass through buffers; admission decisions are taken by then.
	c.store.Wait()
	if it.rejected.Load() {
		return fmt.Errorf("%w: admission policy refused key %q", cache.ErrRejected, key)
	}
	return nil
}

// Flush drops every entry. It holds the cache exclusively so no write straddles the clear.
func (c *Cache) Flush(_ context.Context) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	c.store.Clear()
	return nil
}

// Close stops ristretto's background goroutines. Calling it more than once is a no-op.
func (c *Cache) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.store.Close()
	return nil
}
