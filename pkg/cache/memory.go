// This module implements the in-memory backend: an optionally bounded cache with expirable entries.
// Eviction Policy (CLOCK Algorithm):
// When a capacity is set, entries live on a ring with a "hand" sweeping over them. When the cache is full and a new
// key needs room, the hand checks the entry it's pointing to:
//   - If the entry is expired or its reference bit is 'false', it evicts that entry and reuses its node.
//   - Otherwise it clears the reference bit, giving the entry a "second chance", and moves on.
//
// Expiration Policy (TTL with optional Reaper):
// Every read compares the entry expiry with the injected clock, so expired entries are never served. When a sweep
// interval is configured, expirable entries are also indexed into time buckets as wide as the interval, and a
// background "reaper" drops every bucket whose whole range is in the past. The reaper ticks on the injected clock and
// is stopped by Close.

package cache

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	bclock "github.com/benbjohnson/clock"

	"github.com/nobletooth/kvcache/pkg/clock"
	"github.com/nobletooth/kvcache/pkg/utils"
)

// memoryEntry represents a single entry in the cache.
type memoryEntry struct {
	key   string // The cache key for this entry.
	value []byte // The data stored for this key.
	// ref is the reference bit for the CLOCK algorithm. A value of 'true' indicates the entry has been recently
	// accessed and should be given a "second chance" before eviction. It's atomic since Get sets it under a read lock.
	ref       atomic.Bool
	expiresAt time.Time // Zero when the entry never expires.
}

// getTimeBucket rounds down the timestamp to the start of its bucket given the bucket width.
func getTimeBucket(timestamp time.Time, width time.Duration) time.Time {
	return time.Unix(0, (timestamp.UnixNano()/int64(width))*int64(width))
}

// MemoryOptions configures a Memory cache.
type MemoryOptions struct {
	Clock clock.Clock // Defaults to the wall clock.
	// Capacity bounds the number of entries; zero means unbounded. A full cache evicts with the CLOCK algorithm.
	Capacity int
	// SweepInterval is the tick of the background reaper; zero disables it and entries expire lazily on read.
	SweepInterval time.Duration
	// EvictionCallback is an optional callback run when an entry is evicted to make room for another key. It runs
	// under the cache lock, so it must not call any of the cache methods or else we'll be having a deadlock.
	EvictionCallback func(key string, value []byte)
}

type memoryNode = ringNode[*memoryEntry]

// Memory is a thread-safe in-memory KeyValueCache.
type Memory struct { // Implements KeyValueCache.
	clock    clock.Clock
	capacity int // Maximum number of entries; zero means unbounded.
	// hand is the "clock hand" that points to the next candidate for eviction on the ring.
	hand  *memoryNode
	index map[string]*memoryNode // Provides lookup for an entry by its key.
	// entries allows the hand to sweep over keys for the CLOCK eviction.
	entries *ring[*memoryEntry]
	// expiryBuckets indexes expirable entries to allow expiring a batch of keys together.
	// Only maintained when the reaper is enabled.
	expiryBuckets    map[time.Time]map[string]*memoryNode
	sweepInterval    time.Duration // Rate of the reaper goroutine removing expired keys.
	reaperHand       time.Time     // Next bucket to be cleared by the reaper goroutine.
	evictionCallback func(key string, value []byte)
	closed           bool
	stopReaper       chan struct{} // Closed by Close to stop the reaper.
	reaperDone       chan struct{} // Closed by the reaper when it exits.
	mux              sync.RWMutex  // Provides thread-safety for concurrent operations on the cache.
}

var _ KeyValueCache = (*Memory)(nil)

// NewMemory is the constructor for Memory. It starts the reaper goroutine if a sweep interval is configured;
// call Close to stop it.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Capacity < 0 {
		utils.RaiseInvariant("memory", "negative_cache_capacity",
			"Invalid capacity has been given to memory cache.", "capacity", opts.Capacity)
		opts.Capacity = 0
	}
	if opts.SweepInterval < 0 {
		utils.RaiseInvariant("memory", "negative_sweep_interval",
			"Invalid sweep interval has been given to memory cache.", "interval", opts.SweepInterval)
		opts.SweepInterval = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Wall()
	}

	c := &Memory{
		clock:            opts.Clock,
		capacity:         opts.Capacity,
		index:            make(map[string]*memoryNode, opts.Capacity),
		entries:          new(ring[*memoryEntry]),
		expiryBuckets:    make(map[time.Time]map[string]*memoryNode),
		sweepInterval:    opts.SweepInterval,
		evictionCallback: opts.EvictionCallback,
		stopReaper:       make(chan struct{}),
		reaperDone:       make(chan struct{}),
	}
	if c.sweepInterval > 0 {
		c.reaperHand = getTimeBucket(c.clock.Now(), c.sweepInterval)
		// Create the ticker before returning so that clock advances right after construction are not missed.
		go c.reaper(c.clock.Ticker(c.sweepInterval))
	} else {
		close(c.reaperDone)
	}
	return c
}

// Get retrieves a copy of the value for `key` if it is present and not expired. Accessing an entry marks it as
// recently used.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool /*found*/, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	c.mux.RLock()
	if c.closed {
		c.mux.RUnlock()
		return nil, false, ErrClosed
	}
	node, keyExists := c.index[key]
	if !keyExists {
		c.mux.RUnlock()
		return nil, false, nil
	}
	entry := node.Value
	if IsExpired(entry.expiresAt, c.clock.Now()) {
		c.mux.RUnlock()
		c.purgeIfExpired(key, node)
		return nil, false, nil
	}
	// Mark the entry as referenced (give it a second chance).
	entry.ref.Store(true)
	value := bytes.Clone(entry.value)
	c.mux.RUnlock()
	return value, true, nil
}

// purgeIfExpired drops `node` if it still holds `key` and is still expired once the write lock is held.
func (c *Memory) purgeIfExpired(key string, node *memoryNode) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed || c.index[key] != node || !IsExpired(node.Value.expiresAt, c.clock.Now()) {
		return // Overwritten, flushed or already purged in between.
	}
	c.removeNode(node)
}

// removeNode unlinks `node` from the index, its expiry bucket and the ring. NOTE: Caller should acquire lock.
func (c *Memory) removeNode(node *memoryNode) {
	entry := node.Value
	delete(c.index, entry.key)
	c.removeFromExpiryBucket(node)
	following := c.entries.Remove(node)
	// If the clock hand is pointing to the removed node, we must advance it.
	if c.hand == node {
		c.hand = following
	}
}

func (c *Memory) addToExpiryBucket(node *memoryNode) {
	if c.sweepInterval <= 0 || node.Value.expiresAt.IsZero() {
		return
	}
	bucket := getTimeBucket(node.Value.expiresAt, c.sweepInterval)
	if _, bucketExists := c.expiryBuckets[bucket]; !bucketExists {
		c.expiryBuckets[bucket] = make(map[string]*memoryNode)
	}
	c.expiryBuckets[bucket][node.Value.key] = node
}

func (c *Memory) removeFromExpiryBucket(node *memoryNode) {
	if c.sweepInterval <= 0 || node.Value.expiresAt.IsZero() {
		return
	}
	bucket := getTimeBucket(node.Value.expiresAt, c.sweepInterval)
	delete(c.expiryBuckets[bucket], node.Value.key)
	if len(c.expiryBuckets[bucket]) == 0 {
		delete(c.expiryBuckets, bucket)
	}
}

// Set inserts or replaces the entry for `key`. The new entry's expiry only depends on `opts`; a previous TTL is never
// carried over. If the cache is full, another entry is evicted with the CLOCK algorithm.
func (c *Memory) Set(_ context.Context, key string, value []byte, opts ...SetOption) error {
	setOpts, err := ResolveSetOptions(key, opts...)
	if err != nil {
		return err
	}
	value = bytes.Clone(value) // The caller keeps ownership of its buffer.

	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closed {
		return ErrClosed
	}
	expiresAt := setOpts.ExpiresAt(c.clock.Now())

	// Update existing entry.
	if node, keyExists := c.index[key]; keyExists {
		// Remove from the old time bucket before updating.
		c.removeFromExpiryBucket(node)
		entry := node.Value
		entry.value = value
		entry.ref.Store(false)
		entry.expiresAt = expiresAt
		c.addToExpiryBucket(node)
		return nil
	}

	// Add new entry (if cache is not full).
	if c.capacity == 0 || c.entries.Len() < c.capacity {
		node := c.entries.PushBack(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
		c.addToExpiryBucket(node)
		c.index[key] = node
		// Initialize clock hand if it's the first element.
		if c.hand == nil {
			c.hand = node
		}
		return nil
	}

	c.evictAndReplace(key, value, expiresAt)
	return nil
}

// evictAndReplace implements the CLOCK (Second-Chance) algorithm on a full cache. NOTE: Caller should acquire lock.
func (c *Memory) evictAndReplace(key string, value []byte, expiresAt time.Time) {
	if c.hand == nil {
		utils.RaiseInvariant("memory", "nil_clock_hand", "Full memory cache has no clock hand.",
			"capacity", c.capacity, "entries", c.entries.Len())
		c.hand = c.entries.Front()
	}
	now := c.clock.Now()
	for {
		node := c.hand
		entry := node.Value
		// Find a victim: an entry that is either unreferenced OR expired.
		if entry.ref.Load() && !IsExpired(entry.expiresAt, now) {
			// Give it a second chance by clearing its reference bit and move on.
			entry.ref.Store(false)
			c.hand = node.Next()
			continue
		}
		// Evict this entry and reuse its node for the new data.
		delete(c.index, entry.key)
		c.removeFromExpiryBucket(node)
		evictedKey, evictedValue := entry.key, entry.value
		entry.key = key
		entry.value = value
		entry.ref.Store(false)
		entry.expiresAt = expiresAt
		c.addToExpiryBucket(node)
		c.index[key] = node
		c.hand = node.Next()
		if c.evictionCallback != nil {
			c.evictionCallback(evictedKey, evictedValue)
		}
		return
	}
}

// Keys returns the keys currently held, including expired entries that have not been purged yet.
func (c *Memory) Keys() []string {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return slices.Collect(maps.Keys(c.index))
}

// Flush drops every entry along with its expiry bookkeeping.
func (c *Memory) Flush(_ context.Context) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.reset()
	return nil
}

// reset drops all entries. NOTE: Caller should acquire lock.
func (c *Memory) reset() {
	c.index = make(map[string]*memoryNode, c.capacity)
	c.expiryBuckets = make(map[time.Time]map[string]*memoryNode)
	c.entries.Clear()
	c.hand = nil
}

// Close drops every entry and stops the reaper. Calling it more than once is a no-op.
func (c *Memory) Close() error {
	c.mux.Lock()
	if c.closed {
		c.mux.Unlock()
		return nil
	}
	c.closed = true
	c.reset()
	close(c.stopReaper)
	c.mux.Unlock()
	// The reaper may be waiting on the lock; it observes `closed` once it gets it.
	<-c.reaperDone
	return nil
}

// reaper is a background goroutine that handles entry expiration. It wakes up at every tick and clears every bucket
// whose whole time range lies in the past.
func (c *Memory) reaper(ticker *bclock.Ticker) {
	defer close(c.reaperDone)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopReaper:
			return
		case <-ticker.C:
			if !c.reap() {
				return
			}
		}
	}
}

// reap clears the expired buckets and reports whether the cache is still open.
func (c *Memory) reap() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return false
	}
	now := c.clock.Now()
	if now.Before(c.reaperHand.Add(c.sweepInterval)) {
		return true // No bucket has fully passed since the last sweep.
	}
	// There can be more than one expired bucket in case of high CPU usage or a large clock jump.
	for bucket, nodes := range c.expiryBuckets {
		if now.Before(bucket.Add(c.sweepInterval)) {
			continue // Some entries of this bucket are still alive.
		}
		for _, node := range nodes {
			c.removeNode(node)
		}
		delete(c.expiryBuckets, bucket)
	}
	// Advance the reaper hand so the next cycle only wakes up for newly passed buckets.
	c.reaperHand = getTimeBucket(now, c.sweepInterval)
	return true
}
