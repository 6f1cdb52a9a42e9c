// Package diskcache persists cache entries in a bbolt file so they survive restarts of the process.
// Values are packed with their expiry (see cache.Pack). Expired entries are ignored on read and compacted away
// whenever the file is opened.
//
// A bloom filter over the written keys answers definite misses without opening a read transaction. The filter is
// rebuilt on open and reset on flush; overwritten keys stay in it, so only its negative answers are trusted.

package diskcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/nobletooth/kvcache/pkg/cache"
	"github.com/nobletooth/kvcache/pkg/clock"
)

const (
	defaultBucket       = "kvcache"
	defaultExpectedKeys = 100_000
	falsePositiveRate   = 0.01
)

// Options configures a Cache.
type Options struct {
	Clock clock.Clock // Defaults to the wall clock.
	// Bucket is the name of the bbolt bucket holding the entries.
	Bucket string
	// ExpectedKeys sizes the bloom filter.
	ExpectedKeys uint
	// OpenTimeout bounds the wait for the file lock held by another process.
	OpenTimeout time.Duration
}

// Cache is a persistent KeyValueCache.
type Cache struct { // Implements cache.KeyValueCache.
	clock  clock.Clock
	db     *bolt.DB
	bucket []byte
	// mux guards `closed`. Get and Set share it, while Flush and Close hold it exclusively so that a write can never
	// slip between a bucket reset and the matching filter reset.
	mux    sync.RWMutex
	closed bool

	filterMux sync.RWMutex // The bloom filter itself is not thread-safe.
	filter    *bloom.BloomFilter
}

var _ cache.KeyValueCache = (*Cache)(nil)

// Open opens or creates the cache file at `path`, dropping the entries that expired while it was closed.
func Open(path string, opts Options) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: expected a non-empty path", cache.ErrInvalidArgument)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Wall()
	}
	if opts.Bucket == "" {
		opts.Bucket = defaultBucket
	}
	if opts.ExpectedKeys == 0 {
		opts.ExpectedKeys = defaultExpectedKeys
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Second
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, cache.Unavailable("open", err)
	}
	c := &Cache{
		clock:  opts.Clock,
		db:     db,
		bucket: []byte(opts.Bucket),
		filter: bloom.NewWithEstimates(opts.ExpectedKeys, falsePositiveRate),
	}
	if err := c.load(); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return c, nil
}

// load creates the bucket if needed, compacts expired entries and fills the bloom filter with the live keys.
func (c *Cache) load() error {
	now := c.clock.Now()
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(c.bucket)
		if err != nil {
			return err
		}
		var expiredKeys [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			packed, err := cache.Unpack(v)
			if err != nil || packed.IsExpired(now) { // Corrupted entries are dropped as well.
				expiredKeys = append(expiredKeys, append([]byte(nil), k...))
				return nil
			}
			c.filter.Add(k)
			return nil
		}); err != nil {
			return err
		}
		for _, key := range expiredKeys {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return cache.Unavailable("load", err)
	}
	return nil
}

func (c *Cache) mightContain(key []byte) bool {
	c.filterMux.RLock()
	defer c.filterMux.RUnlock()
	return c.filter.Test(key)
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
	if !c.mightContain([]byte(key)) {
		return nil, false, nil
	}

	var packed []byte
	if err := c.db.View(func(tx *bolt.Tx) error {
		// Values are only valid during the transaction, so they must be copied out.
		if stored := tx.Bucket(c.bucket).Get([]byte(key)); stored != nil {
			packed = append([]byte(nil), stored...)
		}
		return nil
	}); err != nil {
		return nil, false, cache.Unavailable("get", err)
	}
	if packed == nil {
		return nil, false, nil
	}
	unpacked, err := cache.Unpack(packed)
	if err != nil {
		return nil, false, cache.Unavailable("get", fmt.Errorf("failed to unpack value of key %q: %w", key, err))
	}
	if unpacked.IsExpired(c.clock.Now()) {
		return nil, false, nil
	}
	return unpacked.Value, true, nil
}

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

	// The key joins the filter before the write commits, so a reader never misses a committed key.
	c.filterMux.Lock()
	c.filter.Add([]byte(key))
	c.filterMux.Unlock()

	packed := cache.Pack(value, setOpts.ExpiresAt(c.clock.Now()))
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.bucket).Put([]byte(key), packed)
	}); err != nil {
		return cache.Unavailable("set", err)
	}
	return nil
}

// Flush drops the bucket and recreates it empty.
func (c *Cache) Flush(_ context.Context) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(c.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(c.bucket)
		return err
	}); err != nil {
		return cache.Unavailable("flush", err)
	}
	c.filterMux.Lock()
	c.filter.ClearAll()
	c.filterMux.Unlock()
	return nil
}

// Close releases the file. Calling it more than once is a no-op.
func (c *Cache) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.db.Close(); err != nil {
		return cache.Unavailable("close", err)
	}
	return nil
}
