// This module implements cache sharding which distributes keys uniformly across cache shards. Since each thread-safe
// cache implementation has a mutex to avoid races between reads and writes, sharding helps by distributing the locks.
// In cases where there are multiple goroutines trying to read or write to the sharded cache, each goroutine can only
// lock the shard that their key belongs to and doesn't prevent other goroutines from accessing their intended keys.

package cache

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"

	"github.com/nobletooth/kvcache/pkg/utils"
)

// Sharded is a KeyValueCache that distributes keys across multiple underlying caches (shards).
type Sharded struct { // Implements KeyValueCache.
	shards []KeyValueCache
}

var _ KeyValueCache = (*Sharded)(nil)

// NewSharded is the constructor for Sharded. It takes a shardGenerator function, which is responsible for creating
// individual shard instances, and the desired number of shards (shardCount).
func NewSharded(shardGenerator func() KeyValueCache, shardCount int) *Sharded {
	// Ensure there is at least one shard.
	if shardCount <= 0 {
		utils.RaiseInvariant("shard", "negative_shard_count",
			"Invalid shard count has been given to sharded cache.", "shardCount", shardCount)
		shardCount = 1
	}
	sharded := &Sharded{shards: make([]KeyValueCache, shardCount)}
	for i := range shardCount {
		sharded.shards[i] = shardGenerator()
	}
	return sharded
}

// NewShardedMemory builds a sharded cache of Memory shards sharing the same options. A capacity is split evenly
// between shards, rounding up.
func NewShardedMemory(opts MemoryOptions, shardCount int) *Sharded {
	shardOpts := opts
	if shardCount > 0 && opts.Capacity > 0 {
		shardOpts.Capacity = (opts.Capacity + shardCount - 1) / shardCount
	}
	return NewSharded(func() KeyValueCache { return NewMemory(shardOpts) }, shardCount)
}

// getShard determines which shard a given key belongs to, hashing the key with xxhash.
func (s *Sharded) getShard(key string) KeyValueCache {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Get finds the appropriate shard for the key and retrieves the value from it.
func (s *Sharded) Get(ctx context.Context, key string) ([]byte, bool /*found*/, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	return s.getShard(key).Get(ctx, key)
}

// Set finds the appropriate shard for the key and stores the value in it.
func (s *Sharded) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	if _, err := ResolveSetOptions(key, opts...); err != nil {
		return err
	}
	return s.getShard(key).Set(ctx, key, value, opts...)
}

// Flush clears all items from the cache by calling Flush on every shard.
func (s *Sharded) Flush(ctx context.Context) error {
	var errs []error
	for _, shard := range s.shards {
		errs = append(errs, shard.Flush(ctx))
	}
	return errors.Join(errs...)
}

// Close closes every shard, even if some of them fail. Shards are idempotent, and so is Close.
func (s *Sharded) Close() error {
	var errs []error
	for _, shard := range s.shards {
		errs = append(errs, shard.Close())
	}
	return errors.Join(errs...)
}
