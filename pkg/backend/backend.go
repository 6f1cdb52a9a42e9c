// Package backend builds the KeyValueCache selected by flags, so binaries pick a storage medium at start-up without
// code changes.

package backend

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"

	"github.com/nobletooth/kvcache/pkg/cache"
	"github.com/nobletooth/kvcache/pkg/clock"
	"github.com/nobletooth/kvcache/pkg/diskcache"
	"github.com/nobletooth/kvcache/pkg/remote"
	"github.com/nobletooth/kvcache/pkg/tinylfu"
)

// Backend names accepted by --backend.
const (
	Memory  = "memory"
	Sharded = "sharded"
	TinyLFU = "tinylfu"
	Disk    = "disk"
	Remote  = "remote"
)

// Names lists every supported backend.
var Names = []string{Memory, Sharded, TinyLFU, Disk, Remote}

var (
	backendName = flag.String("backend", Memory,
		"Storage backend of the cache; one of memory, sharded, tinylfu, disk or remote.")

	memoryCapacity = flag.Int("memory_capacity", 0,
		"Maximum number of entries held by the memory and sharded backends; 0 means unbounded.")
	memoryShardCount = flag.Int("memory_shard_count", 16, "Number of shards of the sharded backend.")
	sweepInterval    = flag.Duration("sweep_interval", 0,
		"How often the memory and sharded backends purge expired entries in the background; 0 purges on read only.")

	diskPath   = flag.String("disk_path", "./data/kvcache.db", "File holding the entries of the disk backend.")
	diskBucket = flag.String("disk_bucket", "kvcache", "Bucket holding the entries inside --disk_path.")

	redisAddress      = flag.String("redis_address", "localhost:6379", "The ip:port of the remote backend server.")
	redisDialTimeout  = flag.Duration("redis_dial_timeout", 0, "Dial timeout of the remote backend; 0 uses 5s.")
	redisServerExpiry = flag.Bool("redis_server_expiry", false,
		"Also send TTLs to the remote server so it can reclaim expired entries.")

	tinyLFUMaxCost     = flag.Int64("tinylfu_max_cost", 64<<20, "Total bytes of values held by the tinylfu backend.")
	tinyLFUNumCounters = flag.Int64("tinylfu_num_counters", 0,
		"Admission counters of the tinylfu backend; 0 sizes them from --tinylfu_max_cost.")
)

// ErrUnknownBackend is returned for a --backend value that names no backend.
var ErrUnknownBackend = errors.New("unknown backend")

// New builds the backend named by --backend on top of `clk`, wrapped with metrics. For the remote backend, the server
// is pinged with `ctx` so a wrong address fails at start-up instead of on the first request.
func New(ctx context.Context, clk clock.Clock) (cache.KeyValueCache, error) {
	name := *backendName
	var kv cache.KeyValueCache
	switch name {
	case Memory:
		kv = cache.NewMemory(cache.MemoryOptions{
			Clock:            clk,
			Capacity:         *memoryCapacity,
			SweepInterval:    *sweepInterval,
			EvictionCallback: cache.EvictionCounter(name),
		})
	case Sharded:
		if *memoryShardCount <= 0 {
			return nil, fmt.Errorf("%w: expected a positive --memory_shard_count, got %d",
				cache.ErrInvalidArgument, *memoryShardCount)
		}
		kv = cache.NewShardedMemory(cache.MemoryOptions{
			Clock:            clk,
			Capacity:         *memoryCapacity,
			SweepInterval:    *sweepInterval,
			EvictionCallback: cache.EvictionCounter(name),
		}, *memoryShardCount)
	case TinyLFU:
		numCounters := *tinyLFUNumCounters
		if numCounters <= 0 {
			numCounters = *tinyLFUMaxCost / 100 // Assumes ~1KiB values, with ten counters per entry.
		}
		lfu, err := tinylfu.New(tinylfu.Options{Clock: clk, MaxCost: *tinyLFUMaxCost, NumCounters: numCounters})
		if err != nil {
			return nil, fmt.Errorf("failed to create tinylfu backend: %w", err)
		}
		kv = lfu
	case Disk:
		disk, err := diskcache.Open(*diskPath, diskcache.Options{Clock: clk, Bucket: *diskBucket})
		if err != nil {
			return nil, fmt.Errorf("failed to open disk backend at %s: %w", *diskPath, err)
		}
		kv = disk
	case Remote:
		client, err := remote.New(remote.Options{
			Address:      *redisAddress,
			Clock:        clk,
			DialTimeout:  *redisDialTimeout,
			ServerExpiry: *redisServerExpiry,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create remote backend: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to reach %s: %w", *redisAddress, err), client.Close())
		}
		kv = client
	default:
		return nil, fmt.Errorf("%w '%s'; expected one of %v", ErrUnknownBackend, name, Names)
	}

	slog.Info("Created cache backend.", "backend", name)
	return cache.NewInstrumented(name, kv), nil
}
