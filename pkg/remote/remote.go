// Package remote is a KeyValueCache backed by a Redis-protocol server, such as kvcached or Redis itself.
// Values travel packed with an expiry computed from the injected clock, so expiration is decided on the client and
// stays deterministic under a virtual clock. With ServerExpiry the server is also told the TTL, which lets it reclaim
// the memory of entries nobody reads again.

package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nobletooth/kvcache/pkg/cache"
	"github.com/nobletooth/kvcache/pkg/clock"
)

// Options configures a Cache.
type Options struct {
	Address     string
	Clock       clock.Clock // Defaults to the wall clock.
	DialTimeout time.Duration
	// ServerExpiry also sends the TTL to the server. Only enable it when the server clock and the injected clock
	// agree; otherwise the server may drop entries the client still considers alive.
	ServerExpiry bool
}

// Cache talks to a single Redis-protocol endpoint.
type Cache struct { // Implements cache.KeyValueCache.
	clock        clock.Clock
	client       *redis.Client
	serverExpiry bool

	mux    sync.RWMutex
	closed bool
}

var _ cache.KeyValueCache = (*Cache)(nil)

// New creates a client for `opts.Address`. Connections are made lazily, so an unreachable server surfaces as
// ErrBackendUnavailable on the first operation rather than here.
func New(opts Options) (*Cache, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("%w: expected a non-empty address", cache.ErrInvalidArgument)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Wall()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Address,
		DialTimeout: opts.DialTimeout,
		Protocol:    2,
		MaxRetries:  -1, // Failures are reported to the caller, never retried.
	})
	return &Cache{clock: opts.Clock, client: client, serverExpiry: opts.ServerExpiry}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool /*found*/, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, false, err
	}
	c.mux.RLock()
	defer c.mux.RUnlock()
	if c.closed {
		return nil, false, cache.ErrClosed
	}

	packed, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, cache.Unavailable("get", err)
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

func (c *Cache) Set(ctx context.Context, key string, value []byte, opts ...cache.SetOption) error {
	setOpts, err := cache.ResolveSetOptions(key, opts...)
	if err != nil {
		return err
	}
	c.mux.RLock()
	defer c.mux.RUnlock()
	if c.closed {
		return cache.ErrClosed
	}

	var serverTTL time.Duration // Zero keeps the key on the server until it is overwritten or flushed.
	if c.serverExpiry {
		serverTTL = setOpts.TTL
	}
	packed := cache.Pack(value, setOpts.ExpiresAt(c.clock.Now()))
	if err := c.client.Set(ctx, key, packed, serverTTL).Err(); err != nil {
		return cache.Unavailable("set", err)
	}
	return nil
}

// Ping checks that the server answers.
func (c *Cache) Ping(ctx context.Context) error {
	c.mux.RLock()
	defer c.mux.RUnlock()
	if c.closed {
		return cache.ErrClosed
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return cache.Unavailable("ping", err)
	}
	return nil
}

// Flush empties the selected database of the server.
func (c *Cache) Flush(ctx context.Context) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return cache.ErrClosed
	}
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return cache.Unavailable("flush", err)
	}
	return nil
}

// Close releases the connection pool. Calling it more than once is a no-op.
func (c *Cache) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.client.Close(); err != nil {
		return cache.Unavailable("close", err)
	}
	return nil
}
