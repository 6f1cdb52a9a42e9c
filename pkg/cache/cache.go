// Package cache defines the contract every kvcache backend satisfies, and ships the in-memory backends.
// A backend stores opaque values under string keys with an optional time-to-live. Expiration is a pure function of
// the stored expiry and the injected clock, so backends may purge lazily on read or eagerly in the background as long
// as callers never observe an expired entry.

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidArgument is returned before any backend I/O for empty keys or non-positive TTLs.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBackendUnavailable wraps failures of the storage medium. A failure is never evidence of absence.
	ErrBackendUnavailable = errors.New("cache backend unavailable")
	// ErrClosed is returned by every operation invoked after Close.
	ErrClosed = errors.New("cache is closed")
	// ErrRejected is returned when a backend declines to store a write, e.g. due to admission control.
	ErrRejected = errors.New("cache write rejected")
)

// KeyValueCache is the capability every backend implements. Implementations are safe for concurrent use.
type KeyValueCache interface {
	// Set stores `value` under `key`, replacing any previous value and TTL. Without WithTTL the entry never expires.
	Set(ctx context.Context, key string, value []byte, opts ...SetOption) error
	// Get returns the value stored under `key`. Missing and expired keys yield found=false with a nil error.
	// Values are copied in and out: neither the Set buffer nor the returned slice aliases the stored entry.
	Get(ctx context.Context, key string) ( /*value*/ []byte /*found*/, bool, error)
	// Flush removes every entry. Flushing an empty cache is not an error.
	Flush(ctx context.Context) error
	// Close releases the backend resources. It is idempotent; other operations fail with ErrClosed afterward.
	Close() error
}

// SetOption customizes a single Set call.
type SetOption func(*SetOptions)

// SetOptions holds the resolved options of a Set call.
type SetOptions struct {
	TTL    time.Duration // Zero means the entry never expires.
	hasTTL bool          // Distinguishes WithTTL(0) from no TTL at all.
}

// WithTTL makes the entry expire `ttl` after it is written. The TTL must be positive.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) {
		o.TTL = ttl
		o.hasTTL = true
	}
}

// ValidateKey rejects keys that no backend may store.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: expected a non-empty key", ErrInvalidArgument)
	}
	return nil
}

// ResolveSetOptions validates the Set arguments and folds `opts` into SetOptions.
func ResolveSetOptions(key string, opts ...SetOption) (SetOptions, error) {
	if err := ValidateKey(key); err != nil {
		return SetOptions{}, err
	}
	var resolved SetOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	// A custom option may set TTL without going through WithTTL; any TTL other than "none" must be positive.
	if (resolved.hasTTL || resolved.TTL != 0) && resolved.TTL <= 0 {
		return SetOptions{}, fmt.Errorf("%w: expected a positive ttl, got %s", ErrInvalidArgument, resolved.TTL)
	}
	return resolved, nil
}

// ExpiresAt returns the absolute expiry for an entry written at `now`, or the zero time if it never expires.
func (o SetOptions) ExpiresAt(now time.Time) time.Time {
	if o.TTL <= 0 {
		return time.Time{}
	}
	return now.Add(o.TTL)
}

// IsExpired reports whether an entry expiring at `expiresAt` is dead at `now`.
// The boundary belongs to the expired side: an entry is gone exactly when now >= expiresAt.
func IsExpired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

// Unavailable wraps a backend failure so callers can match it with errors.Is(err, ErrBackendUnavailable).
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
}
