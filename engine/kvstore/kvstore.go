// Package kvstore defines the persisted-state boundary used by engine
// components that mirror small records outside their own memory, together
// with an in-memory reference implementation.
//
// The dedup cache mirrors completed acknowledgments through a KVStore so a
// rebuilt cache keeps answering within the TTL horizon. Backends are
// expected to honor per-record TTLs; callers treat every operation as
// best-effort cache traffic, not durable state.
package kvstore

import (
	"context"
	"time"
)

// KVStore is a byte-oriented key/value store with per-record TTLs.
type KVStore interface {
	// Put stores value under key. A positive ttl bounds the record's
	// lifetime; ttl <= 0 keeps it until deleted.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key. The boolean is false when the
	// key is absent or its record has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the backend. Operations after Close return ErrClosed.
	Close() error
}
