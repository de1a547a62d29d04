// Package cache defines the time-boxed response cache shared by all
// sessions. Entries are keyed by a deterministic digest of tool name and
// canonicalized arguments so that equivalent calls share a slot.
package cache

import (
	"context"
	"time"
)

// Entry is a stored response with its creation time. An entry is valid iff
// now < CreatedAt + TTL; stores never return expired entries.
type Entry struct {
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is past its lifetime at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// DefaultTTL is the cache lifetime applied to read-only analytics lookups
// whose tools don't declare their own.
const DefaultTTL = 300 * time.Second

// Store is the response cache contract. Implementations must make Get and
// Put atomic with respect to each other per key: a reader sees either the
// previous complete entry or the new one, never a torn write.
type Store interface {
	// Get returns the entry under key, or nil if absent or expired. Expired
	// entries are lazily evicted on access.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores value under key with the given lifetime, overwriting any
	// previous entry unconditionally. A non-positive ttl is a no-op: the
	// caller opted out of caching.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Clear removes all entries and returns how many were removed. This is an
	// administrative affordance, not part of any consistency guarantee.
	Clear(ctx context.Context) (int, error)

	// Len reports the number of live entries (best effort; expired entries
	// not yet evicted may be counted).
	Len(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
