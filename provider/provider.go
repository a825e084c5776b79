// Package provider defines the byte storage abstraction under syncache.Store.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key. The store frames every
// value with its own header (generation, fetch time, expiry) and treats anything it
// cannot parse as corruption, deleting it on read.
//
// The keyspace "entry:<ns>:" is owned by syncache. External code MUST NOT write
// values under that prefix.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Must be safe for concurrent use.
//
// The TTL passed to Set is a hint for memory reclamation only. Expiry semantics
// are enforced by the store from the framed record, so providers that cannot
// honor per-entry TTLs (e.g. BigCache) are still correct.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort). Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
