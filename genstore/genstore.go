// Package genstore keeps per-key generation counters for the cache store.
//
// A generation moves forward every time a key is invalidated. Writers snapshot the
// generation before they start a network read and commit only if it has not moved,
// so a response that was requested before an invalidation can never land after it.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use LocalGenStore (default) for in-process gens, or RedisGenStore to share them.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes generations not bumped within retention (no-op for Redis).
	Cleanup(retention time.Duration) int
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
