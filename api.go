package syncache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/syncache/codec"
	gen "github.com/unkn0wn-root/syncache/genstore"
	pr "github.com/unkn0wn-root/syncache/provider"
)

// Fetcher performs the network read for a key. The result is opaque to the cache.
type Fetcher[V any] func(ctx context.Context) (V, error)

// MutateFunc performs the network write confirming an optimistic update.
type MutateFunc[E any] func(ctx context.Context, proposed E) error

type SetCostFunc func(storageKey string, raw []byte) int64

// StoreOptions configure a Store. Only Namespace is required.
type StoreOptions struct {
	Namespace string // logical namespace to avoid collisions. e.g. "workspace:42"

	Provider       pr.Provider      // nil => in-memory provider
	GenStore       gen.GenStore     // nil => LocalGenStore (in-process)
	Logger         Logger           // nil => NopLogger
	Hooks          Hooks            // nil => NopHooks
	DefaultTTL     time.Duration    // Put with ttl <= 0; 0 => 5m
	SweepInterval  time.Duration    // 0 => 5m; < 0 disables the background sweep
	GenRetention   time.Duration    // 0 => 24h
	ComputeSetCost SetCostFunc      // default len(raw)
	Now            func() time.Time // nil => time.Now
}

// CoordinatorOptions configure the shared in-flight registry.
type CoordinatorOptions struct {
	Logger Logger // nil => the store's logger
	Hooks  Hooks  // nil => the store's hooks
}

// QueryOptions tune a single consumer. Zero values take defaults.
type QueryOptions[V any] struct {
	TTL time.Duration // 0 => 5m

	// Stale-while-revalidate is on unless disabled: a hit older than half its
	// TTL is returned immediately and refreshed in the background.
	DisableStaleWhileRevalidate bool

	RetryOnError bool          // retry transient failures
	MaxRetries   int           // retries after the first attempt; 0 => 3
	BaseDelay    time.Duration // first backoff; 0 => 1s
	MaxDelay     time.Duration // backoff cap; 0 => 30s
	FetchTimeout time.Duration // per attempt; 0 => 10s

	PollInterval time.Duration // > 0 starts polling (see Query.StartPolling)

	Codec  c.Codec[V] // nil => JSON
	Logger Logger     // nil => coordinator logger
}

// OptimisticOptions configure an optimistic mutation manager.
// ID and Mutate are required.
type OptimisticOptions[E any] struct {
	ID     func(E) string
	Mutate MutateFunc[E]

	ConfirmTimeout time.Duration // 0 => 10s
	RollbackGrace  time.Duration // 0 => 5s

	Logger Logger           // nil => query logger
	Hooks  Hooks            // nil => coordinator hooks
	Now    func() time.Time // nil => time.Now
}
