package syncache

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking: they run on read and
// confirmation paths, sometimes while a caller is waiting.
// Wrap slow sinks with hooks/async.
type Hooks interface {
	// A stored entry was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "expired"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// Both gen bump and delete failed during Invalidate (likely backend outage).
	InvalidateOutage(key string, bumpErr, delErr error)

	// The background sweep evicted n expired entries.
	SweepEvicted(namespace string, n int)

	// A caller attached to an in-flight request instead of starting one.
	FlightJoined(key string)

	// An in-flight request was replaced by a newer one for the same key.
	FlightSuperseded(key string)

	// A result arrived for a cancelled or superseded request and was discarded.
	StaleResultDropped(key string)

	// A fetch attempt failed and another is scheduled after delay.
	FetchRetry(key string, attempt int, delay time.Duration, err error)

	// A fetch failed and the retry budget is spent.
	FetchExhausted(key string, attempts int, err error)

	// The server refused (or timed out) a confirmation; rollback is armed.
	MutationRejected(entityID string, attempt int, err error)

	// The grace period elapsed without retry; the entity reverted.
	RollbackFired(entityID string)

	// A confirmed mutation's reconciliation refetch settled.
	Reconciled(entityID string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                      {}
func (NopHooks) ProviderSetRejected(string)                   {}
func (NopHooks) InvalidateOutage(string, error, error)        {}
func (NopHooks) SweepEvicted(string, int)                     {}
func (NopHooks) FlightJoined(string)                          {}
func (NopHooks) FlightSuperseded(string)                      {}
func (NopHooks) StaleResultDropped(string)                    {}
func (NopHooks) FetchRetry(string, int, time.Duration, error) {}
func (NopHooks) FetchExhausted(string, int, error)            {}
func (NopHooks) MutationRejected(string, int, error)          {}
func (NopHooks) RollbackFired(string)                         {}
func (NopHooks) Reconciled(string, error)                     {}
