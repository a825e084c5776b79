package syncache

import "time"

const (
	defaultTTL            = 5 * time.Minute
	defaultSweep          = 5 * time.Minute
	defaultGenRetention   = 24 * time.Hour
	defaultMaxRetries     = 3
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultFetchTimeout   = 10 * time.Second
	defaultConfirmTimeout = 10 * time.Second
	defaultRollbackGrace  = 5 * time.Second
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
