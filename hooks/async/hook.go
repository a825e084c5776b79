// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	    JoinEvery:     100,
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, _ := syncache.NewStore(syncache.StoreOptions{
//	    Namespace: "app:prod:tasks",
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/syncache"
)

// Hooks forwards events to inner on a bounded worker pool. Events that do not
// fit in the queue are dropped and counted.
type Hooks struct {
	inner   syncache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ syncache.Hooks = (*Hooks)(nil)

func New(inner syncache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped is the number of events lost to a full queue or a closed pool.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)         { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) SweepEvicted(ns string, n int) {
	h.try(func() { h.inner.SweepEvicted(ns, n) })
}
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(k, be, de) })
}
func (h *Hooks) FlightJoined(k string)       { h.try(func() { h.inner.FlightJoined(k) }) }
func (h *Hooks) FlightSuperseded(k string)   { h.try(func() { h.inner.FlightSuperseded(k) }) }
func (h *Hooks) StaleResultDropped(k string) { h.try(func() { h.inner.StaleResultDropped(k) }) }
func (h *Hooks) FetchRetry(k string, n int, d time.Duration, err error) {
	h.try(func() { h.inner.FetchRetry(k, n, d, err) })
}
func (h *Hooks) FetchExhausted(k string, n int, err error) {
	h.try(func() { h.inner.FetchExhausted(k, n, err) })
}
func (h *Hooks) MutationRejected(id string, n int, err error) {
	h.try(func() { h.inner.MutationRejected(id, n, err) })
}
func (h *Hooks) RollbackFired(id string) { h.try(func() { h.inner.RollbackFired(id) }) }
func (h *Hooks) Reconciled(id string, err error) {
	h.try(func() { h.inner.Reconciled(id, err) })
}
