package syncache

import (
	"context"
	"errors"
	"sync"
	"time"

	c "github.com/unkn0wn-root/syncache/codec"
)

// State is what a view renders for a query.
type State[V any] struct {
	Data      V
	HasData   bool
	Loading   bool
	Err       error // last read failure; cleared by the next success
	Stale     bool  // data is past its revalidation point or was invalidated
	FetchedAt time.Time
}

// Query is one consumer of a cache key. Queries for the same key share
// in-flight requests through their Coordinator.
type Query[V any] struct {
	coord *Coordinator
	codec c.Codec[V]
	base  Logger

	ttl    time.Duration
	swr    bool
	policy retryPolicy

	mu        sync.Mutex
	key       string
	fetch     Fetcher[V]
	epoch     uint64 // bumped by SetKey; older results are ignored
	life      context.Context
	kill      context.CancelFunc
	closed    bool
	state     State[V]
	inflight  int
	bgRunning bool
	log       Logger
	listeners map[int]func(State[V])
	nextL     int
	poll      *poller
}

func NewQuery[V any](coord *Coordinator, key string, fetch Fetcher[V], opts QueryOptions[V]) *Query[V] {
	q := &Query[V]{
		coord:     coord,
		key:       key,
		fetch:     fetch,
		listeners: make(map[int]func(State[V])),
	}
	q.codec = coalesce[c.Codec[V]](opts.Codec, c.JSON[V]{})
	q.base = coalesce[Logger](opts.Logger, coord.log)
	q.log = q.base.With(Fields{"key": key})
	q.ttl = coalesce(opts.TTL, defaultTTL)
	q.swr = !opts.DisableStaleWhileRevalidate
	q.policy = retryPolicy{
		enabled:    opts.RetryOnError,
		maxRetries: coalesce(opts.MaxRetries, defaultMaxRetries),
		baseDelay:  coalesce(opts.BaseDelay, defaultBaseDelay),
		maxDelay:   coalesce(opts.MaxDelay, defaultMaxDelay),
		timeout:    coalesce(opts.FetchTimeout, defaultFetchTimeout),
	}
	q.life, q.kill = context.WithCancel(context.Background())
	if opts.PollInterval > 0 {
		q.StartPolling(opts.PollInterval)
	}
	return q
}

// Key returns the key the query currently reads.
func (q *Query[V]) Key() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.key
}

// Read returns the cached value if it is still valid, without waiting on the
// network. Past half of the entry's TTL a background refresh is started (or
// joined). Without a valid entry Read waits for a fresh value.
//
// On failure the returned value is the last known good data (zero if none).
func (q *Query[V]) Read(ctx context.Context) (V, error) {
	snap, err := q.snapshot()
	if err != nil {
		var zero V
		return zero, err
	}

	entry, ok, gerr := q.coord.store.Get(ctx, snap.key)
	if gerr != nil {
		snap.log.Warn("cache read failed", Fields{"err": gerr})
	}
	if ok {
		v, derr := q.codec.Decode(entry.Value)
		if derr == nil {
			stale := !q.coord.store.Now().Before(entry.StaleAt())
			q.update(snap.epoch, func(s *State[V]) {
				s.Data, s.HasData, s.FetchedAt, s.Stale = v, true, entry.FetchedAt, stale
			})
			if stale && q.swr {
				q.revalidate(snap)
			}
			return v, nil
		}
		// written by a different type or codec; refetch over it
		snap.log.Warn("cached value undecodable", Fields{"err": derr})
	}
	return q.load(ctx, snap)
}

// Refetch bypasses the cache and waits for a network result, attaching to a
// request already in flight for the key when there is one.
func (q *Query[V]) Refetch(ctx context.Context) (V, error) {
	snap, err := q.snapshot()
	if err != nil {
		var zero V
		return zero, err
	}
	return q.load(ctx, snap)
}

// Invalidate evicts the key so the next Read goes to the network.
// Data already shown stays in State, marked stale.
func (q *Query[V]) Invalidate(ctx context.Context) error {
	snap, err := q.snapshot()
	if err != nil {
		return err
	}
	err = q.coord.Invalidate(ctx, snap.key)
	q.update(snap.epoch, func(s *State[V]) { s.Stale = s.HasData })
	return err
}

// Peek returns the cached value without any network access, falling back to
// the last value this query observed.
func (q *Query[V]) Peek() (V, bool) {
	snap, err := q.snapshot()
	if err == nil {
		if entry, ok, _ := q.coord.store.Get(context.Background(), snap.key); ok {
			if v, derr := q.codec.Decode(entry.Value); derr == nil {
				return v, true
			}
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Data, q.state.HasData
}

// State returns a copy of the query's observable state.
func (q *Query[V]) State() State[V] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// OnChange registers fn to run after every state change. fn runs on the
// goroutine that caused the change and must not block.
func (q *Query[V]) OnChange(fn func(State[V])) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextL
	q.nextL++
	q.listeners[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// SetKey points the query at a different resource. Requests made for the old
// key are abandoned and their results ignored; state starts empty.
func (q *Query[V]) SetKey(key string, fetch Fetcher[V]) {
	q.mu.Lock()
	if q.closed || (key == q.key && fetch == nil) {
		q.mu.Unlock()
		return
	}
	q.kill()
	q.life, q.kill = context.WithCancel(context.Background())
	q.key = key
	if fetch != nil {
		q.fetch = fetch
	}
	q.epoch++
	q.state = State[V]{}
	q.inflight = 0
	q.bgRunning = false
	q.log = q.base.With(Fields{"key": key})
	s := q.state
	ls := q.listenersLocked()
	q.mu.Unlock()

	for _, fn := range ls {
		fn(s)
	}
}

// Close tears the query down: pending waits return, requests nobody else
// waits for are cancelled, polling stops.
func (q *Query[V]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.kill()
	p := q.poll
	q.poll = nil
	q.mu.Unlock()

	if p != nil {
		p.close()
	}
}

type querySnap[V any] struct {
	key   string
	fetch Fetcher[V]
	epoch uint64
	life  context.Context
	log   Logger
}

func (q *Query[V]) snapshot() (querySnap[V], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return querySnap[V]{}, ErrClosed
	}
	return querySnap[V]{key: q.key, fetch: q.fetch, epoch: q.epoch, life: q.life, log: q.log}, nil
}

func (q *Query[V]) attempt(fetch Fetcher[V], key string) attempt {
	return func(ctx context.Context) (any, []byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, nil, err
		}
		raw, err := q.codec.Encode(v)
		if err != nil {
			return nil, nil, &encodeError{key: key, err: err}
		}
		return v, raw, nil
	}
}

func (q *Query[V]) load(ctx context.Context, snap querySnap[V]) (V, error) {
	// the wait ends with the caller or with the query, whichever goes first
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(snap.life, cancel)
	defer stop()

	q.update(snap.epoch, func(*State[V]) { q.inflight++ })
	defer q.update(snap.epoch, func(*State[V]) {
		if q.inflight > 0 {
			q.inflight--
		}
	})

	for {
		f := q.coord.acquire(wctx, snap.key, q.ttl, q.policy, q.attempt(snap.fetch, snap.key))
		done, err := q.coord.wait(wctx, f)
		if err != nil {
			if snap.life.Err() != nil && ctx.Err() == nil {
				err = q.endedErr()
			}
			return q.lastGood(), err
		}
		if errors.Is(done.err, ErrCancelled) {
			// abandoned underneath us; start over
			continue
		}
		if done.err != nil {
			q.update(snap.epoch, func(s *State[V]) { s.Err = done.err })
			return q.lastGood(), done.err
		}

		v, ok := done.val.(V)
		if !ok {
			var derr error
			if v, derr = q.codec.Decode(done.entry.Value); derr != nil {
				q.update(snap.epoch, func(s *State[V]) { s.Err = derr })
				return q.lastGood(), derr
			}
		}
		q.update(snap.epoch, func(s *State[V]) {
			s.Data, s.HasData, s.Err, s.Stale, s.FetchedAt = v, true, nil, false, done.entry.FetchedAt
		})
		return v, nil
	}
}

func (q *Query[V]) revalidate(snap querySnap[V]) {
	q.mu.Lock()
	if q.bgRunning || q.epoch != snap.epoch {
		q.mu.Unlock()
		return
	}
	q.bgRunning = true
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			if q.epoch == snap.epoch {
				q.bgRunning = false
			}
			q.mu.Unlock()
		}()
		if _, err := q.load(snap.life, snap); err != nil && snap.life.Err() == nil {
			snap.log.Debug("background revalidation failed", Fields{"err": err})
		}
	}()
}

// endedErr explains why the query's lifecycle ended under a waiter.
func (q *Query[V]) endedErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return ErrCancelled // re-keyed by SetKey
}

func (q *Query[V]) lastGood() V {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Data
}

// update applies fn to the state unless SetKey moved on since epoch, then
// notifies listeners outside the lock.
func (q *Query[V]) update(epoch uint64, fn func(*State[V])) {
	q.mu.Lock()
	if q.epoch != epoch {
		q.mu.Unlock()
		return
	}
	fn(&q.state)
	q.state.Loading = q.inflight > 0
	s := q.state
	ls := q.listenersLocked()
	q.mu.Unlock()

	for _, fn := range ls {
		fn(s)
	}
}

func (q *Query[V]) listenersLocked() []func(State[V]) {
	if len(q.listeners) == 0 {
		return nil
	}
	out := make([]func(State[V]), 0, len(q.listeners))
	for _, fn := range q.listeners {
		out = append(out, fn)
	}
	return out
}
