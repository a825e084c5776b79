package syncache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// flight is the single outstanding request for a key.
//
// Waiters are counted so the request can be cancelled once nobody wants its
// result. A flight started under an older generation is superseded by the next
// caller: its waiters move to the successor and its result is discarded.
type flight struct {
	id   string
	key  string
	gen  uint64
	ttl  time.Duration
	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}

	// guarded by Coordinator.mu
	waiters   int
	cancelled bool
	next      *flight

	// written before done is closed
	val   any
	entry Entry
	err   error
}

// attempt runs one request to completion: fetch, retry, encode.
type attempt func(ctx context.Context) (val any, raw []byte, err error)

type retryPolicy struct {
	enabled    bool
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
}

// Coordinator deduplicates requests per key across every Query sharing it.
// Create one per Store.
type Coordinator struct {
	store *Store
	log   Logger
	hooks Hooks

	mu      sync.Mutex
	flights map[string]*flight
}

func NewCoordinator(store *Store, opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		store:   store,
		log:     coalesce[Logger](opts.Logger, store.log),
		hooks:   coalesce[Hooks](opts.Hooks, store.hooks),
		flights: make(map[string]*flight),
	}
}

// Store returns the underlying cache store.
func (c *Coordinator) Store() *Store { return c.store }

// Invalidate evicts key from the store. A request already in flight for it
// keeps running for its waiters but can no longer commit, and the next
// read or refetch replaces it.
func (c *Coordinator) Invalidate(ctx context.Context, key string) error {
	return c.store.Invalidate(ctx, key)
}

// InFlight reports whether a request for key is outstanding.
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[key]
	return ok
}

// acquire attaches the caller to the live flight for key, or starts one.
// The caller counts as a waiter and must either wait on the flight or leave it.
func (c *Coordinator) acquire(ctx context.Context, key string, ttl time.Duration, p retryPolicy, run attempt) *flight {
	g := c.store.SnapshotGen(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.flights[key]
	// cur.gen > g: it started after an invalidation our snapshot missed
	if cur != nil && cur.gen >= g {
		cur.waiters++
		c.hooks.FlightJoined(key)
		c.log.Debug("joined in-flight request", Fields{"key": key, "flight": cur.id})
		return cur
	}

	f := c.startLocked(key, g, ttl, p, run)
	f.waiters = 1
	if cur != nil {
		// older generation: the result predates an invalidation
		f.waiters += cur.waiters
		cur.next = f
		c.cancelLocked(cur)
		c.hooks.FlightSuperseded(key)
		c.log.Debug("superseded in-flight request", Fields{"key": key, "flight": cur.id, "by": f.id})
	}
	return f
}

func (c *Coordinator) startLocked(key string, g uint64, ttl time.Duration, p retryPolicy, run attempt) *flight {
	ctx, stop := context.WithCancel(context.Background())
	f := &flight{
		id:   uuid.NewString(),
		key:  key,
		gen:  g,
		ttl:  ttl,
		ctx:  ctx,
		stop: stop,
		done: make(chan struct{}),
	}
	c.flights[key] = f
	go c.run(f, p, run)
	return f
}

// cancelLocked releases f's waiters (to f.next, if set) and discards its result.
func (c *Coordinator) cancelLocked(f *flight) {
	if f.cancelled {
		return
	}
	f.cancelled = true
	f.err = ErrCancelled
	f.stop()
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	close(f.done)
}

// wait blocks until f (or its successor) settles or ctx ends.
func (c *Coordinator) wait(ctx context.Context, f *flight) (*flight, error) {
	for {
		select {
		case <-f.done:
			c.mu.Lock()
			next := f.next
			c.mu.Unlock()
			if next != nil {
				f = next
				continue
			}
			return f, nil
		case <-ctx.Done():
			c.leave(f)
			return nil, ctx.Err()
		}
	}
}

// leave drops one waiter from f's live successor chain and cancels the
// request once nobody is waiting.
func (c *Coordinator) leave(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f.next != nil {
		f = f.next
	}
	if f.cancelled {
		return
	}
	select {
	case <-f.done:
		return
	default:
	}
	f.waiters--
	if f.waiters <= 0 {
		c.cancelLocked(f)
		c.log.Debug("cancelled abandoned request", Fields{"key": f.key, "flight": f.id})
	}
}

func (c *Coordinator) current(f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !f.cancelled && c.flights[f.key] == f
}

func (c *Coordinator) run(f *flight, p retryPolicy, run attempt) {
	val, raw, err := c.attempts(f, p, run)

	if !c.current(f) {
		c.hooks.StaleResultDropped(f.key)
		c.log.Debug("dropped result of cancelled request", Fields{"key": f.key, "flight": f.id})
		return
	}

	var entry Entry
	if err == nil {
		e, ok, perr := c.store.putWithGen(f.ctx, f.key, raw, f.gen, f.ttl, func() bool { return c.current(f) })
		switch {
		case errors.Is(perr, errCommitRefused):
			// cancelled between the fetch settling and the write
			c.hooks.StaleResultDropped(f.key)
			c.log.Debug("dropped result of cancelled request", Fields{"key": f.key, "flight": f.id})
			return
		case perr != nil:
			// still a good value for the waiters; only caching failed
			c.log.Warn("commit failed", Fields{"key": f.key, "err": perr})
		case !ok:
			c.log.Debug("result not cached (invalidated while in flight)", Fields{"key": f.key})
		default:
			entry = e
		}
		if entry.FetchedAt.IsZero() {
			now := c.store.Now()
			entry = Entry{Key: f.key, Value: raw, Gen: f.gen, FetchedAt: now, ExpiresAt: now.Add(f.ttl)}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.cancelled {
		// superseded while committing; the successor owns the waiters
		c.hooks.StaleResultDropped(f.key)
		return
	}
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	f.val, f.entry, f.err = val, entry, err
	f.stop()
	close(f.done)
}

func (c *Coordinator) attempts(f *flight, p retryPolicy, run attempt) (any, []byte, error) {
	for n := 1; ; n++ {
		actx, cancel := context.WithTimeout(f.ctx, p.timeout)
		res, err := within(actx, func(ctx context.Context) (fetched, error) {
			val, raw, err := run(ctx)
			return fetched{val: val, raw: raw}, err
		})
		cancel()
		if err == nil {
			return res.val, res.raw, nil
		}
		if f.ctx.Err() != nil {
			return nil, nil, ErrCancelled
		}
		var enc *encodeError
		if errors.As(err, &enc) {
			return nil, nil, err
		}
		if !p.enabled || n > p.maxRetries || !transient(err) {
			c.hooks.FetchExhausted(f.key, n, err)
			c.log.Warn("fetch failed", Fields{"key": f.key, "attempts": n, "err": err})
			return nil, nil, &ExhaustedError{Key: f.key, Attempts: n, Last: err}
		}

		delay := p.delay(n)
		c.hooks.FetchRetry(f.key, n, delay, err)
		c.log.Warn("fetch failed, retrying", Fields{"key": f.key, "attempt": n, "delay": delay, "err": err})

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-f.ctx.Done():
			t.Stop()
			return nil, nil, ErrCancelled
		}
	}
}

type fetched struct {
	val any
	raw []byte
}

// within runs fn under ctx and returns as soon as ctx ends, whether or not fn
// honours it. A result that arrives after ctx ended is discarded.
func within[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err == nil && ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// transient reports whether err may succeed on retry. Network failures always
// may (net reports a refused connection as non-temporary, but a server that
// is down now can be up on the next attempt). Otherwise errors are transient
// unless their chain says otherwise through Temporary() bool.
func transient(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Temporary() bool { return false }

// delay is base * 2^(attempt-1), capped at maxDelay.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay || d <= 0 {
			return p.maxDelay
		}
	}
	if d > p.maxDelay {
		return p.maxDelay
	}
	return d
}

// encodeError marks a local serialization failure; it is never retried.
type encodeError struct {
	key string
	err error
}

func (e *encodeError) Error() string { return fmt.Sprintf("syncache: encode %q: %v", e.key, e.err) }
func (e *encodeError) Unwrap() error { return e.err }
