package syncache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UpdateState is the lifecycle position of an optimistic update.
type UpdateState int

const (
	// Pending: the confirmation call is running.
	Pending UpdateState = iota + 1
	// RollbackArmed: confirmation failed; the entity reverts at RollbackDeadline
	// unless Retry is called.
	RollbackArmed
	// Reconciling: the server accepted the change; the proposed value stays
	// visible until the collection has been refetched.
	Reconciling
)

func (s UpdateState) String() string {
	switch s {
	case Pending:
		return "pending"
	case RollbackArmed:
		return "rollback_armed"
	case Reconciling:
		return "reconciling"
	default:
		return "idle"
	}
}

// Update is a snapshot of one entity's optimistic change.
type Update[E any] struct {
	EntityID         string
	// Previous is the cached entity when the update was applied. It is for
	// display only; reverting removes the overlay and shows whatever the
	// collection holds by then.
	Previous         E
	HadPrevious      bool // false when the entity did not exist (creation)
	Proposed         E
	AppliedAt        time.Time
	RollbackDeadline time.Time // zero unless RollbackArmed
	Attempt          int
	AttemptID        string
	State            UpdateState
	Err              error // *MutationRejectedError while RollbackArmed
}

type pendingUpdate[E any] struct {
	Update[E]
	seq    uint64 // application order, for appending created entities
	timer  *time.Timer
	cancel context.CancelFunc
}

// release stops the rollback timer and abandons the confirmation call.
func (u *pendingUpdate[E]) release() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
}

// Optimistic overlays pending entity changes on the collection read by a
// Query and confirms them against the server.
type Optimistic[E any] struct {
	q       *Query[[]E]
	id      func(E) string
	mutate  MutateFunc[E]
	timeout time.Duration
	grace   time.Duration
	log     Logger
	hooks   Hooks
	now     func() time.Time

	life  context.Context
	kill  context.CancelFunc
	unsub func()
	wg    sync.WaitGroup

	mu        sync.Mutex
	pending   map[string]*pendingUpdate[E]
	seq       uint64
	closed    bool
	listeners map[int]func([]E)
	nextL     int
}

func NewOptimistic[E any](q *Query[[]E], opts OptimisticOptions[E]) (*Optimistic[E], error) {
	if q == nil {
		return nil, errors.New("syncache: query is required")
	}
	if opts.ID == nil {
		return nil, errors.New("syncache: ID func is required")
	}
	if opts.Mutate == nil {
		return nil, errors.New("syncache: Mutate func is required")
	}
	o := &Optimistic[E]{
		q:         q,
		id:        opts.ID,
		mutate:    opts.Mutate,
		pending:   make(map[string]*pendingUpdate[E]),
		listeners: make(map[int]func([]E)),
	}
	o.timeout = coalesce(opts.ConfirmTimeout, defaultConfirmTimeout)
	o.grace = coalesce(opts.RollbackGrace, defaultRollbackGrace)
	o.log = coalesce[Logger](opts.Logger, q.coord.log)
	o.hooks = coalesce[Hooks](opts.Hooks, q.coord.hooks)
	o.now = opts.Now
	if o.now == nil {
		o.now = time.Now
	}
	o.life, o.kill = context.WithCancel(context.Background())
	// cache changes move the merged view too
	o.unsub = q.OnChange(func(State[[]E]) { o.notify() })
	return o, nil
}

// Apply records proposed as the visible value of id and returns the merged
// view. The confirmation call starts only after Apply has returned. A previous
// update of the same entity is replaced: its timer is cancelled and its
// confirmation outcome ignored.
func (o *Optimistic[E]) Apply(id string, proposed E) []E {
	base, _ := o.q.Peek()
	prev, had := find(base, id, o.id)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return o.merge(base)
	}
	if old := o.pending[id]; old != nil {
		old.release()
	}
	o.seq++
	u := &pendingUpdate[E]{
		Update: Update[E]{
			EntityID:    id,
			Previous:    prev,
			HadPrevious: had,
			Proposed:    proposed,
			AppliedAt:   o.now(),
			Attempt:     1,
			AttemptID:   uuid.NewString(),
			State:       Pending,
		},
		seq: o.seq,
	}
	o.pending[id] = u
	gate := make(chan struct{})
	o.confirmLocked(u, gate)
	merged := o.mergeLocked(base)
	o.mu.Unlock()

	o.log.Debug("optimistic update applied", Fields{"entity": id, "attempt": u.AttemptID})
	o.notify()
	close(gate)
	return merged
}

// Retry re-sends the recorded proposed value of an entity whose confirmation
// failed, cancelling the armed rollback.
func (o *Optimistic[E]) Retry(id string) error {
	o.mu.Lock()
	u := o.pending[id]
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrClosed
	case u == nil || u.State == Reconciling:
		o.mu.Unlock()
		return ErrNoPendingUpdate
	case u.State == Pending:
		o.mu.Unlock()
		return ErrConfirmInFlight
	}
	u.release()
	u.Attempt++
	u.AttemptID = uuid.NewString()
	u.State = Pending
	u.Err = nil
	u.RollbackDeadline = time.Time{}
	o.confirmLocked(u, nil)
	attempt := u.Attempt
	o.mu.Unlock()

	o.log.Info("retrying rejected mutation", Fields{"entity": id, "attempt": attempt})
	o.notify()
	return nil
}

// Rollback discards the entity's update immediately; the merged view shows
// the collection's current value again. That is Update.Previous unless the
// collection was refreshed since, in which case the server's newer value
// shows, and a created entity disappears. Timed rollbacks behave the same.
func (o *Optimistic[E]) Rollback(id string) error {
	o.mu.Lock()
	u := o.pending[id]
	if u == nil {
		o.mu.Unlock()
		return ErrNoPendingUpdate
	}
	u.release()
	delete(o.pending, id)
	o.mu.Unlock()

	o.log.Info("optimistic update rolled back", Fields{"entity": id})
	o.notify()
	return nil
}

// HasPending reports whether id has an unconfirmed change (Pending or RollbackArmed).
func (o *Optimistic[E]) HasPending(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	u := o.pending[id]
	return u != nil && u.State != Reconciling
}

// Pending returns the entity's current update, if any.
func (o *Optimistic[E]) Pending(id string) (Update[E], bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	u := o.pending[id]
	if u == nil {
		return Update[E]{}, false
	}
	return u.Update, true
}

// Merged returns the collection with every active update applied.
func (o *Optimistic[E]) Merged() []E {
	base, _ := o.q.Peek()
	return o.merge(base)
}

// OnChange registers fn to receive the merged view after every change.
func (o *Optimistic[E]) OnChange(fn func([]E)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextL
	o.nextL++
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Close cancels confirmations and timers and waits for their goroutines to
// finish. A Mutate that ignores its context is abandoned, not awaited.
// Pending updates are dropped.
func (o *Optimistic[E]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for id, u := range o.pending {
		u.release()
		delete(o.pending, id)
	}
	o.mu.Unlock()

	o.unsub()
	o.kill()
	o.wg.Wait()
}

// confirmLocked starts the confirmation call for u's current attempt.
// The call waits for gate (if non-nil) so it never precedes Apply's return.
func (o *Optimistic[E]) confirmLocked(u *pendingUpdate[E], gate <-chan struct{}) {
	ctx, cancel := context.WithCancel(o.life)
	u.cancel = cancel
	id, attemptID, attempt, proposed := u.EntityID, u.AttemptID, u.Attempt, u.Proposed

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		if gate != nil {
			<-gate
		}

		// a call still running at the deadline counts as failed, even if it
		// later succeeds; its outcome is never observed
		cctx, stop := context.WithTimeout(ctx, o.timeout)
		_, err := within(cctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.mutate(ctx, proposed)
		})
		stop()

		if err != nil {
			o.reject(id, attemptID, attempt, err)
			return
		}
		o.confirmed(id, attemptID)
	}()
}

func (o *Optimistic[E]) reject(id, attemptID string, attempt int, err error) {
	o.mu.Lock()
	u := o.pending[id]
	if o.closed || u == nil || u.AttemptID != attemptID {
		o.mu.Unlock()
		o.log.Debug("ignored outcome of superseded attempt", Fields{"entity": id, "attempt": attemptID})
		return
	}
	rej := &MutationRejectedError{EntityID: id, Attempt: attempt, Err: err}
	u.cancel = nil
	u.State = RollbackArmed
	u.Err = rej
	u.RollbackDeadline = o.now().Add(o.grace)
	u.timer = time.AfterFunc(o.grace, func() { o.expire(id, attemptID) })
	o.mu.Unlock()

	o.hooks.MutationRejected(id, attempt, err)
	o.log.Warn("mutation rejected, rollback armed", Fields{"entity": id, "attempt": attempt, "grace": o.grace, "err": err})
	o.notify()
}

func (o *Optimistic[E]) confirmed(id, attemptID string) {
	o.mu.Lock()
	u := o.pending[id]
	if o.closed || u == nil || u.AttemptID != attemptID {
		o.mu.Unlock()
		o.log.Debug("ignored outcome of superseded attempt", Fields{"entity": id, "attempt": attemptID})
		return
	}
	u.cancel = nil
	u.State = Reconciling
	u.Err = nil
	o.mu.Unlock()
	o.notify()

	// converge with server truth; the overlay holds the confirmed value meanwhile
	err := o.q.Invalidate(o.life)
	if err == nil {
		_, err = o.q.Refetch(o.life)
	}
	if err != nil && o.life.Err() == nil {
		o.log.Warn("reconciliation refetch failed", Fields{"entity": id, "err": err})
	}

	o.mu.Lock()
	if u := o.pending[id]; u != nil && u.AttemptID == attemptID {
		delete(o.pending, id)
	}
	o.mu.Unlock()

	o.hooks.Reconciled(id, err)
	o.notify()
}

func (o *Optimistic[E]) expire(id, attemptID string) {
	o.mu.Lock()
	u := o.pending[id]
	if u == nil || u.AttemptID != attemptID || u.State != RollbackArmed {
		o.mu.Unlock()
		return
	}
	u.timer = nil
	delete(o.pending, id)
	o.mu.Unlock()

	o.hooks.RollbackFired(id)
	o.log.Info("rollback grace elapsed, entity reverted", Fields{"entity": id})
	o.notify()
}

func (o *Optimistic[E]) merge(base []E) []E {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mergeLocked(base)
}

// mergeLocked overlays active updates on base. An update always wins over the
// cached entity; updates for entities base lacks are appended in apply order.
func (o *Optimistic[E]) mergeLocked(base []E) []E {
	out := make([]E, 0, len(base)+len(o.pending))
	seen := make(map[string]bool, len(o.pending))
	for _, e := range base {
		id := o.id(e)
		if u := o.pending[id]; u != nil {
			out = append(out, u.Proposed)
			seen[id] = true
			continue
		}
		out = append(out, e)
	}
	var extra []*pendingUpdate[E]
	for id, u := range o.pending {
		if !seen[id] {
			extra = append(extra, u)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].seq < extra[j].seq })
	for _, u := range extra {
		out = append(out, u.Proposed)
	}
	return out
}

func (o *Optimistic[E]) notify() {
	o.mu.Lock()
	if len(o.listeners) == 0 {
		o.mu.Unlock()
		return
	}
	ls := make([]func([]E), 0, len(o.listeners))
	for _, fn := range o.listeners {
		ls = append(ls, fn)
	}
	o.mu.Unlock()

	merged := o.Merged()
	for _, fn := range ls {
		fn(merged)
	}
}

func find[E any](list []E, id string, idOf func(E) string) (E, bool) {
	for _, e := range list {
		if idOf(e) == id {
			return e, true
		}
	}
	var zero E
	return zero, false
}
