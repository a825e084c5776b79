package syncache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gen "github.com/unkn0wn-root/syncache/genstore"
	"github.com/unkn0wn-root/syncache/internal/keylock"
	"github.com/unkn0wn-root/syncache/internal/wire"
	pr "github.com/unkn0wn-root/syncache/provider"
	"github.com/unkn0wn-root/syncache/provider/memory"
)

// Entry is a cached value together with its freshness window.
// It is valid iff now < ExpiresAt.
type Entry struct {
	Key       string
	Value     []byte
	Gen       uint64
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Valid reports whether the entry has not expired at now.
func (e Entry) Valid(now time.Time) bool { return now.Before(e.ExpiresAt) }

// TTL is the lifetime the entry was written with.
func (e Entry) TTL() time.Duration { return e.ExpiresAt.Sub(e.FetchedAt) }

// StaleAt is the point past which a hit should be revalidated: half the TTL.
func (e Entry) StaleAt() time.Time { return e.FetchedAt.Add(e.TTL() / 2) }

type indexEntry struct {
	gen       uint64
	fetchedAt time.Time
	expiresAt time.Time
}

func (ie indexEntry) same(r wire.Record) bool {
	return ie.gen == r.Gen && ie.fetchedAt.Equal(r.FetchedAt) && ie.expiresAt.Equal(r.ExpiresAt)
}

// Store is the process-wide cache of time-limited entries.
// Create one per process (or per test) and share it by reference.
type Store struct {
	ns             string
	provider       pr.Provider
	gen            gen.GenStore
	log            Logger
	hooks          Hooks
	now            func() time.Time
	defaultTTL     time.Duration
	sweepInterval  time.Duration
	genRetention   time.Duration
	computeSetCost SetCostFunc

	// keys serializes provider writes and deletes per storage key; mu only
	// guards the index. Lock order: keys, then mu.
	keys *keylock.Striped

	// index of entries written by this process; drives the sweep and guards
	// evictions against deleting an entry rewritten in the meantime.
	mu    sync.Mutex
	index map[string]indexEntry

	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("syncache: namespace is required")
	}

	s := &Store{
		ns:    opts.Namespace,
		keys:  keylock.New(0),
		index: make(map[string]indexEntry),
	}

	s.now = opts.Now
	if s.now == nil {
		s.now = time.Now
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{}).With(Fields{"ns": opts.Namespace})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.defaultTTL = coalesce(opts.DefaultTTL, defaultTTL)
	s.sweepInterval = coalesce(opts.SweepInterval, defaultSweep)
	s.genRetention = coalesce(opts.GenRetention, defaultGenRetention)

	if opts.ComputeSetCost != nil {
		s.computeSetCost = opts.ComputeSetCost
	} else {
		s.computeSetCost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}

	if opts.Provider != nil {
		s.provider = opts.Provider
	} else {
		s.provider = memory.New(s.now)
	}

	if opts.GenStore != nil {
		s.gen = opts.GenStore
	} else {
		// the store sweep prunes generations too; no separate loop
		s.gen = gen.NewLocalGenStore(gen.LocalOptions{Now: s.now})
	}

	if s.sweepInterval > 0 {
		s.ticker = time.NewTicker(s.sweepInterval)
		s.stopCh = make(chan struct{})
		s.closeWg.Add(1)
		go s.sweepLoop()
	}
	return s, nil
}

// Namespace returns the store's namespace.
func (s *Store) Namespace() string { return s.ns }

// Now is the store's clock. Coordinators and queries share it.
func (s *Store) Now() time.Time { return s.now() }

// Close stops the sweep and releases the generation store and the provider.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.closeWg.Wait()
			s.ticker.Stop()
		}
		// gen store first (best effort)
		_ = s.gen.Close(ctx)
		err = s.provider.Close(ctx)
	})
	return err
}

// Get returns the entry for key if it has not expired. Expired, corrupt and
// generation-mismatched entries are evicted and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	k := s.storageKey(key)
	raw, ok, err := s.provider.Get(ctx, k)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	rec, err := wire.DecodeEntry(raw)
	if err != nil {
		s.evict(ctx, k, nil, "corrupt")
		return Entry{}, false, nil
	}
	if rec.Gen != s.snapshotGen(ctx, k) {
		s.evict(ctx, k, &rec, "gen_mismatch")
		return Entry{}, false, nil
	}
	if !s.now().Before(rec.ExpiresAt) {
		s.evict(ctx, k, &rec, "expired")
		return Entry{}, false, nil
	}
	return Entry{
		Key:       key,
		Value:     rec.Payload,
		Gen:       rec.Gen,
		FetchedAt: rec.FetchedAt,
		ExpiresAt: rec.ExpiresAt,
	}, true, nil
}

// Put unconditionally replaces the entry for key; its staleness clock restarts.
// ttl <= 0 uses the store default.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	k := s.storageKey(key)
	e, _, err := s.write(ctx, key, k, value, s.snapshotGen(ctx, k), ttl, nil)
	return e, err
}

// PutWithGen writes only if the key's generation still equals observedGen,
// i.e. nobody invalidated the key since the caller snapshotted it.
// ok=false means the write was skipped (or refused by the provider).
func (s *Store) PutWithGen(ctx context.Context, key string, value []byte, observedGen uint64, ttl time.Duration) (Entry, bool, error) {
	return s.putWithGen(ctx, key, value, observedGen, ttl, nil)
}

// errCommitRefused is returned by putWithGen when its guard declines the write.
var errCommitRefused = errors.New("syncache: commit refused")

// putWithGen is PutWithGen with a guard evaluated under the key's write lock,
// immediately before the provider write. Any later write to the key lands
// after this one, so a guard that turns false can never be overtaken by the
// write it guarded.
func (s *Store) putWithGen(ctx context.Context, key string, value []byte, observedGen uint64, ttl time.Duration, guard func() bool) (Entry, bool, error) {
	k := s.storageKey(key)
	if s.snapshotGen(ctx, k) != observedGen {
		// generation moved; skip stale write
		s.log.Debug("PutWithGen skipped (gen mismatch)", Fields{"key": key, "obs": observedGen})
		return Entry{}, false, nil
	}
	return s.write(ctx, key, k, value, observedGen, ttl, guard)
}

func (s *Store) write(ctx context.Context, key, k string, value []byte, g uint64, ttl time.Duration, guard func() bool) (Entry, bool, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	unlock := s.keys.Lock(k)
	defer unlock()
	if guard != nil && !guard() {
		return Entry{}, false, errCommitRefused
	}

	now := s.now()
	rec := wire.Record{Gen: g, FetchedAt: now, ExpiresAt: now.Add(ttl), Payload: value}
	raw := wire.EncodeEntry(rec)
	ok, err := s.provider.Set(ctx, k, raw, s.computeSetCost(k, raw), ttl)
	if err != nil {
		return Entry{}, false, fmt.Errorf("syncache: put %q: %w", key, err)
	}
	if !ok {
		s.hooks.ProviderSetRejected(k)
		s.log.Debug("Put rejected by provider (pressure)", Fields{"key": key})
		return Entry{}, false, nil
	}

	s.mu.Lock()
	s.index[k] = indexEntry{gen: g, fetchedAt: rec.FetchedAt, expiresAt: rec.ExpiresAt}
	s.mu.Unlock()
	return Entry{Key: key, Value: value, Gen: g, FetchedAt: rec.FetchedAt, ExpiresAt: rec.ExpiresAt}, true, nil
}

// Invalidate evicts key regardless of expiry and bumps its generation, so any
// request that started before this call can no longer commit.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	k := s.storageKey(key)
	newGen, bumpErr := s.gen.Bump(ctx, k)

	unlock := s.keys.Lock(k)
	delErr := s.provider.Del(ctx, k)
	s.mu.Lock()
	delete(s.index, k)
	s.mu.Unlock()
	unlock()

	if bumpErr != nil || delErr != nil {
		if bumpErr != nil && delErr != nil {
			s.hooks.InvalidateOutage(key, bumpErr, delErr)
		}
		s.log.Error("invalidate failed", Fields{"key": key, "bumpErr": bumpErr, "delErr": delErr})
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	}
	s.log.Debug("invalidated key (bumped gen + evicted)", Fields{"key": key, "newGen": newGen})
	return nil
}

// SnapshotGen returns the key's current generation.
func (s *Store) SnapshotGen(ctx context.Context, key string) uint64 {
	return s.snapshotGen(ctx, s.storageKey(key))
}

// Sweep evicts every indexed entry with now >= ExpiresAt and prunes old
// generations. It returns the number of evicted entries.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	evicted := 0

	s.mu.Lock()
	var expired []string
	for k, ie := range s.index {
		if !now.Before(ie.expiresAt) {
			expired = append(expired, k)
		}
	}
	s.mu.Unlock()

	for _, k := range expired {
		if s.sweepOne(ctx, k, now) {
			evicted++
		}
	}

	pruned := s.gen.Cleanup(s.genRetention)
	if evicted > 0 {
		s.hooks.SweepEvicted(s.ns, evicted)
	}
	if evicted > 0 || pruned > 0 {
		s.log.Debug("sweep removed expired entries", Fields{"evicted": evicted, "gensPruned": pruned})
	}
	return evicted
}

// sweepOne deletes k if its indexed entry is still expired at now.
func (s *Store) sweepOne(ctx context.Context, k string, now time.Time) bool {
	unlock := s.keys.Lock(k)
	defer unlock()

	s.mu.Lock()
	ie, ok := s.index[k]
	s.mu.Unlock()
	if !ok || now.Before(ie.expiresAt) {
		return false // rewritten or removed since the scan
	}
	if err := s.provider.Del(ctx, k); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("sweep delete failed", Fields{"key": k, "err": err})
		}
		return false
	}
	s.mu.Lock()
	delete(s.index, k)
	s.mu.Unlock()
	return true
}

// Len returns the number of entries this process has written and not yet evicted.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *Store) sweepLoop() {
	defer s.closeWg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// evict deletes k unless it was rewritten after rec was read.
// rec == nil (undecodable bytes) always deletes.
func (s *Store) evict(ctx context.Context, k string, rec *wire.Record, reason string) {
	unlock := s.keys.Lock(k)
	s.mu.Lock()
	ie, ok := s.index[k]
	s.mu.Unlock()
	if rec != nil && ok && !ie.same(*rec) {
		unlock()
		return
	}
	_ = s.provider.Del(ctx, k)
	s.mu.Lock()
	delete(s.index, k)
	s.mu.Unlock()
	unlock()

	s.hooks.SelfHeal(k, reason)
	s.log.Debug("evicted entry on read", Fields{"key": k, "reason": reason})
}

func (s *Store) snapshotGen(ctx context.Context, storageKey string) uint64 {
	g, err := s.gen.Snapshot(ctx, storageKey)
	if err != nil {
		// Conservative: treat as 0 so CAS writes skip and reads self-heal
		s.log.Warn("gen snapshot error", Fields{"key": storageKey, "err": err})
		return 0
	}
	return g
}

func (s *Store) storageKey(userKey string) string {
	// isolate by namespace
	return "entry:" + s.ns + ":" + userKey
}
