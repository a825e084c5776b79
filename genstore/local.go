package genstore

import (
	"context"
	"sync"
	"time"
)

type localGenEntry struct {
	Gen       uint64
	UpdatedAt time.Time
}

// LocalOptions configures a LocalGenStore. Zero values disable the cleanup loop.
type LocalOptions struct {
	CleanupInterval time.Duration
	Retention       time.Duration
	Now             func() time.Time // nil => time.Now
}

// LocalGenStore keeps generations in-process (default).
type LocalGenStore struct {
	mu   sync.RWMutex
	gens map[string]localGenEntry
	now  func() time.Time

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ GenStore = (*LocalGenStore)(nil)

func NewLocalGenStore(opts LocalOptions) *LocalGenStore {
	s := &LocalGenStore{
		gens: make(map[string]localGenEntry),
		now:  opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.CleanupInterval > 0 && opts.Retention > 0 {
		s.ticker = time.NewTicker(opts.CleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(opts.Retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	e := s.gens[k]
	s.mu.RUnlock()
	return e.Gen, nil
}

func (s *LocalGenStore) Bump(_ context.Context, k string) (uint64, error) {
	now := s.now()
	s.mu.Lock()
	e := s.gens[k]
	e.Gen++
	e.UpdatedAt = now
	s.gens[k] = e
	s.mu.Unlock()
	return e.Gen, nil
}

// Cleanup drops generations that have not moved within retention and
// returns how many were removed. A pruned key reads as generation 0 again,
// so retention must outlive any request that could still be in flight.
func (s *LocalGenStore) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-retention)

	removed := 0
	s.mu.Lock()
	for k, e := range s.gens {
		if !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(cutoff) {
			delete(s.gens, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

func (s *LocalGenStore) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop() // stop ticker before waiting
			s.wg.Wait()
		}
	})
	return nil
}
