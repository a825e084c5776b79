package syncache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/syncache/provider/memory"
)

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// hookLog records events by name.
type hookLog struct {
	NopHooks
	mu     sync.Mutex
	events map[string]int
}

func newHookLog() *hookLog { return &hookLog{events: make(map[string]int)} }

func (h *hookLog) inc(name string) {
	h.mu.Lock()
	h.events[name]++
	h.mu.Unlock()
}

func (h *hookLog) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[name]
}

func (h *hookLog) SelfHeal(_, reason string)                    { h.inc("self_heal:" + reason) }
func (h *hookLog) FlightJoined(string)                          { h.inc("joined") }
func (h *hookLog) FlightSuperseded(string)                      { h.inc("superseded") }
func (h *hookLog) StaleResultDropped(string)                    { h.inc("dropped") }
func (h *hookLog) FetchRetry(string, int, time.Duration, error) { h.inc("retry") }
func (h *hookLog) FetchExhausted(string, int, error)            { h.inc("exhausted") }
func (h *hookLog) MutationRejected(string, int, error)          { h.inc("rejected") }
func (h *hookLog) RollbackFired(string)                         { h.inc("rollback") }
func (h *hookLog) Reconciled(string, error)                     { h.inc("reconciled") }

func (h *hookLog) SweepEvicted(_ string, n int) {
	h.mu.Lock()
	h.events["swept"] += n
	h.mu.Unlock()
}

type testEnv struct {
	clock *clock
	mem   *memory.Provider
	hooks *hookLog
	store *Store
	coord *Coordinator
}

func newTestEnv(t *testing.T, clk *clock) *testEnv {
	t.Helper()
	var now func() time.Time
	if clk != nil {
		now = clk.Now
	}
	env := &testEnv{clock: clk, mem: memory.New(now), hooks: newHookLog()}
	s, err := NewStore(StoreOptions{
		Namespace:     "test",
		Provider:      env.mem,
		Hooks:         env.hooks,
		SweepInterval: -1,
		Now:           now,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	env.store = s
	env.coord = NewCoordinator(s, CoordinatorOptions{})
	return env
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
