package genstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalSnapshotMissingIsZero(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStore(LocalOptions{})
	t.Cleanup(func() { _ = s.Close(ctx) })

	g, err := s.Snapshot(ctx, "nope")
	if err != nil || g != 0 {
		t.Fatalf("Snapshot missing: g=%d err=%v", g, err)
	}
}

func TestLocalBumpIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStore(LocalOptions{})
	t.Cleanup(func() { _ = s.Close(ctx) })

	for want := uint64(1); want <= 3; want++ {
		g, err := s.Bump(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if g != want {
			t.Fatalf("Bump = %d, want %d", g, want)
		}
	}
	if g, _ := s.Snapshot(ctx, "k"); g != 3 {
		t.Fatalf("Snapshot after bumps = %d, want 3", g)
	}
}

func TestLocalConcurrentBumps(t *testing.T) {
	ctx := context.Background()
	s := NewLocalGenStore(LocalOptions{})
	t.Cleanup(func() { _ = s.Close(ctx) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Bump(ctx, "hot")
		}()
	}
	wg.Wait()
	if g, _ := s.Snapshot(ctx, "hot"); g != 50 {
		t.Fatalf("expected 50 bumps, got %d", g)
	}
}

func TestLocalCleanupPrunesOld(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	s := NewLocalGenStore(LocalOptions{Now: func() time.Time { return now }})
	t.Cleanup(func() { _ = s.Close(ctx) })

	if _, err := s.Bump(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if _, err := s.Bump(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}

	if removed := s.Cleanup(time.Second); removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
	if g, _ := s.Snapshot(ctx, "old"); g != 0 {
		t.Fatalf("expected pruned -> 0, got %d", g)
	}
	if g, _ := s.Snapshot(ctx, "fresh"); g != 1 {
		t.Fatalf("fresh gen should survive, got %d", g)
	}
}

func TestLocalCloseIsIdempotent(t *testing.T) {
	s := NewLocalGenStore(LocalOptions{CleanupInterval: time.Millisecond, Retention: time.Hour})
	_ = s.Close(context.Background())
	_ = s.Close(context.Background())
}
