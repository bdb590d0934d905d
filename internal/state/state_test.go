package state

import (
	"context"
	"testing"
	"time"
)

func TestPresenceTTLExpiry(t *testing.T) {
	s := NewMemoryStore(30 * time.Second)
	base := time.Unix(1_700_000_000, 0)
	s.nowFn = func() time.Time { return base }
	ctx := context.Background()

	if err := s.MarkOnline(ctx, "u1"); err != nil {
		t.Fatalf("mark online failed: %v", err)
	}

	online, err := s.IsOnline(ctx, "u1")
	if err != nil || !online {
		t.Fatalf("expected online, got %v err=%v", online, err)
	}

	// A heartbeat inside the TTL window refreshes the expiry.
	s.nowFn = func() time.Time { return base.Add(20 * time.Second) }
	if err := s.MarkOnline(ctx, "u1"); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	s.nowFn = func() time.Time { return base.Add(45 * time.Second) }
	if online, _ := s.IsOnline(ctx, "u1"); !online {
		t.Fatal("expected online after refreshed TTL")
	}

	// No heartbeat past the TTL resolves to offline.
	s.nowFn = func() time.Time { return base.Add(2 * time.Minute) }
	if online, _ := s.IsOnline(ctx, "u1"); online {
		t.Fatal("expected offline after TTL expiry")
	}
}

func TestPresenceExplicitOffline(t *testing.T) {
	s := NewMemoryStore(30 * time.Second)
	ctx := context.Background()

	if err := s.MarkOnline(ctx, "u1"); err != nil {
		t.Fatalf("mark online failed: %v", err)
	}
	if err := s.MarkOffline(ctx, "u1"); err != nil {
		t.Fatalf("mark offline failed: %v", err)
	}
	if online, _ := s.IsOnline(ctx, "u1"); online {
		t.Fatal("expected offline immediately after explicit disconnect")
	}
}

func TestUnreadCounters(t *testing.T) {
	s := NewMemoryStore(30 * time.Second)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := s.Increment(ctx, "c1", "u2")
		if err != nil {
			t.Fatalf("increment failed: %v", err)
		}
		if n != int64(i) {
			t.Fatalf("expected counter %d, got %d", i, n)
		}
	}

	// Counters are scoped per conversation and per user.
	if n, _ := s.Get(ctx, "c2", "u2"); n != 0 {
		t.Fatalf("counter leaked across conversations: %d", n)
	}
	if n, _ := s.Get(ctx, "c1", "u3"); n != 0 {
		t.Fatalf("counter leaked across users: %d", n)
	}

	if err := s.Reset(ctx, "c1", "u2"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if n, _ := s.Get(ctx, "c1", "u2"); n != 0 {
		t.Fatalf("expected 0 after reset, got %d", n)
	}

	// Reset is idempotent and the counter never goes negative.
	if err := s.Reset(ctx, "c1", "u2"); err != nil {
		t.Fatalf("second reset failed: %v", err)
	}
	if n, _ := s.Get(ctx, "c1", "u2"); n != 0 {
		t.Fatalf("expected 0 after double reset, got %d", n)
	}

	if n, _ := s.Increment(ctx, "c1", "u2"); n != 1 {
		t.Fatalf("expected counter to restart at 1, got %d", n)
	}
}
