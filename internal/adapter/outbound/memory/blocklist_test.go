package memory

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestBlocklist_BlockAndCheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bl := NewBlocklist()
	defer bl.Stop()

	if err := bl.Block(ctx, "10.0.0.1", time.Hour); err != nil {
		t.Fatalf("Block() error: %v", err)
	}

	blocked, err := bl.IsBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("IsBlocked() error: %v", err)
	}
	if !blocked {
		t.Error("blocked IP reported as not blocked")
	}

	blocked, err = bl.IsBlocked(ctx, "10.0.0.2")
	if err != nil {
		t.Fatalf("IsBlocked() error: %v", err)
	}
	if blocked {
		t.Error("unknown IP reported as blocked")
	}
}

func TestBlocklist_ExpiryOnAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bl := NewBlocklist()
	defer bl.Stop()

	if err := bl.Block(ctx, "10.0.0.3", 50*time.Millisecond); err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	if blocked, _ := bl.IsBlocked(ctx, "10.0.0.3"); !blocked {
		t.Fatal("fresh ban not in effect")
	}

	time.Sleep(80 * time.Millisecond)

	if blocked, _ := bl.IsBlocked(ctx, "10.0.0.3"); blocked {
		t.Error("expired ban still in effect")
	}
	// Access of an expired entry removes it.
	if got := bl.Size(); got != 0 {
		t.Errorf("Size() = %d after expiry access, want 0", got)
	}
}

func TestBlocklist_RebanKeepsLaterExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bl := NewBlocklist()
	defer bl.Stop()

	if err := bl.Block(ctx, "10.0.0.4", time.Hour); err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	// A shorter re-ban must not shorten the existing one.
	if err := bl.Block(ctx, "10.0.0.4", time.Millisecond); err != nil {
		t.Fatalf("Block() error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if blocked, _ := bl.IsBlocked(ctx, "10.0.0.4"); !blocked {
		t.Error("re-ban with shorter duration shortened the existing ban")
	}
}

func TestBlocklist_Cleanup(t *testing.T) {
	t.Parallel()

	bl := NewBlocklistWithConfig(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bl.StartCleanup(ctx)
	defer bl.Stop()

	for _, ip := range []string{"10.1.0.1", "10.1.0.2", "10.1.0.3"} {
		if err := bl.Block(ctx, ip, 30*time.Millisecond); err != nil {
			t.Fatalf("Block(%s) error: %v", ip, err)
		}
	}
	if got := bl.Size(); got != 3 {
		t.Fatalf("Size() = %d, want 3", got)
	}

	// Expired bans are removed without any IsBlocked access.
	time.Sleep(200 * time.Millisecond)

	if got := bl.Size(); got != 0 {
		t.Errorf("Size() = %d after cleanup, want 0", got)
	}
}

func TestBlocklistNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	bl := NewBlocklistWithConfig(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	bl.StartCleanup(ctx)

	_ = bl.Block(ctx, "10.0.0.5", time.Minute)
	time.Sleep(50 * time.Millisecond)

	cancel()
	bl.Stop()
}

func TestBlocklistStopMultipleCalls(t *testing.T) {
	t.Parallel()

	bl := NewBlocklistWithConfig(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bl.StartCleanup(ctx)

	bl.Stop()
	bl.Stop()
}
