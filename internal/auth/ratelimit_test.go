package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/0x00K1/arcp/internal/auth"
	"github.com/0x00K1/arcp/internal/storage"
)

func TestFixedWindowLimiter_Allow(t *testing.T) {
	adapter := storage.NewMemoryAdapter(false)
	l := auth.NewFixedWindowLimiter(adapter, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "k")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !ok {
			t.Fatalf("Allow() call %d = false, want true", i)
		}
	}
	ok, err := l.Allow(ctx, "k")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if ok {
		t.Error("Allow() after limit = true, want false")
	}
}

func TestBurstLimiter_Allow(t *testing.T) {
	b := auth.NewBurstLimiter(1, 1)
	if !b.Allow("k") {
		t.Error("first Allow() = false, want true")
	}
	if b.Allow("k") {
		t.Error("second immediate Allow() = true, want false (burst exhausted)")
	}
}

func TestLoginAttemptLedger_LocksAfterThreshold(t *testing.T) {
	adapter := storage.NewMemoryAdapter(false)
	ledger := auth.NewLoginAttemptLedger(adapter, time.Minute, time.Millisecond, 10*time.Millisecond, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ledger.RecordFailure(ctx, "user", "1.2.3.4"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	status, err := ledger.Check(ctx, "user", "1.2.3.4")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !status.Locked {
		t.Error("Check() Locked = false, want true after reaching threshold")
	}
}

func TestLoginAttemptLedger_ResetClearsWindow(t *testing.T) {
	adapter := storage.NewMemoryAdapter(false)
	ledger := auth.NewLoginAttemptLedger(adapter, time.Minute, time.Millisecond, 10*time.Millisecond, 3, time.Minute)
	ctx := context.Background()

	_ = ledger.RecordFailure(ctx, "user", "1.2.3.4")
	_ = ledger.RecordFailure(ctx, "user", "1.2.3.4")
	if err := ledger.Reset(ctx, "user", "1.2.3.4"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	status, err := ledger.Check(ctx, "user", "1.2.3.4")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if status.Locked {
		t.Error("Check() Locked = true after Reset, want false")
	}
}
