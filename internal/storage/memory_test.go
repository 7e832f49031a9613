package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0x00K1/arcp/internal/storage"
)

func TestMemoryAdapter_BlobRoundTrip(t *testing.T) {
	m := storage.NewMemoryAdapter(false)
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get() = %q, want %q", got, "v")
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	var notFound *storage.ErrNotFound
	if _, err := m.Get(ctx, "k"); !errors.As(err, &notFound) {
		t.Fatalf("Get() after Delete() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryAdapter_BlobTTLExpires(t *testing.T) {
	m := storage.NewMemoryAdapter(false)
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 5*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	var notFound *storage.ErrNotFound
	if _, err := m.Get(ctx, "k"); !errors.As(err, &notFound) {
		t.Fatalf("Get() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestMemoryAdapter_SetMembership(t *testing.T) {
	m := storage.NewMemoryAdapter(false)
	ctx := context.Background()

	if err := m.SAdd(ctx, "idx", "a", "b", "c"); err != nil {
		t.Fatalf("SAdd() error = %v", err)
	}
	if err := m.SRem(ctx, "idx", "b"); err != nil {
		t.Fatalf("SRem() error = %v", err)
	}
	members, err := m.SMembers(ctx, "idx")
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	if len(members) != 2 || members[0] != "a" || members[1] != "c" {
		t.Errorf("SMembers() = %v, want [a c]", members)
	}
}

func TestMemoryAdapter_SortedSetWindow(t *testing.T) {
	m := storage.NewMemoryAdapter(false)
	ctx := context.Background()

	for i, member := range []string{"first", "second", "third"} {
		if err := m.ZAdd(ctx, "w", float64(i*10), member); err != nil {
			t.Fatalf("ZAdd() error = %v", err)
		}
	}

	members, err := m.ZRangeByScore(ctx, "w", 5, 25)
	if err != nil {
		t.Fatalf("ZRangeByScore() error = %v", err)
	}
	if len(members) != 2 || members[0] != "second" || members[1] != "third" {
		t.Errorf("ZRangeByScore() = %v, want [second third]", members)
	}

	if err := m.ZRemRangeByScore(ctx, "w", 0, 15); err != nil {
		t.Fatalf("ZRemRangeByScore() error = %v", err)
	}
	members, err = m.ZRangeByScore(ctx, "w", 0, 100)
	if err != nil {
		t.Fatalf("ZRangeByScore() error = %v", err)
	}
	if len(members) != 1 || members[0] != "third" {
		t.Errorf("remaining members = %v, want [third]", members)
	}
}

func TestMemoryAdapter_PubSub(t *testing.T) {
	m := storage.NewMemoryAdapter(false)
	ctx := context.Background()

	ch, cancel, err := m.Subscribe(ctx, "events")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	if err := m.Publish(ctx, "events", []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Errorf("received %q, want %q", msg, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestTxn_RollbackRunsCompensations(t *testing.T) {
	m := storage.NewMemoryAdapter(false)
	ctx := context.Background()

	txn := storage.NewTxn()
	if err := txn.Do(ctx,
		func(ctx context.Context) error { return m.Set(ctx, "a", []byte("1"), 0) },
		func(ctx context.Context) error { return m.Delete(ctx, "a") },
	); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if err := txn.Do(ctx,
		func(ctx context.Context) error { return m.SAdd(ctx, "idx", "a") },
		func(ctx context.Context) error { return m.SRem(ctx, "idx", "a") },
	); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	txn.Rollback(ctx)

	var notFound *storage.ErrNotFound
	if _, err := m.Get(ctx, "a"); !errors.As(err, &notFound) {
		t.Errorf("Get() after Rollback() error = %v, want ErrNotFound", err)
	}
	members, _ := m.SMembers(ctx, "idx")
	if len(members) != 0 {
		t.Errorf("SMembers() after Rollback() = %v, want empty", members)
	}
}

func TestTxn_FailedStepSkipsCompensationRecording(t *testing.T) {
	m := storage.NewMemoryAdapter(false)
	ctx := context.Background()

	txn := storage.NewTxn()
	stepErr := errors.New("boom")
	err := txn.Do(ctx,
		func(ctx context.Context) error { return stepErr },
		func(ctx context.Context) error { return m.Delete(ctx, "never") },
	)
	if !errors.Is(err, stepErr) {
		t.Fatalf("Do() error = %v, want the step error", err)
	}
	// Rollback after a failed step must not run the failed step's
	// compensation.
	if err := m.Set(ctx, "never", []byte("x"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	txn.Rollback(ctx)
	if _, err := m.Get(ctx, "never"); err != nil {
		t.Errorf("Get() error = %v, compensation for a failed step should not have run", err)
	}
}
