// Package storage provides the Storage Adapter: a small, language-neutral
// surface over blob, hash, set and sorted-set operations plus a pub/sub
// channel, with two interchangeable backends (Redis, in-memory). All
// registry, auth and alert state flows through this interface so swapping
// backends is a one-line change in the composition root.
package storage

import (
	"context"
	"time"
)

// Adapter is the primary storage interface for the control plane.
type Adapter interface {
	// ── Blob ────────────────────────────────────────────────
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// ── Hash ────────────────────────────────────────────────
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// ── Set (membership indexes) ─────────────────────────────
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// ── Sorted set (sliding-window ledgers) ──────────────────
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ── Scan ──────────────────────────────────────────────────
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// ── Pub/sub ───────────────────────────────────────────────
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Ping is a non-blocking health probe.
	Ping(ctx context.Context) error

	// Degraded reports whether this adapter fell back from its primary
	// backend to the in-process implementation.
	Degraded() bool

	// Close releases all resources held by the adapter.
	Close() error
}

// ErrNotFound is returned when a requested key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string { return "storage: not found: " + e.Key }

// Txn groups the compensating-rollback sequence used on the registration
// path: "claim agent_id, store record, index by type, store embedding"
// must be observed atomically or not at all.
type Txn struct {
	undo []func(context.Context) error
}

// NewTxn starts a new compensating transaction.
func NewTxn() *Txn { return &Txn{} }

// Do runs a step and records its compensating action for later rollback.
func (t *Txn) Do(ctx context.Context, step func(context.Context) error, compensate func(context.Context) error) error {
	if err := step(ctx); err != nil {
		return err
	}
	if compensate != nil {
		t.undo = append(t.undo, compensate)
	}
	return nil
}

// Rollback runs every recorded compensating action, most recent first.
// Errors are swallowed individually (best-effort) since the caller is
// already unwinding from a failure.
func (t *Txn) Rollback(ctx context.Context) {
	for i := len(t.undo) - 1; i >= 0; i-- {
		_ = t.undo[i](ctx)
	}
}
