// Package obslog implements the bounded LogEntry ring buffer the
// dashboard hub's "logs" frame tails, mirroring the capacity/dedup
// shape of internal/alerts but with a per-message length cap instead
// of suppression.
package obslog

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/models"
)

// storageKey is the capped log list in the storage backend.
const storageKey = "logs"

// DefaultCapacity bounds the ring buffer.
const DefaultCapacity = 10_000

// DefaultMaxMessageLen truncates oversized log lines before storage.
const DefaultMaxMessageLen = 4096

// Buffer is a thread-safe, bounded, newest-first ring buffer of
// LogEntry records.
type Buffer struct {
	mu        sync.Mutex
	items     []models.LogEntry
	capacity  int
	maxMsgLen int
	store     storage.Adapter // nil = in-memory only
}

// NewBuffer creates a log buffer with the given capacity and
// per-message length cap (zero values fall back to the defaults).
func NewBuffer(capacity, maxMsgLen int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxMsgLen <= 0 {
		maxMsgLen = DefaultMaxMessageLen
	}
	return &Buffer{capacity: capacity, maxMsgLen: maxMsgLen}
}

// Append records a new log entry, truncating the message if it
// exceeds the configured cap.
func (b *Buffer) Append(level models.LogLevel, message, source string) models.LogEntry {
	if len(message) > b.maxMsgLen {
		message = message[:b.maxMsgLen]
	}
	entry := models.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Source:    source,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append([]models.LogEntry{entry}, b.items...)
	if len(b.items) > b.capacity {
		b.items = b.items[:b.capacity]
	}
	b.mirrorLocked(entry)
	return entry
}

// Persist attaches a storage adapter: entries already stored under the
// capped "logs" list are loaded, and every subsequent Append and Clear
// is mirrored back, so the log tail survives restarts and is shared by
// instances on the same backend.
func (b *Buffer) Persist(ctx context.Context, adapter storage.Adapter) error {
	members, err := adapter.ZRangeByScore(ctx, storageKey, 0, math.MaxFloat64)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = adapter
	// Members arrive oldest first; the buffer keeps newest first.
	for i := len(members) - 1; i >= 0; i-- {
		var e models.LogEntry
		if json.Unmarshal([]byte(members[i]), &e) == nil {
			b.items = append(b.items, e)
		}
	}
	if len(b.items) > b.capacity {
		b.items = b.items[:b.capacity]
	}
	return nil
}

// mirrorLocked writes one entry through to the storage backend and
// trims entries that fell off the in-memory ring. Best-effort: the
// in-memory buffer is authoritative within a process.
func (b *Buffer) mirrorLocked(entry models.LogEntry) {
	if b.store == nil {
		return
	}
	ctx := context.Background()
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := b.store.ZAdd(ctx, storageKey, float64(entry.Timestamp.UnixNano()), string(payload)); err != nil {
		log.Debug().Err(err).Msg("obslog: mirror write failed")
		return
	}
	oldest := b.items[len(b.items)-1]
	_ = b.store.ZRemRangeByScore(ctx, storageKey, 0, math.Nextafter(float64(oldest.Timestamp.UnixNano()), 0))
}

// Tail returns up to n most-recent entries, newest first.
func (b *Buffer) Tail(n int) []models.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.items) {
		n = len(b.items)
	}
	out := make([]models.LogEntry, n)
	copy(out, b.items[:n])
	return out
}

// Clear empties the buffer (dashboard "clear_logs" control frame).
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
	if b.store != nil {
		_ = b.store.ZRemRangeByScore(context.Background(), storageKey, 0, math.MaxFloat64)
	}
}
