// Package alerts implements the bounded alert ring buffer with
// suppression-key deduplication: a suppression key seen again within
// its window is silently dropped.
package alerts

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/models"
)

// storageKey is the capped alert list in the storage backend.
const storageKey = "alerts"

// DefaultCapacity bounds the ring buffer.
const DefaultCapacity = 500

// DefaultSuppressWindow is how long a suppression key silences
// duplicate alerts of the same type.
const DefaultSuppressWindow = 5 * time.Minute

// Buffer is a thread-safe, bounded, newest-first ring buffer of Alert
// records with per-type-plus-key dedup.
type Buffer struct {
	mu       sync.Mutex
	items    []models.Alert // newest first
	capacity int
	window   time.Duration
	lastSeen map[string]time.Time
	store    storage.Adapter // nil = in-memory only
}

// NewBuffer creates an alert buffer with the given capacity and
// suppression window (zero values fall back to the defaults).
func NewBuffer(capacity int, window time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultSuppressWindow
	}
	return &Buffer{capacity: capacity, window: window, lastSeen: make(map[string]time.Time)}
}

// Raise appends a new alert unless its suppression key was already
// raised within the current window, in which case it is silently
// dropped and Raise returns false.
func (b *Buffer) Raise(alertType string, severity models.AlertSeverity, title, message, source, suppressKey string) (models.Alert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.cleanupExpiredLocked(now)

	if suppressKey != "" {
		dedupKey := alertType + "|" + suppressKey
		if last, ok := b.lastSeen[dedupKey]; ok && now.Sub(last) < b.window {
			return models.Alert{}, false
		}
		b.lastSeen[dedupKey] = now
	}

	a := models.Alert{
		ID:            uuid.NewString(),
		Type:          alertType,
		Severity:      severity,
		Title:         title,
		Message:       message,
		Timestamp:     now,
		Source:        source,
		SuppressedKey: suppressKey,
	}

	b.items = append([]models.Alert{a}, b.items...)
	if len(b.items) > b.capacity {
		b.items = b.items[:b.capacity]
	}
	b.mirrorLocked(a)
	metrics.AlertsRaisedTotal.WithLabelValues(alertType, string(severity)).Inc()
	return a, true
}

// Persist attaches a storage adapter: alerts already stored under the
// capped "alerts" list are loaded, and every subsequent Raise and
// Clear is mirrored back, so alert history survives restarts and is
// shared by instances on the same backend.
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
		var a models.Alert
		if json.Unmarshal([]byte(members[i]), &a) == nil {
			b.items = append(b.items, a)
		}
	}
	if len(b.items) > b.capacity {
		b.items = b.items[:b.capacity]
	}
	return nil
}

// mirrorLocked writes one alert through to the storage backend and
// trims entries that fell off the in-memory ring. Best-effort: the
// in-memory buffer is authoritative within a process.
func (b *Buffer) mirrorLocked(a models.Alert) {
	if b.store == nil {
		return
	}
	ctx := context.Background()
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := b.store.ZAdd(ctx, storageKey, float64(a.Timestamp.UnixNano()), string(payload)); err != nil {
		log.Debug().Err(err).Msg("alerts: mirror write failed")
		return
	}
	oldest := b.items[len(b.items)-1]
	_ = b.store.ZRemRangeByScore(ctx, storageKey, 0, math.Nextafter(float64(oldest.Timestamp.UnixNano()), 0))
}

func (b *Buffer) cleanupExpiredLocked(now time.Time) {
	for k, last := range b.lastSeen {
		if now.Sub(last) >= b.window {
			delete(b.lastSeen, k)
		}
	}
}

// Recent returns up to n most-recent alerts, newest first.
func (b *Buffer) Recent(n int) []models.Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.items) {
		n = len(b.items)
	}
	out := make([]models.Alert, n)
	copy(out, b.items[:n])
	return out
}

// Clear empties the buffer (dashboard "clear_alerts" control frame).
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = nil
	b.lastSeen = make(map[string]time.Time)
	if b.store != nil {
		_ = b.store.ZRemRangeByScore(context.Background(), storageKey, 0, math.MaxFloat64)
	}
}
