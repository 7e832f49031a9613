package auth

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/0x00K1/arcp/internal/storage"
)

// FixedWindowLimiter enforces a coarse requests-per-minute ceiling per
// key, built on the storage.Adapter's Get/Set-with-TTL so the same
// code runs against either backend.
type FixedWindowLimiter struct {
	storage storage.Adapter
	limit   int
	window  time.Duration
}

// NewFixedWindowLimiter creates a limiter allowing `limit` hits per
// `window` per key.
func NewFixedWindowLimiter(adapter storage.Adapter, limit int, window time.Duration) *FixedWindowLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{storage: adapter, limit: limit, window: window}
}

// Allow increments the window counter for key and reports whether the
// caller is still under the limit.
func (f *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	storeKey := "ratelimit:fixed:" + key
	raw, err := f.storage.Get(ctx, storeKey)
	count := 0
	if err == nil {
		count, _ = strconv.Atoi(string(raw))
	} else if _, ok := err.(*storage.ErrNotFound); !ok {
		return false, fmt.Errorf("fixed window limiter: %w", err)
	}

	if count >= f.limit {
		return false, nil
	}
	count++
	if err := f.storage.Set(ctx, storeKey, []byte(strconv.Itoa(count)), f.window); err != nil {
		return false, fmt.Errorf("fixed window limiter: %w", err)
	}
	return true, nil
}

// BurstLimiter layers a token-bucket on top of the fixed window to
// absorb short bursts, keyed by a caller-chosen string (the handlers
// use the route name plus the client IP).
type BurstLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewBurstLimiter creates a per-key token bucket: rps tokens/sec,
// refilling up to burst.
func NewBurstLimiter(rps float64, burst int) *BurstLimiter {
	if burst <= 0 {
		burst = 5
	}
	return &BurstLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether key currently has an available token.
func (b *BurstLimiter) Allow(key string) bool {
	b.mu.Lock()
	l, ok := b.limiters[key]
	if !ok {
		l = rate.NewLimiter(b.rps, b.burst)
		b.limiters[key] = l
	}
	b.mu.Unlock()
	return l.Allow()
}

// LoginAttemptLedger tracks a sliding window of login attempts per
// principal+source-IP pair, deriving an exponential backoff delay and
// lockout state from recent failures. The window is stored as a
// sorted set keyed by attempt timestamp; stale entries are trimmed on
// every check.
type LoginAttemptLedger struct {
	storage    storage.Adapter
	window     time.Duration
	baseDelay  time.Duration
	capDelay   time.Duration
	lockAfter  int
	lockWindow time.Duration
}

// NewLoginAttemptLedger creates a ledger. lockAfter is the number of
// consecutive failures (within window) after which a lockout window
// begins.
func NewLoginAttemptLedger(adapter storage.Adapter, window, baseDelay, capDelay time.Duration, lockAfter int, lockWindow time.Duration) *LoginAttemptLedger {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if capDelay <= 0 {
		capDelay = 30 * time.Second
	}
	if lockAfter <= 0 {
		lockAfter = 5
	}
	if lockWindow <= 0 {
		lockWindow = 10 * time.Minute
	}
	return &LoginAttemptLedger{
		storage: adapter, window: window, baseDelay: baseDelay, capDelay: capDelay,
		lockAfter: lockAfter, lockWindow: lockWindow,
	}
}

func ledgerKey(principal, sourceIP string) string {
	return "ratelimit:login:" + principal + "|" + sourceIP
}

// Status reports whether principal+sourceIP is currently locked out
// and, if not, the delay the caller must wait before its next
// attempt.
type Status struct {
	Locked     bool
	RetryAfter time.Duration
}

// Check evaluates the current lockout/backoff state without recording
// a new attempt.
func (l *LoginAttemptLedger) Check(ctx context.Context, principal, sourceIP string) (Status, error) {
	key := ledgerKey(principal, sourceIP)
	now := time.Now()
	cutoff := now.Add(-l.window)

	if err := l.storage.ZRemRangeByScore(ctx, key, 0, float64(cutoff.UnixNano())); err != nil {
		return Status{}, fmt.Errorf("login ledger: %w", err)
	}
	members, err := l.storage.ZRangeByScore(ctx, key, float64(cutoff.UnixNano()), float64(now.UnixNano()))
	if err != nil {
		return Status{}, fmt.Errorf("login ledger: %w", err)
	}

	failures := len(members) // every recorded member here is a failure (successes call Reset)
	if failures == 0 {
		return Status{}, nil
	}
	if failures >= l.lockAfter {
		return Status{Locked: true, RetryAfter: l.lockWindow}, nil
	}

	delay := time.Duration(math.Min(
		float64(l.baseDelay)*math.Pow(2, float64(failures-1)),
		float64(l.capDelay),
	))
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return Status{RetryAfter: delay + jitter}, nil
}

// RecordFailure appends a failed attempt to the sliding window.
func (l *LoginAttemptLedger) RecordFailure(ctx context.Context, principal, sourceIP string) error {
	key := ledgerKey(principal, sourceIP)
	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())
	if err := l.storage.ZAdd(ctx, key, float64(now.UnixNano()), member); err != nil {
		return fmt.Errorf("login ledger: %w", err)
	}
	return nil
}

// Reset clears the window on a successful login.
func (l *LoginAttemptLedger) Reset(ctx context.Context, principal, sourceIP string) error {
	key := ledgerKey(principal, sourceIP)
	if err := l.storage.ZRemRangeByScore(ctx, key, 0, float64(time.Now().Add(time.Hour).UnixNano())); err != nil {
		return fmt.Errorf("login ledger: %w", err)
	}
	return nil
}
