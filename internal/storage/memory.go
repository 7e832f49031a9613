package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryAdapter implements Adapter with in-process maps guarded by a
// single mutex. Used both as the in-memory fallback when Redis is
// unreachable and directly in tests.
type MemoryAdapter struct {
	mu       sync.RWMutex
	blobs    map[string]blobEntry
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	zsets    map[string]map[string]float64
	degraded bool

	subMu sync.Mutex
	subs  map[string][]chan []byte
}

type blobEntry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

// NewMemoryAdapter creates an empty in-memory adapter. degraded marks
// whether this instance is standing in for an unreachable primary backend
// (surfaced by Degraded() for the /health view).
func NewMemoryAdapter(degraded bool) *MemoryAdapter {
	return &MemoryAdapter{
		blobs:    make(map[string]blobEntry),
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		zsets:    make(map[string]map[string]float64),
		subs:     make(map[string][]chan []byte),
		degraded: degraded,
	}
}

func (m *MemoryAdapter) Degraded() bool { return m.degraded }
func (m *MemoryAdapter) Ping(_ context.Context) error { return nil }
func (m *MemoryAdapter) Close() error { return nil }

// ── Blob ─────────────────────────────────────────────────────

func (m *MemoryAdapter) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.blobs[key]
	if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
		return nil, &ErrNotFound{Key: key}
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

func (m *MemoryAdapter) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.blobs[key] = blobEntry{value: cp, expires: exp}
	return nil
}

// Delete removes a key of any type, like Redis DEL.
func (m *MemoryAdapter) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	return nil
}

// ── Hash ─────────────────────────────────────────────────────

func (m *MemoryAdapter) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryAdapter) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return "", &ErrNotFound{Key: key}
	}
	v, ok := h[field]
	if !ok {
		return "", &ErrNotFound{Key: key + "." + field}
	}
	return v, nil
}

func (m *MemoryAdapter) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp, nil
}

func (m *MemoryAdapter) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

// ── Set ──────────────────────────────────────────────────────

func (m *MemoryAdapter) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mb := range members {
		s[mb] = struct{}{}
	}
	return nil
}

func (m *MemoryAdapter) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mb := range members {
		delete(s, mb)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryAdapter) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(s))
	for mb := range s {
		out = append(out, mb)
	}
	sort.Strings(out)
	return out, nil
}

// ── Sorted set ───────────────────────────────────────────────

func (m *MemoryAdapter) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryAdapter) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for mb, sc := range z {
		if sc >= min && sc <= max {
			pairs = append(pairs, pair{mb, sc})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (m *MemoryAdapter) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for mb, sc := range z {
		if sc >= min && sc <= max {
			delete(z, mb)
		}
	}
	if len(z) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

// ── Scan ─────────────────────────────────────────────────────

func (m *MemoryAdapter) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ── Pub/sub ──────────────────────────────────────────────────

func (m *MemoryAdapter) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
			// subscriber is slow; drop rather than block the publisher.
		}
	}
	return nil
}

func (m *MemoryAdapter) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	m.subMu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		list := m.subs[channel]
		for i, c := range list {
			if c == ch {
				m.subs[channel] = append(list[:i], list[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}
