package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/models"
)

// EventType enumerates the registry's typed pub/sub events, consumed
// by the sweeper and the WS hubs.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventHeartbeat    EventType = "heartbeat"
	EventUnregistered EventType = "unregistered"
	EventMetrics      EventType = "metrics_updated"
	EventStatusChange EventType = "status_change"
)

// Event is published whenever the Registry mutates an Agent.
type Event struct {
	Type    EventType    `json:"type"`
	AgentID string       `json:"agent_id"`
	Agent   *models.Agent `json:"agent,omitempty"`
}

// EventBus is an in-process typed pub/sub. If the given storage.Adapter
// supports pub/sub (Redis, or the in-memory adapter's own channel
// plumbing), events are mirrored onto a storage channel too, so a
// second process instance sharing the same Redis backend observes the
// same stream. Subscribers must tolerate missed events by polling the
// authoritative Registry — the bus makes no delivery guarantee.
type EventBus struct {
	mu   sync.Mutex
	subs []chan Event

	adapter storage.Adapter
	channel string
}

// NewEventBus creates a bus that mirrors events onto the given storage
// adapter's pub/sub channel (if non-nil).
func NewEventBus(adapter storage.Adapter, channel string) *EventBus {
	return &EventBus{adapter: adapter, channel: channel}
}

// Subscribe returns a channel of future events and a cancel func. The
// channel is closed when cancel is called.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish fans the event out to every in-process subscriber (dropping
// for any subscriber whose queue is full, never blocking the caller)
// and, if configured, mirrors it to the storage adapter's pub/sub
// channel for cross-process observers.
func (b *EventBus) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}

	if b.adapter == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = b.adapter.Publish(ctx, b.channel, payload)
}
