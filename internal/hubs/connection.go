// Package hubs implements the real-time broadcast core: three
// WebSocket hubs (public, agent, dashboard) sharing one connection
// type. Each connection runs a reader goroutine and a writer goroutine
// cooperating over a bounded outbound queue; broadcasters never block
// on a slow consumer.
package hubs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-connection outbound queue depth.
const DefaultQueueSize = 256

// Frame is the wire shape every hub sends: a type discriminator, a
// server timestamp, and an open payload. Unknown `type` values on
// inbound frames are logged and ignored.
type Frame struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewFrame stamps a Frame with the current server time.
func NewFrame(typ string, data interface{}) Frame {
	return Frame{Type: typ, Timestamp: time.Now().UTC().Unix(), Data: data}
}

// connection wraps one upgraded WebSocket with a bounded outbound
// queue. Send is non-blocking: when the queue is full, the oldest
// non-critical frame is dropped to make room; if the incoming frame
// itself is critical and the queue has no non-critical frame to
// evict, the connection is closed for being a slow consumer.
type connection struct {
	ws       *websocket.Conn
	outbound chan queuedFrame
	closed   chan struct{}
	once     sync.Once

	onClose   func()
	onPongWarn func()

	pongMu       sync.Mutex
	awaitingPong bool
	missedPongs  int
	pongWarnAt   int
	pongCloseAt  int
}

type queuedFrame struct {
	frame    Frame
	raw      []byte // non-nil for a pre-encoded payload (e.g. plain-text "pong")
	critical bool
}

func newConnection(ws *websocket.Conn, queueSize int) *connection {
	return newConnectionWithThresholds(ws, queueSize, 3, 7)
}

func newConnectionWithThresholds(ws *websocket.Conn, queueSize, pongWarnAt, pongCloseAt int) *connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if pongWarnAt <= 0 {
		pongWarnAt = 3
	}
	if pongCloseAt <= 0 {
		pongCloseAt = 7
	}
	return &connection{
		ws:          ws,
		outbound:    make(chan queuedFrame, queueSize),
		closed:      make(chan struct{}),
		pongWarnAt:  pongWarnAt,
		pongCloseAt: pongCloseAt,
	}
}

// SendRaw enqueues a pre-encoded payload (the plain-text "pong" reply)
// under the same backpressure rule as Send.
func (c *connection) SendRaw(payload []byte, critical bool) {
	c.enqueue(queuedFrame{raw: payload, critical: critical})
}

// Send enqueues a frame for the writer goroutine, never blocking the
// caller. Overflow drops the oldest non-critical frame; a critical
// frame that cannot be queued closes the connection.
func (c *connection) Send(f Frame, critical bool) {
	c.enqueue(queuedFrame{frame: f, critical: critical})
}

func (c *connection) enqueue(qf queuedFrame) {
	select {
	case c.outbound <- qf:
		return
	default:
	}

	if !qf.critical {
		c.dropOldestNonCritical()
		select {
		case c.outbound <- qf:
		default:
			// Still full of critical frames; drop this non-critical one.
		}
		return
	}

	// Critical frame and the queue is saturated: try once more after
	// evicting the oldest non-critical entry, else the consumer is too
	// slow to keep up with critical traffic and must be disconnected.
	if c.dropOldestNonCritical() {
		select {
		case c.outbound <- qf:
			return
		default:
		}
	}
	c.closeSlowConsumer()
}

// dropOldestNonCritical drains queued frames until it finds and
// discards one non-critical entry, re-queuing everything else in
// order. Returns whether it found one to drop.
func (c *connection) dropOldestNonCritical() bool {
	n := len(c.outbound)
	buf := make([]queuedFrame, 0, n)
	dropped := false
	for i := 0; i < n; i++ {
		qf := <-c.outbound
		if !dropped && !qf.critical {
			dropped = true
			continue
		}
		buf = append(buf, qf)
	}
	for _, qf := range buf {
		c.outbound <- qf
	}
	return dropped
}

func (c *connection) closeSlowConsumer() {
	log.Warn().Msg("hub: closing slow consumer connection")
	c.Close(websocket.ClosePolicyViolation, "slow consumer")
}

// Close closes the underlying socket exactly once, notifying the
// owning hub via onClose.
func (c *connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// writeLoop drains the outbound queue onto the socket until the
// connection is closed. Runs as its own goroutine per connection; it
// is cancelled by Close() or by readLoop exiting.
func (c *connection) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case qf := <-c.outbound:
			payload := qf.raw
			if payload == nil {
				encoded, err := json.Marshal(qf.frame)
				if err != nil {
					continue
				}
				payload = encoded
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if warn, shouldClose := c.notePingSent(); shouldClose {
				c.Close(websocket.ClosePolicyViolation, "missed too many pongs")
				return
			} else if warn && c.onPongWarn != nil {
				c.onPongWarn()
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// notePingSent records that another ping cycle elapsed without a pong
// for the previous one, returning whether the connection has now hit
// the warning or close threshold for consecutive missed pongs
// (defaults warn=3, close=7).
func (c *connection) notePingSent() (warn, shouldClose bool) {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	if c.awaitingPong {
		c.missedPongs++
	}
	c.awaitingPong = true
	return c.missedPongs == c.pongWarnAt, c.missedPongs >= c.pongCloseAt
}

// NotePong resets the missed-pong counter; called by each hub's read
// loop on receiving a "pong" (text or JSON) frame.
func (c *connection) NotePong() {
	c.pongMu.Lock()
	defer c.pongMu.Unlock()
	c.awaitingPong = false
	c.missedPongs = 0
}
