package hubs

import (
	"testing"
	"time"
)

func drain(c *connection) []queuedFrame {
	var out []queuedFrame
	for {
		select {
		case qf := <-c.outbound:
			out = append(out, qf)
		default:
			return out
		}
	}
}

func TestConnection_OverflowDropsOldestNonCritical(t *testing.T) {
	c := newConnectionWithThresholds(nil, 3, 3, 7)

	c.Send(NewFrame("first", nil), false)
	c.Send(NewFrame("second", nil), true)
	c.Send(NewFrame("third", nil), false)
	// Queue full; the oldest non-critical frame ("first") must yield.
	c.Send(NewFrame("fourth", nil), false)

	queued := drain(c)
	if len(queued) != 3 {
		t.Fatalf("queue length = %d, want 3", len(queued))
	}
	types := []string{queued[0].frame.Type, queued[1].frame.Type, queued[2].frame.Type}
	want := []string{"second", "third", "fourth"}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("queue order = %v, want %v", types, want)
		}
	}
}

func TestConnection_CriticalEvictsNonCritical(t *testing.T) {
	c := newConnectionWithThresholds(nil, 2, 3, 7)

	c.Send(NewFrame("old", nil), false)
	c.Send(NewFrame("ack", nil), true)
	c.Send(NewFrame("alert", nil), true)

	queued := drain(c)
	if len(queued) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queued))
	}
	if queued[0].frame.Type != "ack" || queued[1].frame.Type != "alert" {
		t.Fatalf("queue = [%s %s], want [ack alert]", queued[0].frame.Type, queued[1].frame.Type)
	}
}

func TestConnection_PongThresholds(t *testing.T) {
	c := newConnectionWithThresholds(nil, 4, 2, 3)

	// First ping: nothing outstanding yet.
	if warn, closeNow := c.notePingSent(); warn || closeNow {
		t.Fatalf("first ping: warn=%v close=%v, want false/false", warn, closeNow)
	}
	// Second and third pings each find the previous one unanswered.
	if warn, closeNow := c.notePingSent(); warn || closeNow {
		t.Fatalf("one missed pong: warn=%v close=%v, want false/false", warn, closeNow)
	}
	if warn, closeNow := c.notePingSent(); !warn || closeNow {
		t.Fatalf("two missed pongs: warn=%v close=%v, want warn only", warn, closeNow)
	}
	if _, closeNow := c.notePingSent(); !closeNow {
		t.Fatal("three missed pongs: want close")
	}

	c.NotePong()
	if warn, closeNow := c.notePingSent(); warn || closeNow {
		t.Fatalf("after NotePong(): warn=%v close=%v, want counters reset", warn, closeNow)
	}
}

func TestNewFrame_StampsTimestamp(t *testing.T) {
	before := time.Now().UTC().Unix()
	f := NewFrame("stats_update", map[string]int{"n": 1})
	after := time.Now().UTC().Unix()

	if f.Type != "stats_update" {
		t.Errorf("Type = %q, want stats_update", f.Type)
	}
	if f.Timestamp < before || f.Timestamp > after {
		t.Errorf("Timestamp = %d, want within [%d, %d]", f.Timestamp, before, after)
	}
}
