package publish

import (
	"fmt"
	"testing"
	"time"

	"trade_sync/internal/cache"
	"trade_sync/internal/infra"
)

type captureSink struct {
	messages []Message
	fail     bool
}

func (c *captureSink) sink(msg Message) error {
	if c.fail {
		return fmt.Errorf("client gone")
	}
	c.messages = append(c.messages, msg)
	return nil
}

func newTestPublisher() (*Publisher, *cache.StateCache) {
	st := cache.NewStateCache(50)
	p := NewPublisher(st, time.Second, &infra.Metrics{})
	return p, st
}

func TestPublisher_SnapshotThenDeltas(t *testing.T) {
	p, st := newTestPublisher()
	st.UpdatePosition("ACC1", "101", map[string]any{"id": 101})
	st.UpdateOrder("ACC1", "55", map[string]any{"id": 55})

	client := &captureSink{}
	p.Register("c1", []string{"ACC1"}, true, client.sink)

	p.Tick()
	if len(client.messages) != 1 {
		t.Fatalf("got %d messages after first tick, want 1", len(client.messages))
	}
	first := client.messages[0]
	if first.Type != MessageSnapshot {
		t.Fatalf("first message type = %q, want snapshot", first.Type)
	}
	snap := first.Data["ACC1"]
	if len(snap.Positions) != 1 || len(snap.Orders) != 1 {
		t.Errorf("snapshot = %d positions, %d orders, want 1/1", len(snap.Positions), len(snap.Orders))
	}

	// Nothing changed: the next tick emits nothing
	p.Tick()
	if len(client.messages) != 1 {
		t.Fatalf("idle tick emitted a message: %+v", client.messages[1])
	}

	st.RemoveOrder("ACC1", "55")
	p.Tick()
	if len(client.messages) != 2 {
		t.Fatalf("got %d messages after change, want 2", len(client.messages))
	}
	delta := client.messages[1]
	if delta.Type != MessageDelta {
		t.Fatalf("second message type = %q, want delta", delta.Type)
	}
	deltas := delta.Accounts["ACC1"]
	if len(deltas) != 1 || !deltas[0].Deleted || deltas[0].Key != "55" {
		t.Errorf("delta = %+v, want one deleted order 55", deltas)
	}
	if delta.FromSequence >= delta.ToSequence {
		t.Errorf("sequence range %d..%d not increasing", delta.FromSequence, delta.ToSequence)
	}
}

func TestPublisher_SnapshotOnlyClient(t *testing.T) {
	p, st := newTestPublisher()
	st.UpdatePosition("ACC1", "101", map[string]any{"id": 101})

	client := &captureSink{}
	p.Register("c1", nil, false, client.sink)

	p.Tick()
	p.Tick()

	if len(client.messages) != 2 {
		t.Fatalf("got %d messages, want 2 snapshots", len(client.messages))
	}
	for _, msg := range client.messages {
		if msg.Type != MessageSnapshot {
			t.Errorf("message type = %q, want snapshot", msg.Type)
		}
		if _, ok := msg.Data["ACC1"]; !ok {
			t.Errorf("unfiltered client missing account ACC1: %+v", msg.Data)
		}
	}
}

func TestPublisher_UnfilteredClientAlwaysGetsSnapshots(t *testing.T) {
	p, st := newTestPublisher()
	st.UpdatePosition("ACC1", "101", map[string]any{"id": 101})

	// Deltas requested but no account filter: every tick is a platform
	// snapshot, including idle ones.
	client := &captureSink{}
	p.Register("c1", nil, true, client.sink)

	p.Tick()
	st.UpdatePosition("ACC1", "102", map[string]any{"id": 102})
	p.Tick()
	p.Tick()

	if len(client.messages) != 3 {
		t.Fatalf("got %d messages over 3 ticks, want 3", len(client.messages))
	}
	for i, msg := range client.messages {
		if msg.Type != MessageSnapshot {
			t.Errorf("tick %d message type = %q, want %q", i, msg.Type, MessageSnapshot)
		}
	}
	if last := client.messages[2].Data["ACC1"]; len(last.Positions) != 2 {
		t.Errorf("final snapshot has %d positions, want 2", len(last.Positions))
	}
}

func TestPublisher_FailedEmitRetriesSameRange(t *testing.T) {
	p, st := newTestPublisher()
	st.UpdatePosition("ACC1", "101", map[string]any{"id": 101})

	client := &captureSink{}
	p.Register("c1", []string{"ACC1"}, true, client.sink)
	p.Tick() // snapshot delivered

	st.UpdatePosition("ACC1", "102", map[string]any{"id": 102})

	client.fail = true
	p.Tick() // delta lost
	client.fail = false
	p.Tick()

	if len(client.messages) != 2 {
		t.Fatalf("got %d messages, want snapshot + retried delta", len(client.messages))
	}
	deltas := client.messages[1].Accounts["ACC1"]
	if len(deltas) != 1 || deltas[0].Key != "102" {
		t.Errorf("retried delta = %+v, want position 102", deltas)
	}
}

func TestPublisher_AccountFiltering(t *testing.T) {
	p, st := newTestPublisher()
	st.UpdatePosition("ACC1", "101", map[string]any{"id": 101})
	st.UpdatePosition("ACC2", "201", map[string]any{"id": 201})

	client := &captureSink{}
	p.Register("c1", []string{"ACC2"}, false, client.sink)
	p.Tick()

	if len(client.messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(client.messages))
	}
	data := client.messages[0].Data
	if _, ok := data["ACC1"]; ok {
		t.Error("filtered client received ACC1")
	}
	if snap, ok := data["ACC2"]; !ok || len(snap.Positions) != 1 {
		t.Errorf("ACC2 snapshot wrong: %+v", data)
	}
}

func TestPublisher_Unregister(t *testing.T) {
	p, st := newTestPublisher()
	st.UpdatePosition("ACC1", "101", map[string]any{"id": 101})

	client := &captureSink{}
	p.Register("c1", nil, false, client.sink)
	p.Unregister("c1")
	p.Tick()

	if len(client.messages) != 0 {
		t.Errorf("unregistered client received %d messages", len(client.messages))
	}
}
