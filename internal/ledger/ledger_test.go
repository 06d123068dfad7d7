package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"trade_sync/internal/domain"
)

func TestAppend_AssignsMonotonicSequence(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	ev1 := l.Append("acct-1", domain.EntityPosition, domain.EventCreated, "1", json.RawMessage(`{"id":1}`))
	ev2 := l.Append("acct-2", domain.EntityOrder, domain.EventCreated, "2", json.RawMessage(`{"id":2}`))

	if ev1.Seq != 1 || ev2.Seq != 2 {
		t.Errorf("expected sequences 1,2 got %d,%d", ev1.Seq, ev2.Seq)
	}
	if ev1.ID != 1 || ev2.ID != 2 {
		t.Errorf("expected ids 1,2 got %d,%d", ev1.ID, ev2.ID)
	}
}

func TestAppend_SingletonEntityKey(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	ev := l.Append("acct-1", domain.EntityCashBalance, domain.EventUpdated, "", json.RawMessage(`{"amount":"100"}`))
	if ev.EntityID != domain.SingletonKey {
		t.Errorf("expected singleton key %q, got %q", domain.SingletonKey, ev.EntityID)
	}
}

func TestReplay_IsLeftFold(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	l.Append("acct-1", domain.EntityPosition, domain.EventCreated, "X", json.RawMessage(`{"netPos":"2"}`))
	l.Append("acct-1", domain.EntityPosition, domain.EventUpdated, "X", json.RawMessage(`{"netPos":"5"}`))
	l.Append("acct-1", domain.EntityOrder, domain.EventCreated, "7", json.RawMessage(`{"id":7}`))

	state := l.Replay("acct-1", "", 0)

	pos, ok := state[domain.EntityPosition]["X"]
	if !ok {
		t.Fatal("expected position X in replay state")
	}
	var decoded struct {
		NetPos string `json:"netPos"`
	}
	if err := json.Unmarshal(pos, &decoded); err != nil || decoded.NetPos != "5" {
		t.Errorf("expected last-write netPos 5, got %s (err %v)", decoded.NetPos, err)
	}
	if _, ok := state[domain.EntityOrder]["7"]; !ok {
		t.Error("expected order 7 in replay state")
	}
}

// Scenario: Created then Updated then Deleted leaves no entry.
func TestReplay_DeleteRemovesEntity(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	l.Append("acct-1", domain.EntityPosition, domain.EventCreated, "X", json.RawMessage(`{"netPos":"2"}`))
	l.Append("acct-1", domain.EntityPosition, domain.EventUpdated, "X", json.RawMessage(`{"netPos":"5"}`))
	l.Append("acct-1", domain.EntityPosition, domain.EventDeleted, "X", nil)

	state := l.Replay("acct-1", "", 0)
	if _, ok := state[domain.EntityPosition]["X"]; ok {
		t.Error("expected position X removed after Deleted event")
	}
}

func TestReplay_UpToSequence(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	l.Append("acct-1", domain.EntityPosition, domain.EventCreated, "X", json.RawMessage(`{"netPos":"2"}`))
	ev2 := l.Append("acct-1", domain.EntityPosition, domain.EventUpdated, "X", json.RawMessage(`{"netPos":"5"}`))
	l.Append("acct-1", domain.EntityPosition, domain.EventDeleted, "X", nil)

	// Bounded at the update: position must still exist
	state := l.Replay("acct-1", "", ev2.Seq)
	if _, ok := state[domain.EntityPosition]["X"]; !ok {
		t.Error("expected position X present when replay bounded before delete")
	}
}

func TestReplay_FilterByEntityType(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	l.Append("acct-1", domain.EntityPosition, domain.EventCreated, "X", json.RawMessage(`{}`))
	l.Append("acct-1", domain.EntityOrder, domain.EventCreated, "7", json.RawMessage(`{}`))

	state := l.Replay("acct-1", domain.EntityOrder, 0)
	if _, ok := state[domain.EntityPosition]; ok {
		t.Error("expected no positions when replay filtered to orders")
	}
	if _, ok := state[domain.EntityOrder]["7"]; !ok {
		t.Error("expected order 7 in filtered replay")
	}
}

func TestReplay_AccountsAreIsolated(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	l.Append("acct-1", domain.EntityPosition, domain.EventCreated, "X", json.RawMessage(`{}`))
	l.Append("acct-2", domain.EntityPosition, domain.EventCreated, "Y", json.RawMessage(`{}`))

	state := l.Replay("acct-1", "", 0)
	if _, ok := state[domain.EntityPosition]["Y"]; ok {
		t.Error("replay leaked another account's entity")
	}
}

func TestTrim_BatchRemovesOldest(t *testing.T) {
	l := NewEventLedger(10, 4, nil)

	for i := 0; i < 11; i++ {
		l.Append("acct-1", domain.EntityFill, domain.EventCreated, "f", json.RawMessage(`{}`))
	}

	stats := l.Stats()
	// 11th append exceeds max 10, trimming 4 leaves 7
	if stats.TotalEvents != 7 {
		t.Errorf("expected 7 retained events, got %d", stats.TotalEvents)
	}
	if stats.FirstSeq != 5 {
		t.Errorf("expected oldest retained seq 5, got %d", stats.FirstSeq)
	}

	// Indices must survive the rebuild
	events := l.EntityHistory(domain.EntityFill, "f")
	if len(events) != 7 {
		t.Errorf("expected entity index rebuilt to 7 events, got %d", len(events))
	}
}

func TestEventsSince(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	for i := 0; i < 5; i++ {
		l.Append("acct-1", domain.EntityFill, domain.EventCreated, "f", json.RawMessage(`{}`))
	}

	events := l.EventsSince(3)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 3, got %d", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("expected seqs 4,5 got %d,%d", events[0].Seq, events[1].Seq)
	}
}

type failingSink struct{}

func (failingSink) SaveEvent(ctx context.Context, ev *domain.BrokerEvent) error {
	return errors.New("disk full")
}

func TestAppend_SinkFailureDoesNotLoseEvent(t *testing.T) {
	l := NewEventLedger(100, 10, failingSink{})

	ev := l.Append("acct-1", domain.EntityPosition, domain.EventCreated, "X", json.RawMessage(`{}`))
	if ev.Seq != 1 {
		t.Errorf("expected seq 1 despite sink failure, got %d", ev.Seq)
	}

	state := l.Replay("acct-1", "", 0)
	if _, ok := state[domain.EntityPosition]["X"]; !ok {
		t.Error("expected event served from memory after sink failure")
	}
}

func TestLoadPersisted_ContinuesSequence(t *testing.T) {
	l := NewEventLedger(100, 10, nil)

	l.LoadPersisted([]domain.BrokerEvent{
		{ID: 1, AccountID: "acct-1", EntityType: domain.EntityPosition, EventType: domain.EventCreated, EntityID: "X", Seq: 1},
		{ID: 2, AccountID: "acct-1", EntityType: domain.EntityPosition, EventType: domain.EventUpdated, EntityID: "X", Seq: 2},
	})

	ev := l.Append("acct-1", domain.EntityPosition, domain.EventDeleted, "X", nil)
	if ev.Seq != 3 {
		t.Errorf("expected appended seq 3 after warm load, got %d", ev.Seq)
	}

	state := l.Replay("acct-1", "", 0)
	if _, ok := state[domain.EntityPosition]["X"]; ok {
		t.Error("expected X deleted after fold over warm-loaded events")
	}
}
