package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"trade_sync/internal/cache"
	"trade_sync/internal/domain"
	"trade_sync/internal/infra"
	"trade_sync/internal/ledger"
)

func newTestApplier() (*Applier, *ledger.EventLedger, *cache.StateCache) {
	led := ledger.NewEventLedger(1000, 100, nil)
	st := cache.NewStateCache(50)
	a := NewApplier(16, led, st, &infra.Metrics{})
	return a, led, st
}

func ingest(entityType domain.EntityType, eventType domain.EventType, entityID, raw string) IngestEvent {
	return IngestEvent{
		AccountID:  "ACC1",
		EntityType: entityType,
		EventType:  eventType,
		EntityID:   entityID,
		Raw:        json.RawMessage(raw),
		ReceivedAt: time.Now(),
	}
}

func TestApplier_PositionLifecycle(t *testing.T) {
	a, led, st := newTestApplier()

	a.Apply(ingest(domain.EntityPosition, domain.EventCreated, "101", `{"id":101,"netQty":3,"avgPrice":"4510.5"}`))

	snap := st.Snapshot("ACC1")
	if _, ok := snap.Positions["101"]; !ok {
		t.Fatalf("position not materialized: %+v", snap.Positions)
	}

	// Flattening the position removes it from current state
	a.Apply(ingest(domain.EntityPosition, domain.EventUpdated, "101", `{"id":101,"netQty":0,"avgPrice":"0"}`))

	snap = st.Snapshot("ACC1")
	if _, ok := snap.Positions["101"]; ok {
		t.Error("flat position still in snapshot")
	}

	// The ledger keeps both transitions
	history := led.EntityHistory(domain.EntityPosition, "101")
	if len(history) != 2 {
		t.Fatalf("ledger history has %d events, want 2", len(history))
	}
	if history[0].EventType != domain.EventCreated || history[1].EventType != domain.EventUpdated {
		t.Errorf("history types = %s, %s", history[0].EventType, history[1].EventType)
	}
}

func TestApplier_TerminalOrderRemoved(t *testing.T) {
	a, _, st := newTestApplier()

	a.Apply(ingest(domain.EntityOrder, domain.EventCreated, "55", `{"id":55,"status":"Working"}`))
	if _, ok := st.Snapshot("ACC1").Orders["55"]; !ok {
		t.Fatal("working order not materialized")
	}

	a.Apply(ingest(domain.EntityOrder, domain.EventUpdated, "55", `{"id":55,"status":"Filled"}`))
	if _, ok := st.Snapshot("ACC1").Orders["55"]; ok {
		t.Error("filled order still in snapshot")
	}
}

func TestApplier_Singletons(t *testing.T) {
	a, _, st := newTestApplier()

	a.Apply(ingest(domain.EntityCashBalance, domain.EventUpdated, domain.SingletonKey, `{"amount":"25000.00","currency":"USD"}`))
	a.Apply(ingest(domain.EntityMarginSnapshot, domain.EventUpdated, domain.SingletonKey, `{"totalUsedMargin":"1200.00"}`))

	snap := st.Snapshot("ACC1")
	if snap.Balance == nil {
		t.Error("balance not set")
	}
	if snap.PnL == nil {
		t.Error("margin snapshot not set")
	}

	// Deleting a singleton leaves the last value in place
	a.Apply(ingest(domain.EntityCashBalance, domain.EventDeleted, domain.SingletonKey, `{}`))
	if st.Snapshot("ACC1").Balance == nil {
		t.Error("deleted singleton removed the last value")
	}
}

func TestApplier_UnknownEntityLedgeredNotCached(t *testing.T) {
	a, led, st := newTestApplier()

	a.Apply(ingest(domain.EntityType("contractMaturity"), domain.EventCreated, "9", `{"id":9}`))

	if stats := led.Stats(); stats.TotalEvents != 1 {
		t.Errorf("ledger count = %d, want 1", stats.TotalEvents)
	}
	if seq := st.CurrentSeq(); seq != 0 {
		t.Errorf("cache sequence advanced to %d for an unknown entity", seq)
	}
}

func TestApplier_ParseFailureKeepsLedger(t *testing.T) {
	a, led, st := newTestApplier()

	a.Apply(ingest(domain.EntityPosition, domain.EventCreated, "7", `{"id":7,"netQty":"not a number"}`))

	if stats := led.Stats(); stats.TotalEvents != 1 {
		t.Errorf("ledger count = %d, want 1", stats.TotalEvents)
	}
	if _, ok := st.Snapshot("ACC1").Positions["7"]; ok {
		t.Error("unparseable position made it into the cache")
	}
}

func TestApplier_RunConsumesInbox(t *testing.T) {
	a, _, st := newTestApplier()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	a.Inbox() <- ingest(domain.EntityOrder, domain.EventCreated, "88", `{"id":88,"status":"Working"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := st.Snapshot("ACC1").Orders["88"]; ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("inbox event never reached the cache")
}
