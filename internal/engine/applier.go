package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"trade_sync/internal/cache"
	"trade_sync/internal/domain"
	"trade_sync/internal/infra"
	"trade_sync/internal/ledger"
)

// IngestEvent is one parsed broker event on its way from a connection into
// the ledger and cache.
type IngestEvent struct {
	AccountID  string
	EntityType domain.EntityType
	EventType  domain.EventType
	EntityID   string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// Applier is the single consumer of the ingest inbox. Connections send into
// the inbox from their own goroutines; applying in one loop keeps per-account
// receipt order intact without holding ledger/cache locks across network calls.
type Applier struct {
	inbox   chan IngestEvent
	ledger  *ledger.EventLedger
	cache   *cache.StateCache
	metrics *infra.Metrics
}

// NewApplier creates an applier with the given inbox capacity.
func NewApplier(inboxSize int, led *ledger.EventLedger, st *cache.StateCache, metrics *infra.Metrics) *Applier {
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Applier{
		inbox:   make(chan IngestEvent, inboxSize),
		ledger:  led,
		cache:   st,
		metrics: metrics,
	}
}

// Inbox returns the event channel. Connection workers send events here.
func (a *Applier) Inbox() chan<- IngestEvent {
	return a.inbox
}

// Run starts the apply loop. This MUST be run in a single goroutine.
func (a *Applier) Run(ctx context.Context) {
	slog.Info("Applier started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Applier stopping...")
			return
		case ev := <-a.inbox:
			a.Apply(ev)
		}
	}
}

// Apply ledgers one event and materializes it into the cache. Parse failures
// are logged and skipped for the cache; the ledger keeps the raw event either
// way, so replay and audit stay complete.
func (a *Applier) Apply(ev IngestEvent) {
	led := a.ledger.Append(ev.AccountID, ev.EntityType, ev.EventType, ev.EntityID, ev.Raw)

	if !domain.KnownEntityType(ev.EntityType) {
		slog.Debug("Ledgered event of unknown entity type",
			slog.String("entity_type", string(ev.EntityType)), slog.Uint64("seq", led.Seq))
		return
	}

	a.applyToCache(ev)

	if !ev.ReceivedAt.IsZero() {
		a.metrics.RecordEvent(time.Since(ev.ReceivedAt).Nanoseconds())
	} else {
		a.metrics.RecordEvent(0)
	}
}

// Warm materializes already-ledgered events into the cache without
// re-appending them. Used at startup after a persisted ledger load; events
// must be in sequence order.
func (a *Applier) Warm(events []domain.BrokerEvent) {
	count := 0
	for _, ev := range events {
		if !domain.KnownEntityType(ev.EntityType) {
			continue
		}
		a.applyToCache(IngestEvent{
			AccountID:  ev.AccountID,
			EntityType: ev.EntityType,
			EventType:  ev.EventType,
			EntityID:   ev.EntityID,
			Raw:        ev.RawData,
		})
		count++
	}
	if count > 0 {
		slog.Info("Cache warmed from persisted ledger", slog.Int("events", count))
	}
}

func (a *Applier) applyToCache(ev IngestEvent) {
	switch ev.EntityType {
	case domain.EntityPosition:
		a.applyPosition(ev)
	case domain.EntityOrder:
		a.applyOrder(ev)
	case domain.EntityFill:
		a.applyFill(ev)
	case domain.EntityCashBalance:
		a.applySingleton(ev, a.cache.SetBalance)
	case domain.EntityMarginSnapshot:
		a.applySingleton(ev, a.cache.SetPnL)
	}
}

func (a *Applier) applyPosition(ev IngestEvent) {
	if ev.EventType == domain.EventDeleted {
		a.cache.RemovePosition(ev.AccountID, ev.EntityID)
		return
	}
	parsed, err := domain.ParseEntity(domain.EntityPosition, ev.Raw)
	if err != nil {
		a.logParseFailure(ev, err)
		return
	}
	pos := parsed.(*domain.Position)
	// A flat position is a terminal transition: drop it from current state.
	if pos.IsFlat() {
		a.cache.RemovePosition(ev.AccountID, ev.EntityID)
		return
	}
	a.cache.UpdatePosition(ev.AccountID, ev.EntityID, pos)
}

func (a *Applier) applyOrder(ev IngestEvent) {
	if ev.EventType == domain.EventDeleted {
		a.cache.RemoveOrder(ev.AccountID, ev.EntityID)
		return
	}
	parsed, err := domain.ParseEntity(domain.EntityOrder, ev.Raw)
	if err != nil {
		a.logParseFailure(ev, err)
		return
	}
	order := parsed.(*domain.WorkingOrder)
	if order.IsTerminal() {
		a.cache.RemoveOrder(ev.AccountID, ev.EntityID)
		return
	}
	a.cache.UpdateOrder(ev.AccountID, ev.EntityID, order)
}

func (a *Applier) applyFill(ev IngestEvent) {
	parsed, err := domain.ParseEntity(domain.EntityFill, ev.Raw)
	if err != nil {
		a.logParseFailure(ev, err)
		return
	}
	a.cache.UpdateFill(ev.AccountID, ev.EntityID, parsed)
}

func (a *Applier) applySingleton(ev IngestEvent, set func(string, any)) {
	if ev.EventType == domain.EventDeleted {
		return // singletons are never removed, only replaced
	}
	parsed, err := domain.ParseEntity(ev.EntityType, ev.Raw)
	if err != nil {
		a.logParseFailure(ev, err)
		return
	}
	set(ev.AccountID, parsed)
}

func (a *Applier) logParseFailure(ev IngestEvent, err error) {
	a.metrics.RecordError()
	slog.Warn("Entity parse failed, cache not updated",
		slog.String("account", ev.AccountID),
		slog.String("entity_type", string(ev.EntityType)),
		slog.Any("error", err))
}
