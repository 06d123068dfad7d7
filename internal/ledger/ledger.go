package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"trade_sync/internal/domain"
)

// Sink receives every appended event, best-effort. A sink failure must not
// affect the in-memory ledger.
type Sink interface {
	SaveEvent(ctx context.Context, ev *domain.BrokerEvent) error
}

type entityKey struct {
	EntityType domain.EntityType
	EntityID   string
}

// EventLedger is the append-only, indexed, replayable event store. Events are
// immutable once appended; the global sequence is strictly increasing.
type EventLedger struct {
	mu        sync.Mutex
	events    []*domain.BrokerEvent
	byAccount map[string][]*domain.BrokerEvent
	byEntity  map[entityKey][]*domain.BrokerEvent

	nextID  uint64
	nextSeq uint64

	maxEvents int
	trimBatch int

	sink Sink
}

// NewEventLedger creates a ledger that trims trimBatch oldest events once
// maxEvents is exceeded. sink may be nil.
func NewEventLedger(maxEvents, trimBatch int, sink Sink) *EventLedger {
	if maxEvents <= 0 {
		maxEvents = 100000
	}
	if trimBatch <= 0 {
		trimBatch = maxEvents / 10
	}
	return &EventLedger{
		events:    make([]*domain.BrokerEvent, 0, 1024),
		byAccount: make(map[string][]*domain.BrokerEvent),
		byEntity:  make(map[entityKey][]*domain.BrokerEvent),
		nextID:    1,
		nextSeq:   1,
		maxEvents: maxEvents,
		trimBatch: trimBatch,
		sink:      sink,
	}
}

// Append records one broker event, assigning the next ledger id and the next
// global sequence. Persistence happens outside the lock and its failure only
// logs a warning; memory remains authoritative.
func (l *EventLedger) Append(accountID string, entityType domain.EntityType, eventType domain.EventType, entityID string, rawData json.RawMessage) *domain.BrokerEvent {
	if entityID == "" {
		entityID = domain.SingletonKey
	}

	l.mu.Lock()
	ev := &domain.BrokerEvent{
		ID:         l.nextID,
		AccountID:  accountID,
		Timestamp:  time.Now(),
		EntityType: entityType,
		EventType:  eventType,
		EntityID:   entityID,
		RawData:    rawData,
		Seq:        l.nextSeq,
	}
	l.nextID++
	l.nextSeq++

	l.events = append(l.events, ev)
	l.byAccount[accountID] = append(l.byAccount[accountID], ev)
	key := entityKey{EntityType: entityType, EntityID: entityID}
	l.byEntity[key] = append(l.byEntity[key], ev)

	if len(l.events) > l.maxEvents {
		l.trimLocked()
	}
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.SaveEvent(context.Background(), ev); err != nil {
			slog.Warn("Ledger persistence failed, serving from memory",
				slog.Uint64("seq", ev.Seq), slog.Any("error", err))
		}
	}

	return ev
}

// LoadPersisted seeds the ledger from previously persisted events at startup.
// Events must already be in sequence order. Not for use after Append begins.
func (l *EventLedger) LoadPersisted(events []domain.BrokerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range events {
		ev := events[i]
		l.events = append(l.events, &ev)
		l.byAccount[ev.AccountID] = append(l.byAccount[ev.AccountID], &ev)
		key := entityKey{EntityType: ev.EntityType, EntityID: ev.EntityID}
		l.byEntity[key] = append(l.byEntity[key], &ev)

		if ev.ID >= l.nextID {
			l.nextID = ev.ID + 1
		}
		if ev.Seq >= l.nextSeq {
			l.nextSeq = ev.Seq + 1
		}
	}
}

// trimLocked drops the oldest trimBatch events in one pass and rebuilds both
// indices. Must be called with the lock held.
func (l *EventLedger) trimLocked() {
	n := l.trimBatch
	if n > len(l.events) {
		n = len(l.events)
	}

	remaining := make([]*domain.BrokerEvent, len(l.events)-n)
	copy(remaining, l.events[n:])
	l.events = remaining

	// Full index rebuild: trimming is rare, correctness beats cleverness here.
	l.byAccount = make(map[string][]*domain.BrokerEvent, len(l.byAccount))
	l.byEntity = make(map[entityKey][]*domain.BrokerEvent, len(l.byEntity))
	for _, ev := range l.events {
		l.byAccount[ev.AccountID] = append(l.byAccount[ev.AccountID], ev)
		key := entityKey{EntityType: ev.EntityType, EntityID: ev.EntityID}
		l.byEntity[key] = append(l.byEntity[key], ev)
	}
}

// ReplayState is the result of folding events: entity type -> entity id -> raw data.
type ReplayState map[domain.EntityType]map[string]json.RawMessage

// Replay folds the account's events in sequence order into current state:
// Created/Updated upsert, Deleted removes. entityType narrows the fold to one
// type when non-empty; upToSeq bounds it when non-zero. Replay never mutates
// the ledger.
func (l *EventLedger) Replay(accountID string, entityType domain.EntityType, upToSeq uint64) ReplayState {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := make(ReplayState)
	for _, ev := range l.byAccount[accountID] {
		if entityType != "" && ev.EntityType != entityType {
			continue
		}
		if upToSeq != 0 && ev.Seq > upToSeq {
			break
		}

		switch ev.EventType {
		case domain.EventCreated, domain.EventUpdated:
			m, ok := state[ev.EntityType]
			if !ok {
				m = make(map[string]json.RawMessage)
				state[ev.EntityType] = m
			}
			m[ev.EntityID] = ev.RawData
		case domain.EventDeleted:
			if m, ok := state[ev.EntityType]; ok {
				delete(m, ev.EntityID)
			}
		}
	}
	return state
}

// EventsSince returns a copy of all retained events with Seq > sinceSeq, in
// sequence order.
func (l *EventLedger) EventsSince(sinceSeq uint64) []domain.BrokerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.BrokerEvent, 0)
	for _, ev := range l.events {
		if ev.Seq > sinceSeq {
			out = append(out, *ev)
		}
	}
	return out
}

// EntityHistory returns the retained events for one entity in sequence order.
func (l *EventLedger) EntityHistory(entityType domain.EntityType, entityID string) []domain.BrokerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entityKey{EntityType: entityType, EntityID: entityID}
	events := l.byEntity[key]
	out := make([]domain.BrokerEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, *ev)
	}
	return out
}

// LedgerStats is a point-in-time view of ledger occupancy.
type LedgerStats struct {
	TotalEvents int
	Accounts    int
	FirstSeq    uint64
	NextSeq     uint64
}

// Stats returns current ledger statistics.
func (l *EventLedger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := LedgerStats{
		TotalEvents: len(l.events),
		Accounts:    len(l.byAccount),
		NextSeq:     l.nextSeq,
	}
	if len(l.events) > 0 {
		stats.FirstSeq = l.events[0].Seq
	}
	return stats
}
