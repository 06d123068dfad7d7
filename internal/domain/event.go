package domain

import (
	"encoding/json"
	"time"
)

// EntityType identifies which kind of broker entity an event refers to.
type EntityType string

const (
	EntityPosition       EntityType = "position"
	EntityOrder          EntityType = "order"
	EntityFill           EntityType = "fill"
	EntityCashBalance    EntityType = "cashBalance"
	EntityMarginSnapshot EntityType = "marginSnapshot"
)

// EventType is the mutation kind carried by a broker event.
type EventType string

const (
	EventCreated EventType = "Created"
	EventUpdated EventType = "Updated"
	EventDeleted EventType = "Deleted"
)

// SingletonKey is the entity id used for entities that exist at most once
// per account (cash balance, margin snapshot, pnl).
const SingletonKey = "current"

// BrokerEvent is one immutable ledger entry. Seq is the global monotonic
// sequence assigned at append time; it never changes afterwards.
type BrokerEvent struct {
	ID         uint64          `json:"id"`
	AccountID  string          `json:"account_id"`
	Timestamp  time.Time       `json:"timestamp"`
	EntityType EntityType      `json:"entity_type"`
	EventType  EventType       `json:"event_type"`
	EntityID   string          `json:"entity_id"` // SingletonKey for singleton entities
	RawData    json.RawMessage `json:"raw_data"`
	Seq        uint64          `json:"sequence"`
}

// KnownEntityType reports whether t is one of the entity types this engine
// understands. Unknown types are still ledgered (forward compatibility) but
// never applied to the cache.
func KnownEntityType(t EntityType) bool {
	switch t {
	case EntityPosition, EntityOrder, EntityFill, EntityCashBalance, EntityMarginSnapshot:
		return true
	default:
		return false
	}
}

// IsSingleton reports whether the entity type has no per-entity id.
func IsSingleton(t EntityType) bool {
	return t == EntityCashBalance || t == EntityMarginSnapshot
}
