package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Position represents net held quantity for one contract on one account.
type Position struct {
	ID         int64           `json:"id"`
	AccountID  int64           `json:"accountId"`
	ContractID int64           `json:"contractId"`
	Symbol     string          `json:"symbol,omitempty"`
	NetQty     decimal.Decimal `json:"netPos"`
	AvgPrice   decimal.Decimal `json:"netPrice"`
	Timestamp  string          `json:"timestamp,omitempty"`

	Raw json.RawMessage `json:"-"` // original payload, kept for schema drift
}

// IsFlat reports whether the position no longer holds anything.
func (p *Position) IsFlat() bool {
	return p.NetQty.IsZero()
}

// WorkingOrder represents a broker-side order in any lifecycle state.
type WorkingOrder struct {
	ID         int64            `json:"id"`
	AccountID  int64            `json:"accountId"`
	ContractID int64            `json:"contractId"`
	Action     string           `json:"action"` // "Buy" / "Sell"
	Status     string           `json:"ordStatus"`
	Qty        decimal.Decimal  `json:"qty"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
	Timestamp  string           `json:"timestamp,omitempty"`

	Raw json.RawMessage `json:"-"`
}

const (
	OrderStatusWorking   = "Working"
	OrderStatusFilled    = "Filled"
	OrderStatusCanceled  = "Canceled"
	OrderStatusRejected  = "Rejected"
	OrderStatusExpired   = "Expired"
	OrderStatusSuspended = "Suspended"
)

// IsTerminal reports whether the order can no longer change on the broker.
func (o *WorkingOrder) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Fill is the broker confirmation of an (partial) execution.
type Fill struct {
	ID         int64           `json:"id"`
	OrderID    int64           `json:"orderId"`
	AccountID  int64           `json:"accountId"`
	ContractID int64           `json:"contractId"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Action     string          `json:"action"`
	Timestamp  string          `json:"timestamp,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// CashBalance is the singleton account cash state.
type CashBalance struct {
	AccountID    int64           `json:"accountId"`
	Amount       decimal.Decimal `json:"amount"`
	RealizedPnL  decimal.Decimal `json:"realizedPnL"`
	WeekRealized decimal.Decimal `json:"weekRealizedPnL"`

	Raw json.RawMessage `json:"-"`
}

// MarginSnapshot is the singleton account margin state.
type MarginSnapshot struct {
	AccountID         int64           `json:"accountId"`
	InitialMargin     decimal.Decimal `json:"initialMargin"`
	MaintenanceMargin decimal.Decimal `json:"maintenanceMargin"`
	TotalUsedMargin   decimal.Decimal `json:"totalUsedMargin"`
	Timestamp         string          `json:"timestamp,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseEntity decodes a raw broker entity into its typed form once, at the
// ingestion boundary. The raw payload is retained on the typed value.
func ParseEntity(t EntityType, raw json.RawMessage) (any, error) {
	switch t {
	case EntityPosition:
		var p Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("parse position: %w", err)
		}
		p.Raw = raw
		return &p, nil
	case EntityOrder:
		var o WorkingOrder
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("parse order: %w", err)
		}
		o.Raw = raw
		return &o, nil
	case EntityFill:
		var f Fill
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse fill: %w", err)
		}
		f.Raw = raw
		return &f, nil
	case EntityCashBalance:
		var c CashBalance
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parse cash balance: %w", err)
		}
		c.Raw = raw
		return &c, nil
	case EntityMarginSnapshot:
		var m MarginSnapshot
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse margin snapshot: %w", err)
		}
		m.Raw = raw
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
}

// EntityKey extracts the cache/ledger key for a raw entity payload.
// Singleton entities always map to SingletonKey.
func EntityKey(t EntityType, raw json.RawMessage) (string, error) {
	if IsSingleton(t) {
		return SingletonKey, nil
	}
	var envelope struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("extract entity id: %w", err)
	}
	if envelope.ID.String() == "" {
		return "", fmt.Errorf("entity type %q carries no id", t)
	}
	return envelope.ID.String(), nil
}
