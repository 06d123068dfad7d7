package cache

import (
	"sync"
	"time"
)

// Category names for delta consumers.
const (
	CategoryPositions = "positions"
	CategoryOrders    = "orders"
	CategoryFills     = "fills"
	CategoryPnL       = "pnl"
	CategoryBalance   = "balance"
)

// CacheEntry is one versioned slot. Seq is the global cache sequence at the
// last write, which is what delta queries compare against.
type CacheEntry struct {
	Data      any       `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
	Seq       uint64    `json:"sequence"`
	Deleted   bool      `json:"deleted,omitempty"` // tombstone: surfaced in deltas, hidden from snapshots
}

// accountState partitions one account's entries so writers for different
// accounts never contend on the same maps.
type accountState struct {
	positions map[string]*CacheEntry
	orders    map[string]*CacheEntry
	fills     map[string]*CacheEntry
	fillOrder []string // insertion order, for oldest-first eviction
	pnl       *CacheEntry
	balance   *CacheEntry
}

func newAccountState() *accountState {
	return &accountState{
		positions: make(map[string]*CacheEntry),
		orders:    make(map[string]*CacheEntry),
		fills:     make(map[string]*CacheEntry),
	}
}

// StateCache materializes current per-account broker state. Every write bumps
// one global sequence counter so consumers can ask "everything changed since
// N" without per-entity bookkeeping.
type StateCache struct {
	mu       sync.RWMutex
	accounts map[string]*accountState
	seq      uint64
	maxFills int
}

// NewStateCache creates a cache retaining at most maxFills fills per account.
func NewStateCache(maxFills int) *StateCache {
	if maxFills <= 0 {
		maxFills = 200
	}
	return &StateCache{
		accounts: make(map[string]*accountState),
		maxFills: maxFills,
	}
}

func (c *StateCache) account(accountID string) *accountState {
	st, ok := c.accounts[accountID]
	if !ok {
		st = newAccountState()
		c.accounts[accountID] = st
	}
	return st
}

func (c *StateCache) newEntry(data any) *CacheEntry {
	c.seq++
	return &CacheEntry{Data: data, UpdatedAt: time.Now(), Seq: c.seq}
}

func (c *StateCache) tombstone() *CacheEntry {
	c.seq++
	return &CacheEntry{UpdatedAt: time.Now(), Seq: c.seq, Deleted: true}
}

// UpdatePosition upserts a position keyed by contract/symbol.
func (c *StateCache) UpdatePosition(accountID, key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account(accountID).positions[key] = c.newEntry(data)
}

// RemovePosition tombstones a position so consumers observe the deletion as
// a delta. The global sequence advances like any other write.
func (c *StateCache) RemovePosition(accountID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.account(accountID)
	if _, ok := st.positions[key]; !ok {
		return
	}
	st.positions[key] = c.tombstone()
}

// UpdateOrder upserts a working order keyed by order id.
func (c *StateCache) UpdateOrder(accountID, key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account(accountID).orders[key] = c.newEntry(data)
}

// RemoveOrder tombstones an order.
func (c *StateCache) RemoveOrder(accountID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.account(accountID)
	if _, ok := st.orders[key]; !ok {
		return
	}
	st.orders[key] = c.tombstone()
}

// UpdateFill records a fill, evicting the oldest beyond the retention bound.
func (c *StateCache) UpdateFill(accountID, key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.account(accountID)

	if _, exists := st.fills[key]; !exists {
		st.fillOrder = append(st.fillOrder, key)
	}
	st.fills[key] = c.newEntry(data)

	for len(st.fillOrder) > c.maxFills {
		oldest := st.fillOrder[0]
		st.fillOrder = st.fillOrder[1:]
		delete(st.fills, oldest)
	}
}

// SetPnL sets the singleton pnl entry for an account.
func (c *StateCache) SetPnL(accountID string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account(accountID).pnl = c.newEntry(data)
}

// SetBalance sets the singleton cash balance entry for an account.
func (c *StateCache) SetBalance(accountID string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account(accountID).balance = c.newEntry(data)
}

// CurrentSeq returns the global sequence of the most recent write.
func (c *StateCache) CurrentSeq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

// Accounts returns all account ids present in the cache.
func (c *StateCache) Accounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.accounts))
	for id := range c.accounts {
		out = append(out, id)
	}
	return out
}

// AccountSnapshot aggregates one account's current state. Tombstoned entries
// are excluded.
type AccountSnapshot struct {
	AccountID string         `json:"account_id"`
	Positions map[string]any `json:"positions"`
	Orders    map[string]any `json:"orders"`
	Fills     map[string]any `json:"fills"`
	PnL       any            `json:"pnl,omitempty"`
	Balance   any            `json:"balance,omitempty"`
	Seq       uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

// Snapshot returns the complete current state for one account.
func (c *StateCache) Snapshot(accountID string) AccountSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := AccountSnapshot{
		AccountID: accountID,
		Positions: make(map[string]any),
		Orders:    make(map[string]any),
		Fills:     make(map[string]any),
		Seq:       c.seq,
		Timestamp: time.Now(),
	}

	st, ok := c.accounts[accountID]
	if !ok {
		return snap
	}

	for k, e := range st.positions {
		if !e.Deleted {
			snap.Positions[k] = e.Data
		}
	}
	for k, e := range st.orders {
		if !e.Deleted {
			snap.Orders[k] = e.Data
		}
	}
	for k, e := range st.fills {
		if !e.Deleted {
			snap.Fills[k] = e.Data
		}
	}
	if st.pnl != nil {
		snap.PnL = st.pnl.Data
	}
	if st.balance != nil {
		snap.Balance = st.balance.Data
	}
	return snap
}

// Delta is one entry that changed after a given sequence.
type Delta struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Data     any    `json:"data,omitempty"`
	Seq      uint64 `json:"sequence"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// DeltasSince returns every entry of the account whose sequence is strictly
// greater than sinceSeq. The scan is read-only: calling it twice with the
// same sinceSeq yields the same result.
func (c *StateCache) DeltasSince(accountID string, sinceSeq uint64) []Delta {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.accounts[accountID]
	if !ok {
		return nil
	}

	var deltas []Delta
	collect := func(category string, entries map[string]*CacheEntry) {
		for k, e := range entries {
			if e.Seq > sinceSeq {
				deltas = append(deltas, Delta{Category: category, Key: k, Data: e.Data, Seq: e.Seq, Deleted: e.Deleted})
			}
		}
	}
	collect(CategoryPositions, st.positions)
	collect(CategoryOrders, st.orders)
	collect(CategoryFills, st.fills)

	if st.pnl != nil && st.pnl.Seq > sinceSeq {
		deltas = append(deltas, Delta{Category: CategoryPnL, Key: "current", Data: st.pnl.Data, Seq: st.pnl.Seq})
	}
	if st.balance != nil && st.balance.Seq > sinceSeq {
		deltas = append(deltas, Delta{Category: CategoryBalance, Key: "current", Data: st.balance.Data, Seq: st.balance.Seq})
	}
	return deltas
}
