package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trade_sync/internal/engine"
	"trade_sync/internal/infra"
)

// account is the manager's view of one configured account.
type account struct {
	mu    sync.RWMutex
	id    string
	token string
}

func (a *account) currentToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Manager supervises one Connection per configured account. A periodic
// sweep starts connections for accounts that lack one, bounded by a
// semaphore so a cold start does not stampede the broker.
type Manager struct {
	cfg      ConnConfig
	interval time.Duration
	inbox    chan<- engine.IngestEvent
	metrics  *infra.Metrics

	mu       sync.RWMutex
	accounts map[string]*account
	conns    map[string]*Connection

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager. maxConcurrent bounds how many
// connection handshakes may run at once.
func NewManager(cfg ConnConfig, interval time.Duration, maxConcurrent int, inbox chan<- engine.IngestEvent, metrics *infra.Metrics) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{
		cfg:      cfg,
		interval: interval,
		inbox:    inbox,
		metrics:  metrics,
		accounts: make(map[string]*account),
		conns:    make(map[string]*Connection),
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// AddAccount registers an account. The supervisor picks it up on its
// next sweep; no connection is opened synchronously.
func (m *Manager) AddAccount(id, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[id]; exists {
		return
	}
	m.accounts[id] = &account{id: id, token: token}
	slog.Info("Account registered", slog.String("account", id))
}

// RemoveAccount deregisters an account and tears down its connection.
func (m *Manager) RemoveAccount(id string) {
	m.mu.Lock()
	delete(m.accounts, id)
	conn := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	slog.Info("Account removed", slog.String("account", id))
}

// UpdateToken replaces an account's auth token. The running connection
// keeps its current session; the new token is used on the next
// (re)connect, which the proactive re-auth cycle guarantees happens
// before the old one expires.
func (m *Manager) UpdateToken(id, token string) bool {
	m.mu.RLock()
	acct := m.accounts[id]
	m.mu.RUnlock()
	if acct == nil {
		return false
	}
	acct.mu.Lock()
	acct.token = token
	acct.mu.Unlock()
	return true
}

// Start launches the supervisor loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.supervisorLoop(ctx)
	slog.Info("Connection manager started", slog.Duration("interval", m.interval))
}

func (m *Manager) supervisorLoop(ctx context.Context) {
	defer m.wg.Done()

	// First sweep immediately rather than waiting one interval.
	m.sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep starts a connection for every registered account that lacks one.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	var pending []*account
	for id, acct := range m.accounts {
		if _, running := m.conns[id]; !running {
			pending = append(pending, acct)
		}
	}
	m.mu.Unlock()

	for _, acct := range pending {
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		conn := NewConnection(acct.id, m.cfg, acct.currentToken, m.inbox, m.metrics)
		m.mu.Lock()
		m.conns[acct.id] = conn
		m.mu.Unlock()

		conn.Connect(ctx)
		// Hold the slot until the handshake settles one way or the other.
		m.wg.Add(1)
		go func(c *Connection) {
			defer m.wg.Done()
			defer func() { <-m.sem }()
			m.awaitSettled(ctx, c)
		}(conn)
	}
}

// awaitSettled blocks until the connection reaches streaming or its first
// backoff, releasing the concurrency slot for the next account.
func (m *Manager) awaitSettled(ctx context.Context, c *Connection) {
	deadline := time.Now().Add(m.cfg.SubscribeTimeout * 3)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
		switch c.Status().State {
		case StateStreaming, StateDisconnected:
			return
		}
	}
}

// Stop tears down the supervisor and every connection.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	m.wg.Wait()
	slog.Info("Connection manager stopped")
}

// Health reports the status of every managed connection, keyed by account.
func (m *Manager) Health() map[string]ConnStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ConnStatus, len(m.accounts))
	for id := range m.accounts {
		if conn, ok := m.conns[id]; ok {
			out[id] = conn.Status()
		} else {
			out[id] = ConnStatus{AccountID: id, State: StateDisconnected}
		}
	}
	return out
}
