package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trade_sync/internal/engine"
	"trade_sync/internal/infra"
)

func TestManager_SupervisesConfiguredAccounts(t *testing.T) {
	var conns atomic.Int32
	url := newBrokerServer(t, &conns, func(conn *websocket.Conn) {
		if err := serveHandshake(conn, `{}`); err != nil {
			return
		}
		drainUntilClosed(conn)
	})

	inbox := make(chan engine.IngestEvent, 16)
	mgr := NewManager(testConnConfig(url), 25*time.Millisecond, 2, inbox, &infra.Metrics{})
	mgr.AddAccount("ACC1", "tok-1")
	mgr.AddAccount("ACC2", "tok-2")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	t.Cleanup(mgr.Stop)

	waitForHealth(t, mgr, func(h map[string]ConnStatus) bool {
		return h["ACC1"].State == StateStreaming && h["ACC2"].State == StateStreaming
	})

	// Late registration is picked up by the next sweep
	mgr.AddAccount("ACC3", "tok-3")
	waitForHealth(t, mgr, func(h map[string]ConnStatus) bool {
		return h["ACC3"].State == StateStreaming
	})

	if got := conns.Load(); got != 3 {
		t.Errorf("server saw %d connections, want 3", got)
	}
}

func TestManager_RemoveAccountTearsDown(t *testing.T) {
	url := newBrokerServer(t, nil, func(conn *websocket.Conn) {
		if err := serveHandshake(conn, `{}`); err != nil {
			return
		}
		drainUntilClosed(conn)
	})

	inbox := make(chan engine.IngestEvent, 16)
	mgr := NewManager(testConnConfig(url), 25*time.Millisecond, 1, inbox, &infra.Metrics{})
	mgr.AddAccount("ACC1", "tok-1")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	t.Cleanup(mgr.Stop)

	waitForHealth(t, mgr, func(h map[string]ConnStatus) bool {
		return h["ACC1"].State == StateStreaming
	})

	mgr.RemoveAccount("ACC1")

	health := mgr.Health()
	if _, present := health["ACC1"]; present {
		t.Errorf("removed account still reported in health: %+v", health)
	}
}

func TestManager_UpdateToken(t *testing.T) {
	inbox := make(chan engine.IngestEvent, 1)
	mgr := NewManager(testConnConfig("ws://unused"), time.Second, 1, inbox, &infra.Metrics{})
	mgr.AddAccount("ACC1", "old")

	if !mgr.UpdateToken("ACC1", "new") {
		t.Error("UpdateToken failed for a registered account")
	}
	if mgr.UpdateToken("ACC9", "x") {
		t.Error("UpdateToken succeeded for an unknown account")
	}

	mgr.mu.RLock()
	token := mgr.accounts["ACC1"].currentToken()
	mgr.mu.RUnlock()
	if token != "new" {
		t.Errorf("token = %q, want new", token)
	}
}

func waitForHealth(t *testing.T, mgr *Manager, ok func(map[string]ConnStatus) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ok(mgr.Health()) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("health never converged: %+v", mgr.Health())
}
