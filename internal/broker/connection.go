package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trade_sync/internal/domain"
	"trade_sync/internal/engine"
	"trade_sync/internal/infra"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of one broker connection.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateSubscribing    ConnState = "subscribing"
	StateStreaming      ConnState = "streaming"
)

// authRequestID is reserved for the authorize command.
const authRequestID = 0

const dialTimeout = 10 * time.Second

// ConnConfig holds per-connection protocol tunables.
type ConnConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	TokenTTL          time.Duration
	ReauthMargin      time.Duration
	DeadWindow        time.Duration
	DeadWindowCount   int
	SubscribeTimeout  time.Duration
}

// Connection maintains one account's broker WebSocket:
// Disconnected -> Connecting -> Authenticating -> Subscribing -> Streaming,
// falling back to Disconnected with capped jittered backoff on any failure.
type Connection struct {
	accountID string
	cfg       ConnConfig
	token     func() string // current auth token, manager-updatable
	inbox     chan<- engine.IngestEvent
	metrics   *infra.Metrics

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	state   ConnState

	lastAuth  time.Time
	lastError string

	reqID      atomic.Int64 // request id counter; 0 is reserved for auth
	lastFrame  atomic.Int64 // unix nanos of the last frame of any kind
	windowData atomic.Uint64
	reconnects atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnection creates a connection for one account. token is re-read on
// every (re)connect so token updates take effect at the next cycle.
func NewConnection(accountID string, cfg ConnConfig, token func() string, inbox chan<- engine.IngestEvent, metrics *infra.Metrics) *Connection {
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Connection{
		accountID: accountID,
		cfg:       cfg,
		token:     token,
		inbox:     inbox,
		metrics:   metrics,
		state:     StateDisconnected,
	}
}

// Connect starts the connection lifecycle loop.
func (c *Connection) Connect(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.connectionLoop(ctx)
}

func (c *Connection) connectionLoop(ctx context.Context) {
	defer c.wg.Done()
	retryCount := 0
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if attempt > 0 {
			c.metrics.RecordReconnect()
			c.reconnects.Add(1)
		}
		attempt++
		if err := c.connect(ctx); err != nil {
			c.setFailure(err)
			delay := infra.CalculateBackoff(retryCount)
			if !domain.IsRetriable(err) {
				// A rejected token will not heal on its own; hold at the cap
				// so the manager has time to install a fresh one.
				delay = infra.BackoffMax
			}
			retryCount++
			slog.Warn("Broker connection failed",
				slog.String("account", c.accountID),
				slog.Int("retry", retryCount),
				slog.Duration("next_in", delay),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		} else {
			retryCount = 0
			c.metrics.IncrementConnections()
			c.streamLoop(ctx)
			c.metrics.DecrementConnections()
			c.setState(StateDisconnected)
		}
	}
}

// connect runs the dial/auth/subscribe handshake.
func (c *Connection) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return domain.NewNetworkError("dial", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// The broker greets with an open frame before accepting commands.
	if err := c.awaitOpen(); err != nil {
		c.closeConnection()
		return err
	}

	if err := c.authenticate(ctx); err != nil {
		c.closeConnection()
		return err
	}

	if err := c.subscribe(ctx); err != nil {
		c.closeConnection()
		return err
	}

	c.mu.Lock()
	c.lastAuth = time.Now()
	c.lastError = ""
	c.state = StateStreaming
	c.mu.Unlock()

	slog.Info("Broker connection streaming", slog.String("account", c.accountID))
	return nil
}

func (c *Connection) awaitOpen() error {
	raw, err := c.readRaw(c.cfg.SubscribeTimeout)
	if err != nil {
		return domain.NewNetworkError("open", err)
	}
	if _, kind, perr := ParseFrame(raw); perr != nil || kind == FrameClose {
		return domain.NewNetworkError("open", fmt.Errorf("expected open frame, got %q", truncateFrame(raw)))
	}
	return nil
}

// authenticate sends the line-based authorize command. This is not JSON:
// "authorize\n{requestId}\n\n{token}" with the reserved request id 0.
func (c *Connection) authenticate(ctx context.Context) error {
	c.setState(StateAuthenticating)

	frame := fmt.Sprintf("authorize\n%d\n\n%s", authRequestID, c.token())
	if err := c.threadSafeWrite([]byte(frame)); err != nil {
		return domain.NewNetworkError("auth", err)
	}

	resp, err := c.awaitResponse(ctx, authRequestID, c.cfg.SubscribeTimeout)
	if err != nil {
		return domain.NewNetworkError("auth", err)
	}
	if resp.Status != 200 {
		return domain.NewFatalNetworkError("auth", fmt.Errorf("authorize rejected with status %d", resp.Status))
	}
	return nil
}

// subscribe issues the sync request naming this account and ingests the
// initial snapshot reply, then leaves the socket in streaming position.
func (c *Connection) subscribe(ctx context.Context) error {
	c.setState(StateSubscribing)

	id := c.reqID.Add(1)
	body, _ := json.Marshal(map[string]any{"accounts": []string{c.accountID}})
	frame := fmt.Sprintf("user/syncrequest\n%d\n\n%s", id, body)
	if err := c.threadSafeWrite([]byte(frame)); err != nil {
		return domain.NewNetworkError("subscribe", err)
	}

	resp, err := c.awaitResponse(ctx, int(id), c.cfg.SubscribeTimeout)
	if err != nil {
		return domain.NewNetworkError("subscribe", err)
	}
	if resp.Status != 0 && resp.Status != 200 {
		return domain.NewNetworkError("subscribe", fmt.Errorf("syncrequest rejected with status %d", resp.Status))
	}

	if len(resp.Data) > 0 {
		c.ingestSyncResponse(ctx, resp.Data)
	}
	return nil
}

// awaitResponse reads and discards control frames until the response with
// the given request id arrives or the timeout elapses. Entity events seen
// while waiting are ingested rather than dropped.
func (c *Connection) awaitResponse(ctx context.Context, id int, timeout time.Duration) (*serverMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for response %d", id)
		}

		raw, err := c.readRaw(remaining)
		if err != nil {
			return nil, err
		}
		payloads, kind, perr := ParseFrame(raw)
		if perr != nil {
			c.dropFrame(raw, perr)
			continue
		}
		if kind != FrameData {
			continue
		}

		for _, payload := range payloads {
			var msg serverMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				c.dropFrame(payload, err)
				continue
			}
			if msg.ID != nil && *msg.ID == id {
				return &msg, nil
			}
			// Not ours: route events, discard the rest
			if msg.Event != "" {
				c.handleEvent(ctx, &msg)
			}
		}
	}
}

// ingestSyncResponse feeds the subscribe reply's entity lists into the
// pipeline as Created events, warming the cache before incremental updates.
func (c *Connection) ingestSyncResponse(ctx context.Context, data json.RawMessage) {
	var sync syncResponse
	if err := json.Unmarshal(data, &sync); err != nil {
		c.dropFrame(data, err)
		return
	}
	if !sync.hasEntities() {
		return
	}

	batches := []struct {
		entityType domain.EntityType
		entities   []json.RawMessage
	}{
		{domain.EntityPosition, sync.Positions},
		{domain.EntityOrder, sync.Orders},
		{domain.EntityFill, sync.Fills},
		{domain.EntityCashBalance, sync.CashBalances},
		{domain.EntityMarginSnapshot, sync.MarginSnapshots},
	}

	count := 0
	for _, batch := range batches {
		for _, entity := range batch.entities {
			if c.sendEntity(ctx, batch.entityType, domain.EventCreated, entity) {
				count++
			}
		}
	}
	slog.Info("Initial sync snapshot ingested",
		slog.String("account", c.accountID), slog.Int("entities", count))
}

// streamLoop owns the established socket: a heartbeat writer, a liveness
// monitor and the frame read loop. It returns when the connection dies.
func (c *Connection) streamLoop(ctx context.Context) {
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		c.heartbeatLoop(streamCtx)
	}()
	go func() {
		defer loops.Done()
		c.monitorLoop(streamCtx)
	}()

	c.readLoop(streamCtx)
	stop()
	c.closeConnection()
	loops.Wait()
}

// heartbeatLoop writes the empty-array heartbeat on a fixed interval,
// independent of message traffic.
func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.threadSafeWrite([]byte("[]")); err != nil {
				return
			}
		}
	}
}

// monitorLoop force-closes the socket when the subscription goes dead (N
// consecutive windows without data frames) or the auth token nears expiry.
// Closing makes the read loop fail, which triggers a clean reconnect.
func (c *Connection) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DeadWindow)
	defer ticker.Stop()

	zeroWindows := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count := c.windowData.Swap(0); count == 0 {
				zeroWindows++
				if zeroWindows >= c.cfg.DeadWindowCount {
					slog.Warn("Dead subscription detected, forcing reconnect",
						slog.String("account", c.accountID),
						slog.Int("zero_windows", zeroWindows))
					c.closeConnection()
					return
				}
			} else {
				zeroWindows = 0
			}

			c.mu.RLock()
			authAge := time.Since(c.lastAuth)
			c.mu.RUnlock()
			if authAge > c.cfg.TokenTTL-c.cfg.ReauthMargin {
				slog.Info("Token nearing expiry, proactive reconnect",
					slog.String("account", c.accountID))
				c.closeConnection()
				return
			}
		}
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := c.readRaw(3 * c.cfg.HeartbeatInterval)
		if err != nil {
			return
		}

		payloads, kind, perr := ParseFrame(raw)
		if perr != nil {
			c.dropFrame(raw, perr)
			continue
		}
		if kind == FrameClose {
			return
		}
		if kind != FrameData {
			continue
		}

		for _, payload := range payloads {
			var msg serverMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				c.dropFrame(payload, err)
				continue
			}
			c.handleEvent(ctx, &msg)
		}
	}
}

// handleEvent routes one data payload: entity events go to the pipeline,
// everything else is discarded after classification.
func (c *Connection) handleEvent(ctx context.Context, msg *serverMessage) {
	switch msg.Event {
	case "props":
		var env eventEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			c.dropFrame(msg.Data, err)
			return
		}
		c.sendEntity(ctx, domain.EntityType(env.EntityType), domain.EventType(env.EventType), env.Entity)
	case "shutdown":
		slog.Warn("Broker announced shutdown", slog.String("account", c.accountID))
	case "":
		// Response without a pending waiter (e.g. late reply): discard.
	default:
		slog.Debug("Ignoring unhandled event kind",
			slog.String("account", c.accountID), slog.String("event", msg.Event))
	}
}

// sendEntity pushes one entity event into the inbox, blocking so that
// receipt order is preserved. Counts as a data-carrying message.
func (c *Connection) sendEntity(ctx context.Context, entityType domain.EntityType, eventType domain.EventType, entity json.RawMessage) bool {
	entityID, err := domain.EntityKey(entityType, entity)
	if err != nil {
		c.dropFrame(entity, err)
		return false
	}

	c.windowData.Add(1)

	ev := engine.IngestEvent{
		AccountID:  c.accountID,
		EntityType: entityType,
		EventType:  eventType,
		EntityID:   entityID,
		Raw:        entity,
		ReceivedAt: time.Now(),
	}
	select {
	case c.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) dropFrame(raw []byte, err error) {
	c.metrics.RecordDroppedFrame()
	slog.Warn("Dropped unparseable frame",
		slog.String("account", c.accountID),
		slog.String("frame", truncateFrame(raw)),
		slog.Any("error", err))
}

func (c *Connection) readRaw(timeout time.Duration) ([]byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("no conn")
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.lastFrame.Store(time.Now().UnixNano())
	return raw, nil
}

func (c *Connection) threadSafeWrite(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return fmt.Errorf("no conn")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) setFailure(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Disconnect stops the lifecycle loop and closes the socket. In-flight
// ingestion finishes before the loop exits.
func (c *Connection) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConnection()
	c.wg.Wait()
	c.setState(StateDisconnected)
}

// ConnStatus is the externally observable connection state.
type ConnStatus struct {
	AccountID  string    `json:"account_id"`
	State      ConnState `json:"state"`
	LastFrame  time.Time `json:"last_frame"`
	Reconnects uint64    `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status returns a point-in-time snapshot of the connection.
func (c *Connection) Status() ConnStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := ConnStatus{
		AccountID:  c.accountID,
		State:      c.state,
		Reconnects: c.reconnects.Load(),
		LastError:  c.lastError,
	}
	if nanos := c.lastFrame.Load(); nanos != 0 {
		status.LastFrame = time.Unix(0, nanos)
	}
	return status
}
