// Package publish pushes cache state to downstream consumers on a fixed
// cadence: a full snapshot first, then per-account deltas for clients that
// opted in. A tick that has nothing new for a client emits nothing.
package publish

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trade_sync/internal/cache"
	"trade_sync/internal/infra"
)

const (
	MessageSnapshot = "full_snapshot"
	MessageDelta    = "delta"
)

// Message is one publication unit. Snapshots carry Data keyed by account;
// deltas carry Accounts plus the sequence range they cover.
type Message struct {
	Type         string                           `json:"type"`
	Sequence     uint64                           `json:"sequence,omitempty"`
	FromSequence uint64                           `json:"from_sequence,omitempty"`
	ToSequence   uint64                           `json:"to_sequence,omitempty"`
	Timestamp    time.Time                        `json:"timestamp"`
	Data         map[string]cache.AccountSnapshot `json:"data,omitempty"`
	Accounts     map[string][]cache.Delta         `json:"accounts,omitempty"`
}

// Sink delivers one message to a client. A non-nil error means the client
// did not receive the message; the publisher will retry the same range on
// the next tick.
type Sink func(Message) error

// ClientSession is one registered consumer.
type ClientSession struct {
	ClientID      string
	Accounts      []string // empty means every account
	DeltasEnabled bool

	sink    Sink
	primed  bool   // set once a full snapshot was delivered
	lastSeq uint64 // cache sequence covered by the last delivery
}

// Publisher fans cache state out to registered clients on a fixed interval.
type Publisher struct {
	cache    *cache.StateCache
	interval time.Duration
	metrics  *infra.Metrics

	mu      sync.Mutex
	clients map[string]*ClientSession
}

// NewPublisher creates a publisher over the given cache.
func NewPublisher(st *cache.StateCache, interval time.Duration, metrics *infra.Metrics) *Publisher {
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Publisher{
		cache:    st,
		interval: interval,
		metrics:  metrics,
		clients:  make(map[string]*ClientSession),
	}
}

// Register adds a client. Its first publication is always a full snapshot;
// deltas (when enabled) start from there. Delta mode requires an account
// filter: an unfiltered client gets the platform snapshot every tick.
func (p *Publisher) Register(clientID string, accounts []string, deltas bool, sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[clientID] = &ClientSession{
		ClientID:      clientID,
		Accounts:      accounts,
		DeltasEnabled: deltas,
		sink:          sink,
	}
	slog.Info("Publisher client registered",
		slog.String("client", clientID), slog.Bool("deltas", deltas))
}

// Unregister removes a client. Safe for unknown ids.
func (p *Publisher) Unregister(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, clientID)
}

// Run publishes on the configured interval until the context ends.
func (p *Publisher) Run(ctx context.Context) {
	slog.Info("Publisher started", slog.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Publisher stopping...")
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick publishes once to every client. One failing client does not block
// the rest.
func (p *Publisher) Tick() {
	p.mu.Lock()
	sessions := make([]*ClientSession, 0, len(p.clients))
	for _, s := range p.clients {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	p.metrics.RecordPublishTick()
	for _, s := range sessions {
		p.publishTo(s)
	}
}

func (p *Publisher) publishTo(s *ClientSession) {
	seq := p.cache.CurrentSeq()

	// A client without an account filter always gets the full platform
	// snapshot; the delta path is reserved for filtered clients.
	if len(s.Accounts) == 0 {
		p.publishSnapshot(s, p.cache.Accounts(), seq)
		return
	}

	if s.DeltasEnabled && s.primed {
		p.publishDeltas(s, s.Accounts, seq)
		return
	}
	p.publishSnapshot(s, s.Accounts, seq)
}

func (p *Publisher) publishSnapshot(s *ClientSession, accounts []string, seq uint64) {
	data := make(map[string]cache.AccountSnapshot, len(accounts))
	for _, id := range accounts {
		data[id] = p.cache.Snapshot(id)
	}

	msg := Message{
		Type:      MessageSnapshot,
		Sequence:  seq,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := s.sink(msg); err != nil {
		p.emitFailed(s, err)
		return
	}
	s.primed = true
	s.lastSeq = seq
}

func (p *Publisher) publishDeltas(s *ClientSession, accounts []string, seq uint64) {
	changed := make(map[string][]cache.Delta)
	for _, id := range accounts {
		if deltas := p.cache.DeltasSince(id, s.lastSeq); len(deltas) > 0 {
			changed[id] = deltas
		}
	}
	if len(changed) == 0 {
		return // nothing new: emit nothing this tick
	}

	msg := Message{
		Type:         MessageDelta,
		FromSequence: s.lastSeq,
		ToSequence:   seq,
		Timestamp:    time.Now(),
		Accounts:     changed,
	}
	if err := s.sink(msg); err != nil {
		// lastSeq stays put so the same range is retried next tick
		p.emitFailed(s, err)
		return
	}
	s.lastSeq = seq
}

// Stats reports how many clients are registered and how many of them are
// delta subscribers.
func (p *Publisher) Stats() (clients, deltaClients int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.clients {
		if s.DeltasEnabled {
			deltaClients++
		}
	}
	return len(p.clients), deltaClients
}

func (p *Publisher) emitFailed(s *ClientSession, err error) {
	p.metrics.RecordError()
	slog.Warn("Publish to client failed",
		slog.String("client", s.ClientID), slog.Any("error", err))
}
