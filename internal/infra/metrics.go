package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsIngested atomic.Uint64
	framesDropped  atomic.Uint64
	tasksExecuted  atomic.Uint64
	tasksFailed    atomic.Uint64
	penalties      atomic.Uint64
	rateLimits     atomic.Uint64
	reconnects     atomic.Uint64
	publishTicks   atomic.Uint64
	errorsTotal    atomic.Uint64

	// Latency tracking (event ingest to cache apply)
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// RecordEvent records one ingested broker event with apply latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsIngested.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordDroppedFrame records an unparseable frame that was discarded.
func (m *Metrics) RecordDroppedFrame() {
	m.framesDropped.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// RecordTaskExecuted records one dispatched order task.
func (m *Metrics) RecordTaskExecuted() {
	m.tasksExecuted.Add(1)
}

// RecordTaskFailed records a terminally failed order task.
func (m *Metrics) RecordTaskFailed() {
	m.tasksFailed.Add(1)
}

// RecordPenalty records a broker-issued penalty window.
func (m *Metrics) RecordPenalty() {
	m.penalties.Add(1)
}

// RecordRateLimit records a rate-limited requeue.
func (m *Metrics) RecordRateLimit() {
	m.rateLimits.Add(1)
}

// RecordReconnect records a broker connection (re)establishment attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// RecordPublishTick records one publisher tick.
func (m *Metrics) RecordPublishTick() {
	m.publishTicks.Add(1)
}

// SetActiveConnections sets the current active connection count.
func (m *Metrics) SetActiveConnections(count int32) {
	m.activeConnections.Store(count)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsIngested    uint64
	FramesDropped     uint64
	TasksExecuted     uint64
	TasksFailed       uint64
	Penalties         uint64
	RateLimits        uint64
	Reconnects        uint64
	PublishTicks      uint64
	ErrorsTotal       uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsIngested:    m.eventsIngested.Load(),
		FramesDropped:     m.framesDropped.Load(),
		TasksExecuted:     m.tasksExecuted.Load(),
		TasksFailed:       m.tasksFailed.Load(),
		Penalties:         m.penalties.Load(),
		RateLimits:        m.rateLimits.Load(),
		Reconnects:        m.reconnects.Load(),
		PublishTicks:      m.publishTicks.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsIngested.Store(0)
	m.framesDropped.Store(0)
	m.tasksExecuted.Store(0)
	m.tasksFailed.Store(0)
	m.penalties.Store(0)
	m.rateLimits.Store(0)
	m.reconnects.Store(0)
	m.publishTicks.Store(0)
	m.errorsTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
}
