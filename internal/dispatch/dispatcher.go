package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trade_sync/internal/domain"
	"trade_sync/internal/infra"
)

// idleDelay is how long a worker sleeps when no account has an eligible task.
const idleDelay = 20 * time.Millisecond

// maxRateLimitRequeues bounds how often one task may be requeued after broker
// throttling. Rate-limited attempts never reached the broker, so they do not
// consume the task's MaxAttempts budget; this is the separate bound.
const maxRateLimitRequeues = 10

// Config holds the dispatcher tunables.
type Config struct {
	Workers        int
	GlobalRate     float64
	GlobalBurst    float64
	AccountRate    float64
	AccountBurst   float64
	RateLimitDelay time.Duration
	HistorySize    int
	CoalesceModify bool
}

// Dispatcher executes order tasks through a fixed worker pool, serving
// accounts round-robin under global and per-account rate limits.
type Dispatcher struct {
	cfg     Config
	execute domain.ExecuteFunc
	metrics *infra.Metrics

	mu             sync.Mutex
	queues         map[string]*AccountQueue
	accountOrder   []string // stable scan order for round-robin fairness
	rrCursor       int
	accountBuckets map[string]*TokenBucket
	tasks          map[string]*domain.OrderTask // every non-evicted task by id
	history        []string                     // terminal task ids, oldest first
	rlRequeues     map[string]int               // per-task rate-limit requeue count

	globalBucket *TokenBucket

	stats  Stats
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats are cumulative dispatcher counters plus per-account queue state.
type Stats struct {
	Submitted         uint64
	Completed         uint64
	Failed            uint64
	Cancelled         uint64
	Coalesced         uint64
	RateLimitRequeues uint64
	PenaltiesApplied  uint64
	Accounts          map[string]AccountStats
}

// AccountStats is the externally observable per-account queue state.
type AccountStats struct {
	Depth            int
	Gate             GateState
	PenaltyRemaining time.Duration
	PenaltyTicket    string
}

// NewDispatcher creates a dispatcher. execute is the injected broker-facing
// execution function; metrics may be nil.
func NewDispatcher(cfg Config, execute domain.ExecuteFunc, metrics *infra.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = 2 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 500
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Dispatcher{
		cfg:            cfg,
		execute:        execute,
		metrics:        metrics,
		queues:         make(map[string]*AccountQueue),
		accountBuckets: make(map[string]*TokenBucket),
		tasks:          make(map[string]*domain.OrderTask),
		rlRequeues:     make(map[string]int),
		globalBucket:   NewTokenBucket(cfg.GlobalRate, cfg.GlobalBurst),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, i)
	}
	slog.Info("Dispatcher started", slog.Int("workers", d.cfg.Workers))
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit builds a task and enqueues it on the target account's queue.
// Priority 0 selects the default lane for the action.
func (d *Dispatcher) Submit(accountID, action string, payload map[string]any, priority domain.TaskPriority) (*domain.OrderTask, error) {
	if accountID == "" {
		return nil, fmt.Errorf("submit: empty account id")
	}
	if priority == 0 {
		priority = domain.PriorityForAction(action)
	}
	if priority < domain.PriorityCritical || priority > domain.PriorityBackground {
		return nil, fmt.Errorf("submit: invalid priority %d", priority)
	}

	task := domain.NewOrderTask(accountID, action, payload, priority)

	d.mu.Lock()
	queue := d.queueLocked(accountID)

	// Coalescing applies to modify_order only: a newer modification of the
	// same order supersedes any still-pending one.
	if action == domain.ActionModifyOrder && d.cfg.CoalesceModify {
		orderID := payloadOrderID(payload)
		if orderID != "" {
			stale := queue.Extract(func(t *domain.OrderTask) bool {
				return t.Action == domain.ActionModifyOrder && payloadOrderID(t.Payload) == orderID
			})
			for _, old := range stale {
				old.Status = domain.TaskCoalesced
				old.CompletedAt = time.Now()
				d.stats.Coalesced++
				d.retireLocked(old)
				slog.Debug("Coalesced stale modify_order task",
					slog.String("task", old.TaskID), slog.String("order", orderID))
			}
		}
	}

	d.tasks[task.TaskID] = task
	d.stats.Submitted++
	d.mu.Unlock()

	queue.Push(task)
	return task, nil
}

// queueLocked returns (creating if needed) the account's queue and bucket.
// Must hold d.mu.
func (d *Dispatcher) queueLocked(accountID string) *AccountQueue {
	queue, ok := d.queues[accountID]
	if !ok {
		queue = NewAccountQueue()
		d.queues[accountID] = queue
		d.accountOrder = append(d.accountOrder, accountID)
		d.accountBuckets[accountID] = NewTokenBucket(d.cfg.AccountRate, d.cfg.AccountBurst)
	}
	return queue
}

// workerLoop round-robins accounts each tick and executes at most one task.
func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task := d.nextTask()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleDelay):
			}
			continue
		}
		d.runTask(ctx, task)
	}
}

// nextTask scans accounts starting at the shared round-robin cursor and pops
// the first eligible task. An account is skipped when its queue has nothing
// ready, it is penalized, or its token bucket is empty; the scan stops when
// the global bucket is exhausted.
func (d *Dispatcher) nextTask() *domain.OrderTask {
	d.mu.Lock()
	order := make([]string, len(d.accountOrder))
	n := len(d.accountOrder)
	for i := 0; i < n; i++ {
		order[i] = d.accountOrder[(d.rrCursor+i)%n]
	}
	if n > 0 {
		d.rrCursor = (d.rrCursor + 1) % n
	}
	d.mu.Unlock()

	for _, accountID := range order {
		d.mu.Lock()
		queue := d.queues[accountID]
		bucket := d.accountBuckets[accountID]
		d.mu.Unlock()
		if queue == nil || bucket == nil {
			continue
		}

		if !queue.HasReady() {
			continue
		}
		if bucket.Available() < 1 {
			continue
		}
		if !d.globalBucket.Acquire(0) {
			return nil // global budget spent, nothing dispatches this tick
		}
		if !bucket.Acquire(0) {
			continue
		}

		if task := queue.Pop(); task != nil {
			return task
		}
	}
	return nil
}

// runTask executes one popped task and applies the result contract.
func (d *Dispatcher) runTask(ctx context.Context, task *domain.OrderTask) {
	d.mu.Lock()
	task.Status = domain.TaskProcessing
	task.Attempts++
	d.mu.Unlock()

	result := d.execute(ctx, task)
	d.metrics.RecordTaskExecuted()

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case result.Penalized:
		d.stats.PenaltiesApplied++
		d.metrics.RecordPenalty()
		queue := d.queueLocked(task.AccountID)
		queue.SetPenalty(result.PTime, result.PTicket)
		task.PTicket = result.PTicket
		slog.Warn("Account penalized by broker",
			slog.String("account", task.AccountID),
			slog.String("ticket", result.PTicket),
			slog.Duration("p_time", result.PTime))

		if task.Attempts < task.MaxAttempts {
			task.RetryAfter = time.Now().Add(result.PTime)
			task.Status = domain.TaskPending
			queue.Push(task)
		} else {
			d.failLocked(task, "penalized: "+result.PTicket)
		}

	case result.RateLimited:
		// A throttled call never reached the broker: give the attempt back
		// and requeue under the separate rate-limit bound.
		task.Attempts--
		d.rlRequeues[task.TaskID]++
		d.stats.RateLimitRequeues++
		d.metrics.RecordRateLimit()

		if d.rlRequeues[task.TaskID] > maxRateLimitRequeues {
			d.failLocked(task, "rate limit requeue budget exhausted")
			return
		}
		task.RetryAfter = time.Now().Add(d.cfg.RateLimitDelay)
		task.Status = domain.TaskPending
		d.queueLocked(task.AccountID).Push(task)

	case result.Success:
		task.Status = domain.TaskCompleted
		task.Result = result.Data
		task.CompletedAt = time.Now()
		d.stats.Completed++
		d.retireLocked(task)

	default:
		d.failLocked(task, result.Error)
	}
}

// failLocked marks a task terminally failed. Must hold d.mu.
func (d *Dispatcher) failLocked(task *domain.OrderTask, reason string) {
	task.Status = domain.TaskFailed
	task.Error = reason
	task.CompletedAt = time.Now()
	d.stats.Failed++
	d.metrics.RecordTaskFailed()
	d.retireLocked(task)
}

// retireLocked moves a terminal task into the bounded history ring, evicting
// oldest-first. Must hold d.mu.
func (d *Dispatcher) retireLocked(task *domain.OrderTask) {
	delete(d.rlRequeues, task.TaskID)
	d.history = append(d.history, task.TaskID)
	for len(d.history) > d.cfg.HistorySize {
		evicted := d.history[0]
		d.history = d.history[1:]
		delete(d.tasks, evicted)
	}
}

// CancelTask cancels a task while it is still pending.
func (d *Dispatcher) CancelTask(accountID, taskID string) bool {
	d.mu.Lock()
	queue := d.queues[accountID]
	d.mu.Unlock()
	if queue == nil {
		return false
	}

	task := queue.Cancel(taskID)
	if task == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	task.Status = domain.TaskCancelled
	task.CompletedAt = time.Now()
	d.stats.Cancelled++
	d.retireLocked(task)
	return true
}

// TaskStatus returns a copy of the task's current state.
func (d *Dispatcher) TaskStatus(taskID string) (domain.OrderTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return domain.OrderTask{}, false
	}
	return *task, true
}

// Statistics returns cumulative counters and per-account queue state.
func (d *Dispatcher) Statistics() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.stats
	out.Accounts = make(map[string]AccountStats, len(d.queues))
	for id, q := range d.queues {
		out.Accounts[id] = AccountStats{
			Depth:            q.Depth(),
			Gate:             q.Gate(),
			PenaltyRemaining: q.PenaltyRemaining(),
			PenaltyTicket:    q.PenaltyTicket(),
		}
	}
	return out
}

func payloadOrderID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	switch v := payload["orderId"].(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
