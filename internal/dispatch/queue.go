package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"trade_sync/internal/domain"
)

// GateState is the penalty gate of an account queue. Legal transitions are
// Open -> Penalized (SetPenalty) and Penalized -> Open (expiry, observed
// lazily at the next Pop).
type GateState string

const (
	GateOpen      GateState = "open"
	GatePenalized GateState = "penalized"
)

// queueItem wraps a task with its heap bookkeeping.
type queueItem struct {
	task  *domain.OrderTask
	order uint64 // submission order, FIFO tie-break within a priority
	index int
}

// taskHeap orders items by (priority, submission order).
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].order < h[j].order
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// AccountQueue holds one account's pending tasks. A broker penalty gates the
// whole queue: nothing pops while the penalty window is open, regardless of
// what is queued.
type AccountQueue struct {
	mu            sync.Mutex
	heap          taskHeap
	byID          map[string]*queueItem
	submitCounter uint64

	penaltyUntil  time.Time
	penaltyTicket string
}

// NewAccountQueue creates an empty queue with an open gate.
func NewAccountQueue() *AccountQueue {
	return &AccountQueue{
		byID: make(map[string]*queueItem),
	}
}

// Push inserts a pending task. Requeued tasks re-enter with a fresh
// submission order.
func (q *AccountQueue) Push(task *domain.OrderTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.submitCounter++
	item := &queueItem{task: task, order: q.submitCounter}
	heap.Push(&q.heap, item)
	q.byID[task.TaskID] = item
}

// Pop returns the ready task with the smallest (priority, submission order),
// or nil while the gate is penalized, the queue is empty, or every queued
// task is still inside its retry_after window.
func (q *AccountQueue) Pop() *domain.OrderTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if now.Before(q.penaltyUntil) {
		return nil
	}

	// Skip over tasks whose retry time has not arrived yet.
	var deferred []*queueItem
	var picked *queueItem
	for q.heap.Len() > 0 {
		item := heap.Pop(&q.heap).(*queueItem)
		if item.task.RetryAfter.After(now) {
			deferred = append(deferred, item)
			continue
		}
		picked = item
		break
	}
	for _, item := range deferred {
		heap.Push(&q.heap, item)
	}

	if picked == nil {
		return nil
	}
	delete(q.byID, picked.task.TaskID)
	return picked.task
}

// HasReady reports whether Pop would currently return a task.
func (q *AccountQueue) HasReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if now.Before(q.penaltyUntil) {
		return false
	}
	for _, item := range q.heap {
		if !item.task.RetryAfter.After(now) {
			return true
		}
	}
	return false
}

// Cancel removes a task while it is still pending. Returns the task, or nil
// if it was already popped or unknown.
func (q *AccountQueue) Cancel(taskID string) *domain.OrderTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[taskID]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byID, taskID)
	return item.task
}

// Extract removes and returns every pending task matching the predicate.
// Used for modify-order coalescing.
func (q *AccountQueue) Extract(match func(*domain.OrderTask) bool) []*domain.OrderTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*domain.OrderTask
	for _, item := range q.byID {
		if match(item.task) {
			out = append(out, item.task)
		}
	}
	for _, task := range out {
		item := q.byID[task.TaskID]
		heap.Remove(&q.heap, item.index)
		delete(q.byID, task.TaskID)
	}
	return out
}

// SetPenalty closes the gate for the whole account for d, recording the
// broker-issued ticket for observability.
func (q *AccountQueue) SetPenalty(d time.Duration, ticket string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.penaltyUntil = time.Now().Add(d)
	q.penaltyTicket = ticket
}

// Gate returns the current gate state, reopening lazily on expiry.
func (q *AccountQueue) Gate() GateState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if time.Now().Before(q.penaltyUntil) {
		return GatePenalized
	}
	return GateOpen
}

// PenaltyRemaining returns how long the gate stays closed, 0 when open.
func (q *AccountQueue) PenaltyRemaining() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := time.Until(q.penaltyUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PenaltyTicket returns the ticket of the most recent penalty.
func (q *AccountQueue) PenaltyTicket() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.penaltyTicket
}

// Depth returns the number of queued tasks.
func (q *AccountQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
