package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskPriority orders dispatch lanes. Lower value dispatches first.
type TaskPriority int

const (
	PriorityCritical   TaskPriority = 1 // emergency exit / flatten
	PriorityHigh       TaskPriority = 2 // close position, cancel, take-profit
	PriorityNormal     TaskPriority = 3 // new entry, bracket
	PriorityLow        TaskPriority = 4 // order modification
	PriorityBackground TaskPriority = 5 // analytics, housekeeping
)

// TaskStatus is the lifecycle state of an order task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskCoalesced  TaskStatus = "coalesced"
)

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskCoalesced:
		return true
	default:
		return false
	}
}

// Order actions understood by the dispatcher's lane mapping.
const (
	ActionFlatten     = "flatten"
	ActionClose       = "close_position"
	ActionCancelOrder = "cancel_order"
	ActionTakeProfit  = "take_profit"
	ActionPlaceOrder  = "place_order"
	ActionBracket     = "place_bracket"
	ActionModifyOrder = "modify_order"
	ActionAnalytics   = "analytics"
)

// PriorityForAction maps an action to its default lane.
func PriorityForAction(action string) TaskPriority {
	switch action {
	case ActionFlatten:
		return PriorityCritical
	case ActionClose, ActionCancelOrder, ActionTakeProfit:
		return PriorityHigh
	case ActionPlaceOrder, ActionBracket:
		return PriorityNormal
	case ActionModifyOrder:
		return PriorityLow
	default:
		return PriorityBackground
	}
}

// OrderTask is one unit of outbound work. After submission only the owning
// dispatcher worker mutates it; readers go through the dispatcher.
type OrderTask struct {
	TaskID      string
	AccountID   string
	Action      string
	Payload     map[string]any
	Priority    TaskPriority
	SubmittedAt time.Time

	Attempts    int
	MaxAttempts int // default 1: no blind retries of order submissions
	RetryAfter  time.Time
	PTicket     string

	Status      TaskStatus
	Result      map[string]any
	Error       string
	CompletedAt time.Time
}

// NewOrderTask builds a pending task with a fresh id.
func NewOrderTask(accountID, action string, payload map[string]any, priority TaskPriority) *OrderTask {
	return &OrderTask{
		TaskID:      uuid.NewString(),
		AccountID:   accountID,
		Action:      action,
		Payload:     payload,
		Priority:    priority,
		SubmittedAt: time.Now(),
		MaxAttempts: 1,
		Status:      TaskPending,
	}
}

// ExecResult is the outcome contract of the broker-facing execution layer.
type ExecResult struct {
	Success     bool
	Error       string
	Penalized   bool
	PTime       time.Duration // mandatory wait issued with a penalty ticket
	PTicket     string
	RateLimited bool
	Data        map[string]any
}

// ExecuteFunc submits one task to the broker's order placement layer.
// The dispatcher never inspects the payload; it only reacts to the result.
type ExecuteFunc func(ctx context.Context, task *OrderTask) ExecResult

// ResultFromError translates an execution error into the result contract.
// Penalty and rate-limit errors map to their flags, so executors can return
// typed errors from the broker layer instead of hand-building results.
func ResultFromError(err error) ExecResult {
	if err == nil {
		return ExecResult{Success: true}
	}

	var penalty *PenaltyError
	if errors.As(err, &penalty) {
		return ExecResult{
			Penalized: true,
			PTime:     penalty.Wait,
			PTicket:   penalty.Ticket,
			Error:     penalty.Error(),
		}
	}

	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return ExecResult{RateLimited: true, Error: rateLimit.Error()}
	}

	return ExecResult{Error: err.Error()}
}
