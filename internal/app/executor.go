package app

import (
	"context"
	"fmt"
	"log/slog"

	"trade_sync/internal/domain"
)

// knownActions is the dispatchable action set. Anything else fails fast
// instead of occupying a worker slot.
var knownActions = map[string]bool{
	domain.ActionFlatten:     true,
	domain.ActionClose:       true,
	domain.ActionCancelOrder: true,
	domain.ActionTakeProfit:  true,
	domain.ActionPlaceOrder:  true,
	domain.ActionBracket:     true,
	domain.ActionModifyOrder: true,
	domain.ActionAnalytics:   true,
}

// LocalExecutor returns an ExecuteFunc that acknowledges tasks without a
// broker round-trip. Real order placement is wired in by the embedding
// process returning typed errors (PenaltyError, RateLimitError) that
// domain.ResultFromError maps onto the result contract; this executor keeps
// the dispatch pipeline operational without it.
func LocalExecutor() domain.ExecuteFunc {
	return func(ctx context.Context, task *domain.OrderTask) domain.ExecResult {
		if !knownActions[task.Action] {
			return domain.ResultFromError(fmt.Errorf("unknown action %q", task.Action))
		}
		select {
		case <-ctx.Done():
			return domain.ResultFromError(ctx.Err())
		default:
		}
		slog.Debug("Task acknowledged locally",
			slog.String("task", task.TaskID),
			slog.String("account", task.AccountID),
			slog.String("action", task.Action))
		return domain.ExecResult{Success: true}
	}
}
