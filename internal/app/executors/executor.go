package executors

import (
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
)

// Binder records the ledger transaction id an action was submitted as.
type Binder interface {
	Bind(id uuid.UUID, txID string) error
}

func failed(h *action.Handle, e action.ExecutionError) events.ExecutionResult {
	h.MarkFailed(e)
	return events.ExecutionResult{ActionID: h.ID(), Action: h, Outcome: events.Failed(e)}
}

func sent(h *action.Handle, txID string, plan Plan, at time.Time) events.ExecutionResult {
	pre := plan.PreSOL
	h.Update(func(a *action.Action) { a.PreBalance = &pre })
	h.MarkSent(txID, plan.Fee, at)
	return events.ExecutionResult{ActionID: h.ID(), Action: h, Outcome: events.Sent()}
}
