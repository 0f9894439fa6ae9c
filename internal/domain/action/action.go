// Package action defines the unit of work the engine submits to the ledger and
// the shared handle every holder mutates it through.
package action

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tranche/internal/domain/ledger"
)

// Expiry is the age after which an action must no longer be dispatched.
const Expiry = 1000 * time.Second

// StatusKind is the lifecycle position of an action.
type StatusKind uint8

const (
	StatusNotSent StatusKind = iota
	StatusPending
	StatusSuccess
	StatusError
	StatusTimeout
)

func (s StatusKind) String() string {
	switch s {
	case StatusNotSent:
		return "not_sent"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Status pairs a StatusKind with the failure that produced StatusError.
type Status struct {
	Kind StatusKind
	Err  *ExecutionError
}

// Action is one submission to the ledger. The identifier is fixed at creation.
type Action struct {
	ID        uuid.UUID
	Signer    ledger.Keypair
	FeePayer  ledger.Keypair
	CreatedAt time.Time
	Steps     []Step
	// Retry is the retry counter of the agent state that queued the action.
	Retry int

	Status      Status
	TxID        string
	PreBalance  *uint64
	PostBalance *uint64
	Fee         uint64
	SentAt      *time.Time
	ConfirmedAt *time.Time
}

// New builds an action signed and paid for by signer.
func New(signer ledger.Keypair, steps []Step, now time.Time) *Action {
	return NewWithFeePayer(signer, signer, steps, now)
}

// NewWithFeePayer builds an action whose fees are paid by a different wallet.
func NewWithFeePayer(signer, feePayer ledger.Keypair, steps []Step, now time.Time) *Action {
	return &Action{
		ID:        uuid.New(),
		Signer:    signer,
		FeePayer:  feePayer,
		CreatedAt: now,
		Steps:     steps,
	}
}

// Expired reports whether the action is older than Expiry at now.
func (a *Action) Expired(now time.Time) bool {
	return now.Sub(a.CreatedAt) > Expiry
}

// Handle is the shared reference to an action. All mutation goes through the lock.
type Handle struct {
	id uuid.UUID
	mu sync.Mutex
	a  Action
}

// NewHandle wraps a for shared ownership.
func NewHandle(a *Action) *Handle {
	return &Handle{id: a.ID, a: *a}
}

// ID returns the immutable action identifier without taking the lock.
func (h *Handle) ID() uuid.UUID { return h.id }

// Snapshot returns a copy of the current action record.
func (h *Handle) Snapshot() Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.a
	out.Steps = append([]Step(nil), h.a.Steps...)
	return out
}

// Update mutates the action under its lock. The identifier is restored if fn changes it.
func (h *Handle) Update(fn func(*Action)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.a)
	h.a.ID = h.id
}

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.a.Status
}

// MarkSent records a successful submission.
func (h *Handle) MarkSent(txID string, fee uint64, at time.Time) {
	h.Update(func(a *Action) {
		a.TxID = txID
		a.Fee = fee
		a.SentAt = &at
		a.Status = Status{Kind: StatusPending}
	})
}

// MarkConfirmed records the ledger receipt outcome.
func (h *Handle) MarkConfirmed(execErr *ExecutionError, at time.Time) {
	h.Update(func(a *Action) {
		a.ConfirmedAt = &at
		if execErr != nil {
			a.Status = Status{Kind: StatusError, Err: execErr}
			return
		}
		a.Status = Status{Kind: StatusSuccess}
	})
}

// MarkFailed records a submission failure.
func (h *Handle) MarkFailed(execErr ExecutionError) {
	h.Update(func(a *Action) {
		a.Status = Status{Kind: StatusError, Err: &execErr}
	})
}

// MarkTimeout records that no confirmation arrived in time. Settled actions are left alone.
func (h *Handle) MarkTimeout() {
	h.Update(func(a *Action) {
		if a.Status.Kind == StatusSuccess || a.Status.Kind == StatusError {
			return
		}
		a.Status = Status{Kind: StatusTimeout}
	})
}
