// Package registry correlates submitted actions with their ledger transactions.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tranche/errs"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/infra/telemetry"
)

// DefaultCapacity bounds each of the registry's buffers.
const DefaultCapacity = 1024

// Registry is the in-memory owner of every in-flight action. It is a bounded
// cache: the oldest entries are evicted first, so reconciliation has to happen
// well inside the eviction window.
type Registry struct {
	mu sync.RWMutex

	actions    *ring[uuid.UUID, *action.Handle]
	txByAction *biRing
	reconciled *ring[string, uuid.UUID]

	sizeGauge       metric.Int64UpDownCounter
	evictionCounter metric.Int64Counter
}

// New returns a registry whose buffers each hold at most capacity entries.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		actions:    newRing[uuid.UUID, *action.Handle](capacity),
		txByAction: newBiRing(capacity),
		reconciled: newRing[string, uuid.UUID](capacity),
	}
	meter := otel.Meter("registry")
	r.sizeGauge, _ = meter.Int64UpDownCounter("registry.actions",
		metric.WithDescription("Number of actions held by the registry"),
		metric.WithUnit("{action}"))
	r.evictionCounter, _ = meter.Int64Counter("registry.evictions",
		metric.WithDescription("Entries evicted from the registry buffers"),
		metric.WithUnit("{entry}"))
	return r
}

// Register stores a and returns the shared handle every holder uses from now on.
// Registering the same identifier twice returns the existing handle.
func (r *Registry) Register(a *action.Action) *action.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.actions.get(a.ID); ok {
		return existing
	}
	h := action.NewHandle(a)
	evicted := r.actions.put(a.ID, h)
	r.record("actions", evicted)
	if !evicted {
		r.sizeGauge.Add(context.Background(), 1)
	}
	return h
}

// Get returns the handle for id.
func (r *Registry) Get(id uuid.UUID) (*action.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actions.get(id)
}

// Bind records that the action id was submitted as ledger transaction txID.
// A transaction already bound to another action is a conflict; rebinding an
// action replaces its previous transaction.
func (r *Registry) Bind(id uuid.UUID, txID string) error {
	if txID == "" {
		return errs.New("registry", errs.CodeInvalid, errs.WithMessage("ledger transaction id required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.txByAction.byTx(txID); ok && owner != id {
		return errs.New("registry", errs.CodeConflict,
			errs.WithMessage("ledger transaction already bound"),
			errs.WithField("tx", txID),
			errs.WithField("action", owner.String()))
	}
	r.record("bindings", r.txByAction.put(id, txID))
	return nil
}

// LedgerTx returns the transaction bound to the action id.
func (r *Registry) LedgerTx(id uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.txByAction.byAction(id)
}

// ResolveIDByLedgerTx returns the action bound to txID.
func (r *Registry) ResolveIDByLedgerTx(txID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.txByAction.byTx(txID)
}

// MarkReconciled records that the receipt for txID has been emitted. It
// returns true only for the call that first reconciled txID.
func (r *Registry) MarkReconciled(id uuid.UUID, txID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconciled.contains(txID) {
		return false
	}
	r.record("reconciled", r.reconciled.put(txID, id))
	return true
}

// IsReconciled reports whether txID has already been reconciled.
func (r *Registry) IsReconciled(txID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reconciled.contains(txID)
}

// ListUnreconciledLedgerTxIDs returns bound transactions without a receipt, oldest first.
func (r *Registry) ListUnreconciledLedgerTxIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, r.txByAction.len())
	for _, tx := range r.txByAction.txs() {
		if !r.reconciled.contains(tx) {
			out = append(out, tx)
		}
	}
	return out
}

// Len returns the number of actions held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actions.len()
}

func (r *Registry) record(buffer string, evicted bool) {
	if !evicted {
		return
	}
	r.evictionCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrReason.String(buffer)))
}
