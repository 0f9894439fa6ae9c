package collectors

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/infra/ledgerrpc"
	"github.com/coachpo/tranche/internal/infra/telemetry"
)

const (
	// DefaultPollInterval is how often unreconciled transactions are checked.
	DefaultPollInterval = 2 * time.Second
	// maxStatusBatch is the ledger's limit for one status query.
	maxStatusBatch = 256
)

// Reconciler is the registry surface the confirmation collectors need.
type Reconciler interface {
	Get(id uuid.UUID) (*action.Handle, bool)
	ResolveIDByLedgerTx(txID string) (uuid.UUID, bool)
	MarkReconciled(id uuid.UUID, txID string) bool
	IsReconciled(txID string) bool
	ListUnreconciledLedgerTxIDs() []string
}

// StatusSource answers status queries for submitted transactions.
type StatusSource interface {
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*ledgerrpc.SignatureStatus, error)
}

// PollerConfig configures the confirmation poller.
type PollerConfig struct {
	Interval time.Duration
	// RatePerSecond caps status queries; zero disables the limit.
	RatePerSecond float64
	Burst         int
	Logger        *log.Logger
}

// ConfirmationPoller turns settled transactions into execution receipts.
type ConfirmationPoller struct {
	registry Reconciler
	source   StatusSource
	interval time.Duration
	limiter  *rate.Limiter
	logger   *log.Logger
	clock    func() time.Time

	receipts metric.Int64Counter
}

// NewConfirmationPoller builds a poller over registry and source.
func NewConfirmationPoller(registry Reconciler, source StatusSource, cfg PollerConfig) *ConfirmationPoller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "confirmations ", log.LstdFlags|log.Lmicroseconds)
	}
	receipts, _ := otel.Meter("collectors").Int64Counter("collector.receipts",
		metric.WithDescription("Execution receipts emitted"),
		metric.WithUnit("{receipt}"))
	return &ConfirmationPoller{
		registry: registry,
		source:   source,
		interval: interval,
		limiter:  limiter,
		logger:   logger,
		clock:    time.Now,
		receipts: receipts,
	}
}

// Name implements engine.Collector.
func (p *ConfirmationPoller) Name() string { return "confirmation-poller" }

// Events implements engine.Collector.
func (p *ConfirmationPoller) Events(ctx context.Context) <-chan events.Event {
	out := make(chan events.Event, maxStatusBatch)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				receipts, err := p.Poll(ctx)
				if err != nil {
					p.logger.Printf("poll failed: %v", err)
				}
				for _, r := range receipts {
					select {
					case out <- r:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// Poll runs one reconciliation pass and returns the receipts it produced.
// Every returned transaction is marked reconciled so it is never emitted twice.
func (p *ConfirmationPoller) Poll(ctx context.Context) ([]events.ExecutionReceipt, error) {
	pending := p.registry.ListUnreconciledLedgerTxIDs()
	var out []events.ExecutionReceipt
	for start := 0; start < len(pending); start += maxStatusBatch {
		end := min(start+maxStatusBatch, len(pending))
		batch := pending[start:end]
		if err := p.limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("rate limit: %w", err)
		}
		statuses, err := p.source.GetSignatureStatuses(ctx, batch)
		if err != nil {
			return out, fmt.Errorf("signature statuses: %w", err)
		}
		for i, status := range statuses {
			if i >= len(batch) || !status.Settled() {
				continue
			}
			if r, ok := settle(p.registry, batch[i], status.Err, p.clock()); ok {
				out = append(out, r)
			}
		}
	}
	if len(out) > 0 {
		p.receipts.Add(ctx, int64(len(out)), metric.WithAttributes(telemetry.AttrCollector.String(p.Name())))
	}
	return out, nil
}

// settle reconciles txID and builds its receipt. It returns false when the
// transaction is unknown or another caller reconciled it first, so the poller
// and the subscriber never emit the same receipt twice.
func settle(registry Reconciler, txID string, ledgerErr any, at time.Time) (events.ExecutionReceipt, bool) {
	if registry.IsReconciled(txID) {
		return events.ExecutionReceipt{}, false
	}
	id, ok := registry.ResolveIDByLedgerTx(txID)
	if !ok {
		return events.ExecutionReceipt{}, false
	}
	if !registry.MarkReconciled(id, txID) {
		return events.ExecutionReceipt{}, false
	}
	receipt := events.ExecutionReceipt{ActionID: id, TxID: txID, ObservedAt: at}
	if ledgerErr != nil {
		execErr := action.Other(fmt.Sprintf("ledger error: %v", ledgerErr))
		receipt.Err = &execErr
	}
	if h, ok := registry.Get(id); ok {
		h.MarkConfirmed(receipt.Err, at)
	}
	return receipt, true
}
