package collectors

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/infra/ledgerrpc"
)

// SignatureFeed pushes one notification per subscribed signature.
type SignatureFeed interface {
	SignatureSubscribe(ctx context.Context, signature string) (<-chan ledgerrpc.SignatureNotification, error)
}

// ConfirmationSubscriber is the push variant of the confirmation poller: it
// scans the registry for new ledger transactions and subscribes to each.
type ConfirmationSubscriber struct {
	registry Reconciler
	feed     SignatureFeed
	scan     time.Duration
	logger   *log.Logger
	clock    func() time.Time

	mu         sync.Mutex
	subscribed map[string]struct{}
}

// NewConfirmationSubscriber builds a subscriber that rescans the registry every scan interval.
func NewConfirmationSubscriber(registry Reconciler, feed SignatureFeed, scan time.Duration, logger *log.Logger) *ConfirmationSubscriber {
	if scan <= 0 {
		scan = 250 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(os.Stdout, "confirmations ", log.LstdFlags|log.Lmicroseconds)
	}
	return &ConfirmationSubscriber{
		registry:   registry,
		feed:       feed,
		scan:       scan,
		logger:     logger,
		clock:      time.Now,
		subscribed: make(map[string]struct{}),
	}
}

// Name implements engine.Collector.
func (s *ConfirmationSubscriber) Name() string { return "confirmation-subscriber" }

// Events implements engine.Collector.
func (s *ConfirmationSubscriber) Events(ctx context.Context) <-chan events.Event {
	out := make(chan events.Event, maxStatusBatch)
	notes := make(chan ledgerrpc.SignatureNotification, maxStatusBatch)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.scan)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.subscribeNew(ctx, notes)
			case note := <-notes:
				s.forget(note.Signature)
				receipt, ok := settle(s.registry, note.Signature, note.Err, s.clock())
				if !ok {
					continue
				}
				select {
				case out <- receipt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *ConfirmationSubscriber) subscribeNew(ctx context.Context, notes chan<- ledgerrpc.SignatureNotification) {
	for _, txID := range s.registry.ListUnreconciledLedgerTxIDs() {
		s.mu.Lock()
		_, done := s.subscribed[txID]
		if !done {
			s.subscribed[txID] = struct{}{}
		}
		s.mu.Unlock()
		if done {
			continue
		}
		ch, err := s.feed.SignatureSubscribe(ctx, txID)
		if err != nil {
			s.logger.Printf("subscribe %s: %v", txID, err)
			s.forget(txID)
			continue
		}
		go func() {
			select {
			case note, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notes <- note:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
	}
}

func (s *ConfirmationSubscriber) forget(txID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, txID)
}
