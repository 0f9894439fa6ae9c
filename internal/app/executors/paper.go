package executors

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

// PaperBook is the writable balance cache the paper executor settles into.
type PaperBook interface {
	BalanceView
	Set(owner ledger.PublicKey, lamports uint64)
	SetToken(owner, mint ledger.PublicKey, amount uint64)
}

// Paper accepts every valid action without touching the ledger. Transfers
// and fees are applied to the book right away; swaps only debit their input.
type Paper struct {
	registry Binder
	book     PaperBook
	clock    func() time.Time
	logger   *log.Logger
}

// NewPaper builds a paper executor. book may be nil to skip validation.
func NewPaper(registry Binder, book PaperBook, logger *log.Logger) *Paper {
	if logger == nil {
		logger = log.New(os.Stdout, "executor-paper ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Paper{registry: registry, book: book, clock: time.Now, logger: logger}
}

// Name implements engine.Executor.
func (p *Paper) Name() string { return "paper" }

// Execute implements engine.Executor.
func (p *Paper) Execute(_ context.Context, h *action.Handle) (events.Event, error) {
	now := p.clock()
	snap := h.Snapshot()
	if snap.Expired(now) {
		return failed(h, action.ExecutionError{Kind: action.ErrActionTooOld}), nil
	}
	plan := Plan{Fee: ledger.TransferFee()}
	if p.book != nil {
		var execErr *action.ExecutionError
		plan, execErr = Preflight(snap, p.book)
		if execErr != nil {
			p.logger.Printf("action %s rejected: %s", h.ID(), execErr)
			return failed(h, *execErr), nil
		}
	}
	txID := "paper-" + uuid.NewString()
	if err := p.registry.Bind(h.ID(), txID); err != nil {
		return nil, fmt.Errorf("bind paper tx: %w", err)
	}
	if p.book != nil {
		p.settle(plan)
	}
	return sent(h, txID, plan, now), nil
}

func (p *Paper) settle(plan Plan) {
	debit := func(owner ledger.PublicKey, n uint64) {
		bal := p.book.SOL(owner)
		if n > bal {
			n = bal
		}
		p.book.Set(owner, bal-n)
	}
	debit(plan.FeePayer, plan.Fee)
	for _, leg := range plan.Legs {
		debit(plan.FeePayer, leg.Rent)
		switch s := leg.Step.(type) {
		case action.Transfer:
			if s.Asset.IsSOL() {
				debit(plan.Signer, leg.Amount)
				p.book.Set(s.Receiver, p.book.SOL(s.Receiver)+leg.Amount)
				continue
			}
			p.book.SetToken(plan.Signer, plan.Mint, p.book.Token(plan.Signer, plan.Mint)-leg.Amount)
			p.book.SetToken(s.Receiver, plan.Mint, p.book.Token(s.Receiver, plan.Mint)+leg.Amount)
		case action.Swap:
			if s.Method == action.BuyTokensForExactSol {
				debit(plan.Signer, leg.Amount)
				continue
			}
			p.book.SetToken(plan.Signer, plan.Mint, p.book.Token(plan.Signer, plan.Mint)-leg.Amount)
		}
	}
}
