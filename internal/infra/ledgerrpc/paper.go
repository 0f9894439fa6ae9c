package ledgerrpc

import (
	"context"
	"sync"

	"github.com/coachpo/tranche/internal/domain/ledger"
)

// Paper is an in-memory ledger for paper trading. Every transaction it is
// asked about settles successfully, and balances come from seeded values.
type Paper struct {
	mu     sync.Mutex
	slot   uint64
	sol    map[ledger.PublicKey]uint64
	tokens map[[2]ledger.PublicKey]uint64
	seen   map[string]uint64
}

// NewPaper returns an empty paper ledger.
func NewPaper() *Paper {
	return &Paper{
		sol:    make(map[ledger.PublicKey]uint64),
		tokens: make(map[[2]ledger.PublicKey]uint64),
		seen:   make(map[string]uint64),
	}
}

// Seed sets the SOL balance of owner.
func (p *Paper) Seed(owner ledger.PublicKey, lamports uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sol[owner] = lamports
}

// SeedToken sets the token balance of owner for mint.
func (p *Paper) SeedToken(owner, mint ledger.PublicKey, amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[[2]ledger.PublicKey{owner, mint}] = amount
}

// GetBalance implements the balance fetcher.
func (p *Paper) GetBalance(_ context.Context, owner ledger.PublicKey) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sol[owner], nil
}

// GetTokenAccountBalance implements the balance fetcher.
func (p *Paper) GetTokenAccountBalance(_ context.Context, owner, mint ledger.PublicKey) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[[2]ledger.PublicKey{owner, mint}], nil
}

// GetSignatureStatuses reports every signature as finalized without error.
// The slot of a signature is fixed the first time it is queried.
func (p *Paper) GetSignatureStatuses(_ context.Context, signatures []string) ([]*SignatureStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slot++
	out := make([]*SignatureStatus, len(signatures))
	for i, sig := range signatures {
		slot, ok := p.seen[sig]
		if !ok {
			slot = p.slot
			p.seen[sig] = slot
		}
		out[i] = &SignatureStatus{Slot: slot, ConfirmationStatus: "finalized"}
	}
	return out, nil
}
