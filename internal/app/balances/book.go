// Package balances keeps the cached wallet balance view agents build actions from.
package balances

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

// Fetcher reads balances straight from the ledger when a wallet is first watched.
type Fetcher interface {
	GetBalance(ctx context.Context, owner ledger.PublicKey) (uint64, error)
	GetTokenAccountBalance(ctx context.Context, owner, mint ledger.PublicKey) (uint64, error)
}

type tokenKey struct {
	owner ledger.PublicKey
	mint  ledger.PublicKey
}

// Book is a concurrent balance cache fed by AccountUpdate events.
type Book struct {
	fetcher Fetcher
	logger  *log.Logger

	mu      sync.RWMutex
	sol     map[ledger.PublicKey]uint64
	tokens  map[tokenKey]uint64
	watched map[tokenKey]int
}

// NewBook returns an empty book. fetcher may be nil.
func NewBook(fetcher Fetcher, logger *log.Logger) *Book {
	if logger == nil {
		logger = log.New(os.Stdout, "balances ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Book{
		fetcher: fetcher,
		logger:  logger,
		sol:     make(map[ledger.PublicKey]uint64),
		tokens:  make(map[tokenKey]uint64),
		watched: make(map[tokenKey]int),
	}
}

// SOL returns the cached lamport balance of owner.
func (b *Book) SOL(owner ledger.PublicKey) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sol[owner]
}

// Token returns the cached token balance of owner for mint.
func (b *Book) Token(owner, mint ledger.PublicKey) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokens[tokenKey{owner, mint}]
}

// Set overwrites the SOL balance of owner.
func (b *Book) Set(owner ledger.PublicKey, lamports uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sol[owner] = lamports
}

// SetToken overwrites the token balance of owner for mint.
func (b *Book) SetToken(owner, mint ledger.PublicKey, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[tokenKey{owner, mint}] = amount
}

// Watch starts tracking owner. The first watch seeds the cache from the fetcher.
func (b *Book) Watch(owner, mint ledger.PublicKey) {
	key := tokenKey{owner, mint}
	b.mu.Lock()
	b.watched[key]++
	first := b.watched[key] == 1
	b.mu.Unlock()
	if first && b.fetcher != nil {
		b.seed(context.Background(), owner, mint)
	}
}

// Unwatch stops tracking owner once every watcher released it.
func (b *Book) Unwatch(owner, mint ledger.PublicKey) {
	key := tokenKey{owner, mint}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watched[key] <= 1 {
		delete(b.watched, key)
		return
	}
	b.watched[key]--
}

// Watched reports whether owner is tracked for mint.
func (b *Book) Watched(owner, mint ledger.PublicKey) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.watched[tokenKey{owner, mint}] > 0
}

// Name implements engine.Aggregator.
func (b *Book) Name() string { return "balances" }

// Aggregate applies balance events to the cache. It never derives events.
func (b *Book) Aggregate(evt events.Event) []events.Event {
	b.Apply(evt)
	return nil
}

// Apply folds one ledger event into the cache.
func (b *Book) Apply(evt events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch e := evt.(type) {
	case events.AccountUpdate:
		if e.Mint != nil {
			b.tokens[tokenKey{e.Owner, *e.Mint}] = e.Balance
			return
		}
		b.sol[e.Owner] = e.Balance
	case events.Deposit:
		b.sol[e.Wallet] += e.Amount
	case events.Withdrawal:
		if b.sol[e.Wallet] < e.Amount {
			b.sol[e.Wallet] = 0
			return
		}
		b.sol[e.Wallet] -= e.Amount
	}
}

func (b *Book) seed(ctx context.Context, owner, mint ledger.PublicKey) {
	lamports, err := b.fetcher.GetBalance(ctx, owner)
	if err != nil {
		b.logger.Printf("seed sol balance for %s failed: %v", owner, err)
	} else {
		b.Set(owner, lamports)
	}
	if mint.IsZero() {
		return
	}
	amount, err := b.fetcher.GetTokenAccountBalance(ctx, owner, mint)
	if err != nil {
		b.logger.Printf("seed token balance for %s failed: %v", owner, err)
		return
	}
	b.SetToken(owner, mint, amount)
}
