// Package strategystore defines persistence contracts for strategy instances.
package strategystore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a strategy instance does not exist.
var ErrNotFound = errors.New("strategy instance not found")

// Snapshot captures the persisted view of a strategy instance and its configuration.
type Snapshot struct {
	ID          int64
	Variant     string
	Config      []byte
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Store abstracts persistence operations for strategy instances. It is only
// consulted when strategies start or stop.
type Store interface {
	Create(ctx context.Context, snapshot Snapshot) (int64, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time) error
	LoadActive(ctx context.Context) ([]Snapshot, error)
}

// Wallet is a worker wallet minted by a strategy. The secret is kept so funds
// stranded by an interrupted cycle can be swept back later.
type Wallet struct {
	StrategyID int64
	PublicKey  string
	Secret     string
	CreatedAt  time.Time
}

// WalletStore persists worker wallets.
type WalletStore interface {
	SaveWallet(ctx context.Context, wallet Wallet) error
	// ListWallets returns the wallets of strategyID, or every wallet when it is zero.
	ListWallets(ctx context.Context, strategyID int64) ([]Wallet, error)
}
