// Package postgres implements the strategy and wallet stores on PostgreSQL.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tranche/internal/infra/persistence"
)

// Store bundles the PostgreSQL-backed repositories sharing one pool.
type Store struct {
	*persistence.Store
	Strategies *StrategyStore
	Wallets    *WalletStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:      persistence.NewStore(pool),
		Strategies: NewStrategyStore(pool),
		Wallets:    NewWalletStore(pool),
	}
}
