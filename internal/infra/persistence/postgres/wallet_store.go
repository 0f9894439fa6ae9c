package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tranche/internal/domain/strategystore"
)

// WalletStore persists the worker wallets strategies mint.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore constructs a WalletStore backed by the provided pgx pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

const (
	walletUpsertSQL = `
INSERT INTO strategy_wallets (public_key, strategy_id, secret, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (public_key) DO UPDATE SET
    strategy_id = EXCLUDED.strategy_id,
    secret = EXCLUDED.secret;
`
	walletListSQL = `
SELECT strategy_id, public_key, secret, created_at
FROM strategy_wallets
WHERE $1::bigint = 0 OR strategy_id = $1
ORDER BY created_at, public_key;
`
)

// SaveWallet upserts wallet by public key.
func (s *WalletStore) SaveWallet(ctx context.Context, wallet strategystore.Wallet) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("wallet store: nil pool")
	}
	if wallet.PublicKey == "" || wallet.Secret == "" {
		return fmt.Errorf("wallet store: public key and secret required")
	}
	createdAt := wallet.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, walletUpsertSQL, wallet.PublicKey, wallet.StrategyID, wallet.Secret, createdAt.UTC()); err != nil {
		return fmt.Errorf("wallet store: upsert %s: %w", wallet.PublicKey, err)
	}
	return nil
}

// ListWallets returns the wallets of strategyID, or every wallet when it is zero.
func (s *WalletStore) ListWallets(ctx context.Context, strategyID int64) ([]strategystore.Wallet, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("wallet store: nil pool")
	}
	rows, err := s.pool.Query(ctx, walletListSQL, strategyID)
	if err != nil {
		return nil, fmt.Errorf("wallet store: select wallets: %w", err)
	}
	wallets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (strategystore.Wallet, error) {
		var w strategystore.Wallet
		err := row.Scan(&w.StrategyID, &w.PublicKey, &w.Secret, &w.CreatedAt)
		return w, err
	})
	if err != nil {
		return nil, fmt.Errorf("wallet store: scan wallets: %w", err)
	}
	return wallets, nil
}
