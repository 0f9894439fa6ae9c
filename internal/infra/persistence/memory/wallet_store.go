package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/tranche/internal/domain/strategystore"
)

// WalletStore keeps worker wallets in memory, in insertion order.
type WalletStore struct {
	mu      sync.Mutex
	wallets []strategystore.Wallet
	index   map[string]int
}

// NewWalletStore returns an empty store.
func NewWalletStore() *WalletStore {
	return &WalletStore{index: make(map[string]int)}
}

// SaveWallet stores wallet, replacing any wallet with the same public key.
func (s *WalletStore) SaveWallet(_ context.Context, wallet strategystore.Wallet) error {
	if wallet.PublicKey == "" || wallet.Secret == "" {
		return fmt.Errorf("wallet store: public key and secret required")
	}
	if wallet.CreatedAt.IsZero() {
		wallet.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[wallet.PublicKey]; ok {
		s.wallets[i] = wallet
		return nil
	}
	s.index[wallet.PublicKey] = len(s.wallets)
	s.wallets = append(s.wallets, wallet)
	return nil
}

// ListWallets returns the wallets of strategyID, or all wallets when it is zero.
func (s *WalletStore) ListWallets(_ context.Context, strategyID int64) ([]strategystore.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]strategystore.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		if strategyID == 0 || w.StrategyID == strategyID {
			out = append(out, w)
		}
	}
	return out, nil
}
