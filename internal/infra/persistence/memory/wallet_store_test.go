package memory

import (
	"context"
	"testing"

	"github.com/coachpo/tranche/internal/domain/strategystore"
)

func TestWalletStoreFiltersByStrategy(t *testing.T) {
	store := NewWalletStore()
	ctx := context.Background()
	for _, w := range []strategystore.Wallet{
		{StrategyID: 1, PublicKey: "a", Secret: "sa"},
		{StrategyID: 2, PublicKey: "b", Secret: "sb"},
		{StrategyID: 1, PublicKey: "c", Secret: "sc"},
	} {
		if err := store.SaveWallet(ctx, w); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, _ := store.ListWallets(ctx, 1)
	if len(got) != 2 || got[0].PublicKey != "a" || got[1].PublicKey != "c" {
		t.Fatalf("unexpected wallets for strategy 1: %+v", got)
	}
	all, _ := store.ListWallets(ctx, 0)
	if len(all) != 3 {
		t.Fatalf("expected all wallets, got %d", len(all))
	}
	if all[0].CreatedAt.IsZero() {
		t.Fatalf("expected creation time to be stamped")
	}
}

func TestWalletStoreRejectsMissingSecret(t *testing.T) {
	if err := NewWalletStore().SaveWallet(context.Background(), strategystore.Wallet{PublicKey: "a"}); err == nil {
		t.Fatalf("expected error without secret")
	}
}
