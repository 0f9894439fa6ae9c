package strategies

import (
	"testing"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/domain/strategystore"
)

func (r *rig) storeWallet(strategyID int64, sol, tokens uint64) ledger.Keypair {
	r.t.Helper()
	k := r.keypair()
	if err := r.wallets.SaveWallet(r.ctx, strategystore.Wallet{StrategyID: strategyID, PublicKey: k.PublicKey().String(), Secret: k.SecretBase58()}); err != nil {
		r.t.Fatalf("SaveWallet: %v", err)
	}
	r.balances.set(k.PublicKey(), sol, tokens)
	return k
}

func newTestSweeper(t *testing.T, r *rig, source int64) (*Sweeper, ledger.Keypair) {
	t.Helper()
	main := r.keypair()
	s, err := NewSweeper(r.deps, SweeperConfig{MainWallet: main.SecretBase58(), Pool: testPool(), SourceStrategy: source})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Bind(1 << 40)
	return s, main
}

func TestSweeperCollectsFundedWalletsThenSells(t *testing.T) {
	r := newRig(t)
	funded := r.storeWallet(7, 2_000_000, 10)
	empty := r.storeWallet(7, 0, 0)
	r.storeWallet(8, 5_000_000, 0)
	s, main := newTestSweeper(t, r, 7)
	r.balances.set(main.PublicKey(), ledger.LamportsPerSol, 0)

	if err := s.SyncState(r.ctx); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	expectDetail(t, s, "wallets", "1")
	if r.balances.watching(empty.PublicKey()) != 0 {
		t.Fatalf("expected empty wallet to be released")
	}

	collects := r.heartbeat(s)
	expectCount(t, collects, 1)
	if got := collects[0].Snapshot().Signer.PublicKey(); got != funded.PublicKey() {
		t.Fatalf("expected collect signed by %s, got %s", funded.PublicKey(), got)
	}
	r.balances.set(main.PublicKey(), ledger.LamportsPerSol, 10)

	sells := r.confirm(s, collects)
	expectDetail(t, s, "phase", "selling")
	expectCount(t, sells, 1)
	if sw := swapOf(t, sells[0]); sw.Method != action.SellExactTokensForSol {
		t.Fatalf("expected a sell, got %s", sw.Method)
	}

	expectCount(t, r.confirm(s, sells), 0)
	if st := s.Status(); !st.Stopped || !st.Completed {
		t.Fatalf("expected finished sweep to stop, got %+v", st)
	}
}

func TestSweeperWithoutSourceSweepsEveryStrategy(t *testing.T) {
	r := newRig(t)
	r.storeWallet(7, 2_000_000, 0)
	r.storeWallet(8, 0, 5)
	s, _ := newTestSweeper(t, r, 0)
	if err := s.SyncState(r.ctx); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	expectDetail(t, s, "wallets", "2")
	expectCount(t, r.heartbeat(s), 2)
}

func TestSweeperWithNothingToSweepFinishes(t *testing.T) {
	r := newRig(t)
	s, _ := newTestSweeper(t, r, 7)
	if err := s.SyncState(r.ctx); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if st := s.Status(); !st.Stopped {
		t.Fatalf("expected immediate completion, got %+v", st)
	}
	expectCount(t, r.feed(s, events.Heartbeat{}), 0)
}
