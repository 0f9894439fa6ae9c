package strategies

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

const volumeID = 11

func newTestVolume(t *testing.T, r *rig, maxFailed int) (*Volume, ledger.Keypair) {
	t.Helper()
	main := r.keypair()
	v, err := NewVolume(r.deps, VolumeConfig{
		MainWallet:                 main.SecretBase58(),
		Pool:                       testPool(),
		TrancheSizeSOL:             decimal.RequireFromString("0.5"),
		TrancheFrequencyHeartbeats: 2,
		BuyersPerTranche:           2,
		SellersPerTranche:          3,
		MaxFailedTranches:          maxFailed,
	})
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	r.balances.set(main.PublicKey(), 10*ledger.LamportsPerSol, 0)
	v.Bind(volumeID)
	if err := v.SyncState(r.ctx); err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	return v, main
}

func TestVolumeRunsAFullTranche(t *testing.T) {
	r := newRig(t)
	v, main := newTestVolume(t, r, 3)
	expectDetail(t, v, "phase", "funding")

	funding := r.heartbeat(v)
	expectCount(t, funding, 1)
	transfers := transfersOf(t, funding[0])
	if len(transfers) != 2 {
		t.Fatalf("expected one transfer per buyer, got %d", len(transfers))
	}
	var total uint64
	for _, tr := range transfers {
		if tr.Amount.Kind != action.AmountExactWithFees || tr.Amount.Value < v.buyerReserve() {
			t.Fatalf("unexpected buyer funding %s", tr.Amount)
		}
		total += tr.Amount.Value
	}
	if total != ledger.LamportsPerSol/2 {
		t.Fatalf("expected the tranche size to be split exactly, got %d", total)
	}
	buyers, _ := r.wallets.ListWallets(r.ctx, volumeID)
	if len(buyers) != 2 {
		t.Fatalf("expected buyer wallets to be stored, got %d", len(buyers))
	}

	buys := r.confirm(v, funding)
	expectDetail(t, v, "phase", "buying")
	expectCount(t, buys, 2)
	for _, h := range buys {
		if sw := swapOf(t, h); sw.Method != action.BuyTokensForExactSol || sw.AmountIn.Kind != action.AmountMaxButLeaveForTransfer {
			t.Fatalf("unexpected buy %+v", sw)
		}
	}
	for _, b := range buyers {
		r.balances.set(ledger.MustPublicKey(b.PublicKey), 1_000_000, 100)
	}

	collects := r.confirm(v, buys)
	expectDetail(t, v, "phase", "collecting_tokens")
	expectCount(t, collects, 2)
	r.balances.set(main.PublicKey(), 9*ledger.LamportsPerSol, 200)

	distribution := r.confirm(v, collects)
	expectDetail(t, v, "phase", "transferring_tokens")
	expectCount(t, distribution, 1)
	legs := transfersOf(t, distribution[0])
	if len(legs) != 6 {
		t.Fatalf("expected SOL and token legs for three sellers, got %d", len(legs))
	}
	var tokens uint64
	for _, leg := range legs {
		if leg.Asset.IsSOL() {
			r.balances.set(leg.Receiver, leg.Amount.Value, 0)
			continue
		}
		tokens += leg.Amount.Value
	}
	if tokens != 200 {
		t.Fatalf("expected every main token distributed, got %d", tokens)
	}
	if n := r.balances.watching(ledger.MustPublicKey(buyers[0].PublicKey)); n != 0 {
		t.Fatalf("expected dismissed buyers to be released, watch count %d", n)
	}

	sells := r.confirm(v, distribution)
	expectDetail(t, v, "phase", "selling")
	expectCount(t, sells, 3)
	for _, h := range sells {
		if sw := swapOf(t, h); sw.Method != action.SellExactTokensForSol || sw.AmountIn.Kind != action.AmountMax {
			t.Fatalf("unexpected sell %+v", sw)
		}
	}

	collectSOL := r.confirm(v, sells)
	expectDetail(t, v, "phase", "collecting_sol")
	expectCount(t, collectSOL, 3)

	expectCount(t, r.confirm(v, collectSOL), 0)
	expectDetail(t, v, "phase", "sleeping")
	expectDetail(t, v, "tranches", "1")

	expectCount(t, r.heartbeat(v), 0)
	next := r.heartbeat(v)
	expectDetail(t, v, "phase", "funding")
	expectCount(t, next, 1)
}

func TestVolumeStopsAfterTooManyFailedTranches(t *testing.T) {
	r := newRig(t)
	v, _ := newTestVolume(t, r, 1)

	funding := r.heartbeat(v)
	expectCount(t, funding, 1)
	r.reject(v, funding[0])

	st := v.Status()
	if !st.Stopped || !st.Completed {
		t.Fatalf("expected failed volume to stop, got %+v", st)
	}
	if !strings.Contains(st.Details["message"], "main wallet transfer failed") {
		t.Fatalf("unexpected failure message %q", st.Details["message"])
	}
	expectCount(t, r.heartbeat(v), 0)
}

func TestVolumeRecoversByStartingANewTranche(t *testing.T) {
	r := newRig(t)
	v, _ := newTestVolume(t, r, 3)

	funding := r.heartbeat(v)
	out := r.reject(v, funding[0])

	expectDetail(t, v, "failures", "1")
	expectDetail(t, v, "phase", "funding")
	expectCount(t, out, 1)
	stored, _ := r.wallets.ListWallets(r.ctx, volumeID)
	if len(stored) != 4 {
		t.Fatalf("expected a fresh set of buyers, got %d stored wallets", len(stored))
	}
}

func TestVolumeDestroyDeactivatesWorkingAgents(t *testing.T) {
	r := newRig(t)
	v, _ := newTestVolume(t, r, 3)
	buys := r.confirm(v, r.heartbeat(v))
	expectCount(t, buys, 2)

	teardown := r.feed(v, events.DestroyStrategy{ID: volumeID})
	expectCount(t, teardown, 2)
	for _, h := range teardown {
		if h.Snapshot().FeePayer.PublicKey() != v.crew.main.PublicKey() {
			t.Fatalf("expected teardown collects paid by the main wallet")
		}
	}
	if st := v.Status(); !st.Stopped || st.Details["phase"] != "stopped" {
		t.Fatalf("expected stopped status, got %+v", st)
	}
	expectCount(t, r.feed(v, events.DestroyStrategy{ID: volumeID}), 0)
}

func TestVolumeIgnoresOtherStrategiesTeardown(t *testing.T) {
	r := newRig(t)
	v, _ := newTestVolume(t, r, 3)
	r.feed(v, events.DestroyStrategy{ID: volumeID + 1})
	expectDetail(t, v, "phase", "funding")
}

func TestParseVolumeConfig(t *testing.T) {
	key, _ := ledger.NewKeypair()
	good := `{"mainWallet":"` + key.SecretBase58() + `","pool":{"id":"` + ledger.PublicKey{9}.String() +
		`","baseMint":"` + ledger.PublicKey{8}.String() + `","quoteMint":"` + ledger.WrappedSOLMint.String() +
		`"},"trancheSizeSol":"1.5","buyersPerTranche":3,"sellersPerTranche":2}`
	cfg, err := ParseVolumeConfig([]byte(good))
	if err != nil {
		t.Fatalf("ParseVolumeConfig: %v", err)
	}
	if cfg.MaxFailedTranches != defaultMaxFailedTranches || cfg.TrancheFrequencyHeartbeats != 1 {
		t.Fatalf("expected defaults applied, got %+v", cfg)
	}
	if !cfg.TrancheSizeSOL.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected tranche size %s", cfg.TrancheSizeSOL)
	}
	for name, raw := range map[string]string{
		"not json":  `{`,
		"no wallet": `{"trancheSizeSol":"1","buyersPerTranche":1,"sellersPerTranche":1}`,
		"bad pool":  `{"mainWallet":"x","trancheSizeSol":"1","buyersPerTranche":1,"sellersPerTranche":1}`,
	} {
		if _, err := ParseVolumeConfig([]byte(raw)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}
