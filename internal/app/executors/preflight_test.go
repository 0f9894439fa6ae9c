package executors

import (
	"testing"
	"time"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

type tokenKey struct{ owner, mint ledger.PublicKey }

type book struct {
	sol    map[ledger.PublicKey]uint64
	tokens map[tokenKey]uint64
}

func newBook() *book {
	return &book{sol: map[ledger.PublicKey]uint64{}, tokens: map[tokenKey]uint64{}}
}

func (b *book) SOL(owner ledger.PublicKey) uint64         { return b.sol[owner] }
func (b *book) Token(owner, mint ledger.PublicKey) uint64 { return b.tokens[tokenKey{owner, mint}] }
func (b *book) Set(owner ledger.PublicKey, n uint64)      { b.sol[owner] = n }
func (b *book) SetToken(owner, mint ledger.PublicKey, n uint64) {
	b.tokens[tokenKey{owner, mint}] = n
}

func keypair(t *testing.T) ledger.Keypair {
	t.Helper()
	kp, err := ledger.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	return kp
}

func supportedPool(t *testing.T) ledger.Pool {
	return ledger.Pool{ID: keypair(t).PublicKey(), BaseMint: keypair(t).PublicKey(), QuoteMint: ledger.WrappedSOLMint, BaseDecimals: 6}
}

func expectKind(t *testing.T, err *action.ExecutionError, want action.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got no error", want)
	}
	if err.Kind != want {
		t.Fatalf("expected %s, got %s", want, err)
	}
}

func TestPreflightExactSolTransfer(t *testing.T) {
	signer := keypair(t)
	receiver := keypair(t).PublicKey()
	b := newBook()
	b.Set(signer.PublicKey(), 1_000_000)

	a := action.New(signer, []action.Step{action.Transfer{Asset: action.SOL(), Receiver: receiver, Amount: action.Exact(1_000)}}, time.Now())
	plan, err := Preflight(*a, b)
	if err != nil {
		t.Fatalf("unexpected rejection: %s", err)
	}
	if plan.Fee != ledger.TransferFee() || plan.PreSOL != 1_000_000 {
		t.Fatalf("unexpected plan budget: %+v", plan)
	}
	if len(plan.Legs) != 1 || plan.Legs[0].Amount != 1_000 {
		t.Fatalf("unexpected legs: %+v", plan.Legs)
	}
	if plan.FeePayer != signer.PublicKey() {
		t.Fatalf("expected signer to pay fees")
	}
}

func TestPreflightLeaveForTransferRejectsZeroRemainder(t *testing.T) {
	signer := keypair(t)
	b := newBook()
	fee := ledger.TransferFee()
	b.Set(signer.PublicKey(), 2*fee)

	a := action.New(signer, []action.Step{action.Transfer{Asset: action.SOL(), Receiver: keypair(t).PublicKey(), Amount: action.MaxButLeaveForTransfer()}}, time.Now())
	_, err := Preflight(*a, b)
	expectKind(t, err, action.ErrNotEnoughSolBalance)
	if err.Required != fee+1 || err.Balance != fee {
		t.Fatalf("unexpected amounts: %s", err)
	}

	b.Set(signer.PublicKey(), 2*fee+1)
	plan, err := Preflight(*a, b)
	if err != nil {
		t.Fatalf("one lamport above the remainder should pass: %s", err)
	}
	if plan.Legs[0].Amount != 1 {
		t.Fatalf("expected 1 lamport moved, got %d", plan.Legs[0].Amount)
	}
}

func TestPreflightRejections(t *testing.T) {
	signer := keypair(t)
	mintA := keypair(t).PublicKey()
	mintB := keypair(t).PublicKey()
	receiver := keypair(t).PublicKey()

	manyTransfers := make([]action.Step, ledger.MaxTransfersPerAction+1)
	for i := range manyTransfers {
		manyTransfers[i] = action.Transfer{Asset: action.SOL(), Receiver: receiver, Amount: action.Exact(1)}
	}

	cases := []struct {
		name  string
		sol   uint64
		steps []action.Step
		want  action.ErrorKind
	}{
		{name: "no steps", sol: 1_000_000, want: action.ErrNoInstructionsGenerated},
		{name: "too many transfers", sol: 1_000_000, steps: manyTransfers, want: action.ErrOther},
		{
			name: "two mints",
			sol:  1_000_000,
			steps: []action.Step{
				action.Transfer{Asset: action.Token(mintA), Receiver: receiver, Amount: action.Max()},
				action.Transfer{Asset: action.Token(mintB), Receiver: receiver, Amount: action.Max()},
			},
			want: action.ErrSeveralTokensInOneTx,
		},
		{
			name:  "empty wallet",
			steps: []action.Step{action.Transfer{Asset: action.SOL(), Receiver: receiver, Amount: action.Max()}},
			want:  action.ErrZeroSolBalance,
		},
		{
			name:  "fee not covered",
			sol:   ledger.TransferFee() - 1,
			steps: []action.Step{action.Transfer{Asset: action.SOL(), Receiver: receiver, Amount: action.Max()}},
			want:  action.ErrNotEnoughSolBalance,
		},
		{
			name:  "unsupported pool",
			sol:   1_000_000,
			steps: []action.Step{action.Swap{Pool: ledger.Pool{BaseMint: mintA, QuoteMint: mintB}, Method: action.BuyTokensForExactSol, AmountIn: action.Max()}},
			want:  action.ErrUnsupportedPool,
		},
		{
			name:  "token account rent not covered",
			sol:   1_000_000,
			steps: []action.Step{action.Transfer{Asset: action.Token(mintA), Receiver: receiver, Amount: action.Exact(0)}},
			want:  action.ErrNotEnoughSolBalance,
		},
		{
			name:  "sell without tokens",
			sol:   1_000_000,
			steps: []action.Step{action.Swap{Pool: supportedPool(t), Method: action.SellExactTokensForSol, AmountIn: action.Max()}},
			want:  action.ErrNoInstructionsGenerated,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBook()
			b.Set(signer.PublicKey(), tc.sol)
			a := action.New(signer, tc.steps, time.Now())
			_, err := Preflight(*a, b)
			expectKind(t, err, tc.want)
		})
	}
}

func TestPreflightBuyReservesTokenAccountRent(t *testing.T) {
	signer := keypair(t)
	b := newBook()
	b.Set(signer.PublicKey(), 10_000_000)

	a := action.New(signer, []action.Step{action.Swap{Pool: supportedPool(t), Method: action.BuyTokensForExactSol, AmountIn: action.Max()}}, time.Now())
	plan, err := Preflight(*a, b)
	if err != nil {
		t.Fatalf("unexpected rejection: %s", err)
	}
	want := 10_000_000 - ledger.TransferFee() - ledger.RentExemptionLamports
	if plan.Legs[0].Amount != want || plan.Legs[0].Rent != ledger.RentExemptionLamports {
		t.Fatalf("expected %d spent with rent reserved, got %+v", want, plan.Legs[0])
	}
}

func TestPreflightSeparateFeePayer(t *testing.T) {
	signer := keypair(t)
	payer := keypair(t)
	b := newBook()
	b.Set(signer.PublicKey(), 5_000)

	a := action.NewWithFeePayer(signer, payer, []action.Step{action.Transfer{Asset: action.SOL(), Receiver: keypair(t).PublicKey(), Amount: action.Max()}}, time.Now())
	_, err := Preflight(*a, b)
	expectKind(t, err, action.ErrNotEnoughSolBalance)

	b.Set(payer.PublicKey(), 1_000_000)
	plan, err := Preflight(*a, b)
	if err != nil {
		t.Fatalf("unexpected rejection: %s", err)
	}
	if plan.Legs[0].Amount != 5_000 {
		t.Fatalf("signer should move its whole balance when another wallet pays, got %d", plan.Legs[0].Amount)
	}
}
