package action

import (
	"fmt"

	"github.com/coachpo/tranche/internal/domain/ledger"
)

// Asset is either native SOL or a token identified by its mint.
type Asset struct {
	Mint  ledger.PublicKey
	token bool
}

// SOL returns the native asset.
func SOL() Asset { return Asset{} }

// Token returns the token asset for mint.
func Token(mint ledger.PublicKey) Asset { return Asset{Mint: mint, token: true} }

// IsSOL reports whether the asset is native SOL.
func (a Asset) IsSOL() bool { return !a.token }

func (a Asset) String() string {
	if a.IsSOL() {
		return "SOL"
	}
	return "token:" + a.Mint.String()
}

// AmountKind selects how an amount is resolved against the wallet balance at execution time.
type AmountKind uint8

const (
	// AmountExact moves exactly Value units.
	AmountExact AmountKind = iota
	// AmountExactWithFees moves Value units plus the fees the receiver needs to move them on.
	AmountExactWithFees
	// AmountMax moves the whole balance minus fees.
	AmountMax
	// AmountMaxAndClose moves the whole token balance and closes the token account.
	AmountMaxAndClose
	// AmountMaxButLeaveForTransfer moves everything except the fees of one follow-up transfer.
	AmountMaxButLeaveForTransfer
)

var amountKindNames = [...]string{
	AmountExact:                  "exact",
	AmountExactWithFees:          "exact_with_fees",
	AmountMax:                    "max",
	AmountMaxAndClose:            "max_and_close",
	AmountMaxButLeaveForTransfer: "max_but_leave_for_transfer",
}

func (k AmountKind) String() string {
	if int(k) < len(amountKindNames) {
		return amountKindNames[k]
	}
	return fmt.Sprintf("amount_kind(%d)", uint8(k))
}

// Amount is a quantity of an asset, possibly resolved only at execution time.
type Amount struct {
	Kind  AmountKind
	Value uint64
}

// Exact returns an amount of exactly n base units.
func Exact(n uint64) Amount { return Amount{Kind: AmountExact, Value: n} }

// ExactWithFees returns n base units plus forwarding fees.
func ExactWithFees(n uint64) Amount { return Amount{Kind: AmountExactWithFees, Value: n} }

// Max returns the whole spendable balance.
func Max() Amount { return Amount{Kind: AmountMax} }

// MaxAndClose returns the whole token balance and closes the account.
func MaxAndClose() Amount { return Amount{Kind: AmountMaxAndClose} }

// MaxButLeaveForTransfer returns the balance minus one transfer's fees.
func MaxButLeaveForTransfer() Amount { return Amount{Kind: AmountMaxButLeaveForTransfer} }

func (a Amount) String() string {
	switch a.Kind {
	case AmountExact, AmountExactWithFees:
		return fmt.Sprintf("%s(%d)", a.Kind, a.Value)
	default:
		return a.Kind.String()
	}
}

// Step is one payload entry of an action. Steps are opaque to the orchestration core.
type Step interface {
	StepKind() string
}

// Transfer moves an asset from the action signer to Receiver.
type Transfer struct {
	Asset    Asset
	Receiver ledger.PublicKey
	Amount   Amount
}

// StepKind implements Step.
func (Transfer) StepKind() string { return "transfer" }

// SwapMethod identifies the swap direction.
type SwapMethod uint8

const (
	// BuyTokensForExactSol spends AmountIn SOL on base tokens.
	BuyTokensForExactSol SwapMethod = iota + 1
	// SellExactTokensForSol sells AmountIn base tokens for SOL.
	SellExactTokensForSol
)

func (m SwapMethod) String() string {
	switch m {
	case BuyTokensForExactSol:
		return "buy"
	case SellExactTokensForSol:
		return "sell"
	default:
		return "unknown"
	}
}

// Swap trades against a pool.
type Swap struct {
	Pool         ledger.Pool
	Method       SwapMethod
	AmountIn     Amount
	MinAmountOut uint64
}

// StepKind implements Step.
func (Swap) StepKind() string { return "swap" }
