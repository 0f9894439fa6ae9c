package ledger

import (
	"github.com/shopspring/decimal"
)

const (
	// LamportsPerSol is the number of lamports in one SOL.
	LamportsPerSol uint64 = 1_000_000_000
	// BaseFeeLamports is the per-signature fee.
	BaseFeeLamports uint64 = 5_000
	// TransferPriorityFeeLamports is the priority fee attached to transfer transactions.
	TransferPriorityFeeLamports uint64 = 10_000
	// RentExemptionLamports is the balance a token account needs to stay rent exempt.
	RentExemptionLamports uint64 = 2_039_280
	// NewAccountThresholdLamports is the minimum balance of a freshly created system account.
	NewAccountThresholdLamports uint64 = 890_880
	// MaxTransfersPerAction caps the transfer steps packed into one transaction.
	MaxTransfersPerAction = 12
)

var lamportsPerSolDecimal = decimal.NewFromInt(int64(LamportsPerSol))

// SolToLamports converts a SOL amount to lamports, truncating fractions of a lamport.
// Negative amounts map to zero.
func SolToLamports(sol decimal.Decimal) uint64 {
	if sol.Sign() <= 0 {
		return 0
	}
	return uint64(sol.Mul(lamportsPerSolDecimal).Truncate(0).IntPart())
}

// LamportsToSol converts lamports to SOL.
func LamportsToSol(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSolDecimal)
}

// TransferFee returns the fee paid by one transfer transaction.
func TransferFee() uint64 {
	return BaseFeeLamports + TransferPriorityFeeLamports
}
