// Package executors turns queued actions into ledger submissions.
package executors

import (
	"fmt"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

// BalanceView is the read side of the balance cache.
type BalanceView interface {
	SOL(owner ledger.PublicKey) uint64
	Token(owner, mint ledger.PublicKey) uint64
}

// Leg is one step with its amounts resolved against the signer's balances.
type Leg struct {
	Step action.Step
	// Amount is lamports for SOL transfers and buys, raw token units otherwise.
	Amount uint64
	// Rent is the lamports the fee payer funds for a token account created by the leg.
	Rent uint64
	// Close marks a leg that closes the source account afterwards.
	Close bool
}

// Plan is the resolved budget of one action.
type Plan struct {
	Signer   ledger.PublicKey
	FeePayer ledger.PublicKey
	Mint     ledger.PublicKey
	Fee      uint64
	PreSOL   uint64
	PreToken uint64
	Legs     []Leg
}

// Preflight resolves every amount of a and validates that the signer and the
// fee payer can cover it. A leg that would leave a zero or negative remainder
// is rejected with NotEnoughSolBalance; nothing is truncated.
func Preflight(a action.Action, balances BalanceView) (Plan, *action.ExecutionError) {
	fail := func(e action.ExecutionError) (Plan, *action.ExecutionError) { return Plan{}, &e }

	if len(a.Steps) == 0 {
		return fail(action.ExecutionError{Kind: action.ErrNoInstructionsGenerated})
	}
	signer := a.Signer.PublicKey()
	payer := signer
	if !a.FeePayer.IsZero() {
		payer = a.FeePayer.PublicKey()
	}
	mint, transfers, err := inspect(a.Steps)
	if err != nil {
		return fail(*err)
	}
	if transfers > ledger.MaxTransfersPerAction {
		return fail(action.Other(fmt.Sprintf("%d transfers exceed the %d per action limit", transfers, ledger.MaxTransfersPerAction)))
	}

	plan := Plan{Signer: signer, FeePayer: payer, Mint: mint, Fee: ledger.TransferFee(), PreSOL: balances.SOL(signer)}
	if !mint.IsZero() {
		plan.PreToken = balances.Token(signer, mint)
	}
	if plan.PreSOL == 0 {
		return fail(action.ExecutionError{Kind: action.ErrZeroSolBalance})
	}

	sol := plan.PreSOL
	payerSOL := balances.SOL(payer)
	shared := payer == signer
	if shared {
		payerSOL = sol
	}
	if payerSOL < plan.Fee {
		return fail(action.NotEnoughSol(plan.Fee, payerSOL))
	}
	payerSOL -= plan.Fee
	if shared {
		sol = payerSOL
	}
	tokens := plan.PreToken

	chargeRent := func(rent uint64) *action.ExecutionError {
		if rent == 0 {
			return nil
		}
		if payerSOL < rent {
			e := action.NotEnoughSol(rent, payerSOL)
			return &e
		}
		payerSOL -= rent
		if shared {
			sol = payerSOL
		}
		return nil
	}
	spend := func(n uint64) {
		sol -= n
		if shared {
			payerSOL = sol
		}
	}

	for _, step := range a.Steps {
		var leg Leg
		switch s := step.(type) {
		case action.Transfer:
			leg = Leg{Step: s, Close: s.Amount.Kind == action.AmountMaxAndClose}
			if s.Asset.IsSOL() {
				amount, e := solTransferAmount(s.Amount, sol, plan.Fee)
				if e != nil {
					return fail(*e)
				}
				leg.Amount = amount
				spend(amount)
				break
			}
			amount, e := tokenAmount(s.Amount, tokens)
			if e != nil {
				return fail(*e)
			}
			if balances.Token(s.Receiver, mint) == 0 {
				leg.Rent = ledger.RentExemptionLamports
			}
			if e := chargeRent(leg.Rent); e != nil {
				return fail(*e)
			}
			leg.Amount = amount
			tokens -= amount
		case action.Swap:
			if !s.Pool.Supported() {
				return fail(action.ExecutionError{Kind: action.ErrUnsupportedPool, Base: s.Pool.BaseMint, Quote: s.Pool.QuoteMint})
			}
			leg = Leg{Step: s}
			switch s.Method {
			case action.BuyTokensForExactSol:
				if plan.PreToken == 0 {
					leg.Rent = ledger.RentExemptionLamports
				}
				var reserved uint64
				if shared {
					reserved = leg.Rent
				}
				amount, e := buyAmount(s.AmountIn, sol, plan.Fee, reserved)
				if e != nil {
					return fail(*e)
				}
				if e := chargeRent(leg.Rent); e != nil {
					return fail(*e)
				}
				leg.Amount = amount
				spend(amount)
			case action.SellExactTokensForSol:
				amount, e := tokenAmount(s.AmountIn, tokens)
				if e != nil {
					return fail(*e)
				}
				leg.Amount = amount
				tokens -= amount
			default:
				return fail(action.Other(fmt.Sprintf("unknown swap method %d", s.Method)))
			}
		default:
			return fail(action.Other(fmt.Sprintf("unsupported step %q", step.StepKind())))
		}
		if leg.Amount > 0 {
			plan.Legs = append(plan.Legs, leg)
		}
	}
	if len(plan.Legs) == 0 {
		return fail(action.ExecutionError{Kind: action.ErrNoInstructionsGenerated})
	}
	return plan, nil
}

// inspect returns the single token mint the steps touch and the transfer count.
func inspect(steps []action.Step) (ledger.PublicKey, int, *action.ExecutionError) {
	var mint ledger.PublicKey
	transfers := 0
	use := func(m ledger.PublicKey) *action.ExecutionError {
		if mint.IsZero() || mint == m {
			mint = m
			return nil
		}
		return &action.ExecutionError{Kind: action.ErrSeveralTokensInOneTx}
	}
	for _, step := range steps {
		switch s := step.(type) {
		case action.Transfer:
			transfers++
			if !s.Asset.IsSOL() {
				if err := use(s.Asset.Mint); err != nil {
					return mint, transfers, err
				}
			}
		case action.Swap:
			if err := use(s.Pool.BaseMint); err != nil {
				return mint, transfers, err
			}
		}
	}
	return mint, transfers, nil
}

func solTransferAmount(amount action.Amount, sol, fee uint64) (uint64, *action.ExecutionError) {
	switch amount.Kind {
	case action.AmountExact:
		if amount.Value > sol {
			e := action.NotEnoughSol(amount.Value, sol)
			return 0, &e
		}
		return amount.Value, nil
	case action.AmountExactWithFees:
		if amount.Value <= fee {
			e := action.NotEnoughSol(fee+1, amount.Value)
			return 0, &e
		}
		send := amount.Value - fee
		if send > sol {
			e := action.NotEnoughSol(send, sol)
			return 0, &e
		}
		return send, nil
	case action.AmountMax, action.AmountMaxAndClose:
		return sol, nil
	case action.AmountMaxButLeaveForTransfer:
		if sol <= fee {
			e := action.NotEnoughSol(fee+1, sol)
			return 0, &e
		}
		return sol - fee, nil
	default:
		e := action.Other(fmt.Sprintf("unknown amount kind %d", amount.Kind))
		return 0, &e
	}
}

func tokenAmount(amount action.Amount, tokens uint64) (uint64, *action.ExecutionError) {
	switch amount.Kind {
	case action.AmountExact, action.AmountExactWithFees:
		if amount.Value > tokens {
			e := action.NotEnoughTokens(amount.Value, tokens)
			return 0, &e
		}
		return amount.Value, nil
	default:
		return tokens, nil
	}
}

// buyAmount resolves the SOL spent on a buy. rent is reserved for the token
// account the swap creates.
func buyAmount(amount action.Amount, sol, fee, rent uint64) (uint64, *action.ExecutionError) {
	var reserve uint64
	switch amount.Kind {
	case action.AmountExact:
		reserve = rent
		if amount.Value+reserve > sol {
			e := action.NotEnoughSol(amount.Value+reserve, sol)
			return 0, &e
		}
		return amount.Value, nil
	case action.AmountExactWithFees:
		if amount.Value > sol {
			e := action.NotEnoughSol(amount.Value, sol)
			return 0, &e
		}
		if amount.Value <= rent {
			e := action.NotEnoughSol(rent+1, amount.Value)
			return 0, &e
		}
		return amount.Value - rent, nil
	case action.AmountMax:
		reserve = rent
	case action.AmountMaxButLeaveForTransfer:
		reserve = rent + fee
	case action.AmountMaxAndClose:
		reserve = 0
	}
	if sol <= reserve {
		e := action.NotEnoughSol(reserve+1, sol)
		return 0, &e
	}
	return sol - reserve, nil
}
