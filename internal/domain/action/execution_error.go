package action

import (
	"fmt"

	"github.com/coachpo/tranche/internal/domain/ledger"
)

// ErrorKind classifies why an executor could not get an action accepted.
type ErrorKind uint8

const (
	ErrOther ErrorKind = iota
	ErrActionTooOld
	ErrNoInstructionsGenerated
	ErrSeveralTokensInOneTx
	ErrZeroSolBalance
	ErrNotEnoughSolBalance
	ErrNotEnoughTokenBalance
	ErrUnsupportedPool
	ErrSimulationFailed
)

var errorKindNames = [...]string{
	ErrOther:                   "other",
	ErrActionTooOld:            "action_too_old",
	ErrNoInstructionsGenerated: "no_instructions_generated",
	ErrSeveralTokensInOneTx:    "several_tokens_in_one_tx",
	ErrZeroSolBalance:          "zero_sol_balance",
	ErrNotEnoughSolBalance:     "not_enough_sol_balance",
	ErrNotEnoughTokenBalance:   "not_enough_token_balance",
	ErrUnsupportedPool:         "unsupported_pool",
	ErrSimulationFailed:        "simulation_failed",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("error_kind(%d)", uint8(k))
}

// ExecutionError is the closed set of submission failures reported on the event bus.
type ExecutionError struct {
	Kind     ErrorKind
	Required uint64
	Balance  uint64
	Base     ledger.PublicKey
	Quote    ledger.PublicKey
	Message  string
}

func (e ExecutionError) String() string {
	switch e.Kind {
	case ErrNotEnoughSolBalance, ErrNotEnoughTokenBalance:
		return fmt.Sprintf("%s required=%d balance=%d", e.Kind, e.Required, e.Balance)
	case ErrUnsupportedPool:
		return fmt.Sprintf("%s base=%s quote=%s", e.Kind, e.Base, e.Quote)
	case ErrSimulationFailed, ErrOther:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return e.Kind.String()
	}
}

// NotEnoughSol builds an insufficient SOL balance error.
func NotEnoughSol(required, balance uint64) ExecutionError {
	return ExecutionError{Kind: ErrNotEnoughSolBalance, Required: required, Balance: balance}
}

// NotEnoughTokens builds an insufficient token balance error.
func NotEnoughTokens(required, balance uint64) ExecutionError {
	return ExecutionError{Kind: ErrNotEnoughTokenBalance, Required: required, Balance: balance}
}

// SimulationFailed wraps a simulation rejection message.
func SimulationFailed(msg string) ExecutionError {
	return ExecutionError{Kind: ErrSimulationFailed, Message: msg}
}

// Other wraps any uncategorised failure.
func Other(msg string) ExecutionError {
	return ExecutionError{Kind: ErrOther, Message: msg}
}
