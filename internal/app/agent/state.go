package agent

import (
	"fmt"

	"github.com/coachpo/tranche/internal/domain/action"
)

// Phase is the position of a wallet agent in its workflow.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseTransferring
	PhaseCollecting
	PhaseBuying
	PhaseSelling
	PhaseSuccess
	PhaseError
	PhaseDeactivating
	PhaseDeactivated
)

var phaseNames = [...]string{
	PhaseIdle:         "idle",
	PhaseTransferring: "transferring",
	PhaseCollecting:   "collecting",
	PhaseBuying:       "buying",
	PhaseSelling:      "selling",
	PhaseSuccess:      "success",
	PhaseError:        "error",
	PhaseDeactivating: "deactivating",
	PhaseDeactivated:  "deactivated",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// State is a phase plus the data the phase was entered with.
type State struct {
	Phase     Phase
	Retry     int
	Transfers []action.Transfer
	Amount    action.Amount
	Msg       string
}

// Working reports whether the state has an action in flight.
func (s State) Working() bool {
	switch s.Phase {
	case PhaseTransferring, PhaseCollecting, PhaseBuying, PhaseSelling:
		return true
	default:
		return false
	}
}

// Terminal reports whether the workflow has finished, successfully or not.
func (s State) Terminal() bool {
	switch s.Phase {
	case PhaseSuccess, PhaseError, PhaseDeactivated:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch {
	case s.Working(), s.Phase == PhaseDeactivating:
		return fmt.Sprintf("%s(retry=%d)", s.Phase, s.Retry)
	case s.Phase == PhaseError:
		return fmt.Sprintf("error(%s)", s.Msg)
	default:
		return s.Phase.String()
	}
}

func idle() State                  { return State{Phase: PhaseIdle} }
func success() State               { return State{Phase: PhaseSuccess} }
func failed(msg string) State      { return State{Phase: PhaseError, Msg: msg} }
func deactivating(retry int) State { return State{Phase: PhaseDeactivating, Retry: retry} }
func deactivated() State           { return State{Phase: PhaseDeactivated} }
func collecting(retry int) State   { return State{Phase: PhaseCollecting, Retry: retry} }
func buying(amt action.Amount, r int) State {
	return State{Phase: PhaseBuying, Amount: amt, Retry: r}
}
func selling(amt action.Amount, r int) State {
	return State{Phase: PhaseSelling, Amount: amt, Retry: r}
}
func transferring(batch []action.Transfer, r int) State {
	return State{Phase: PhaseTransferring, Transfers: batch, Retry: r}
}

// withRetry returns the same working state with a new retry counter.
func (s State) withRetry(retry int) State {
	s.Retry = retry
	return s
}
