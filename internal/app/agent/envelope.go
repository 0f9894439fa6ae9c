package agent

import (
	"fmt"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
)

// Command is a direct instruction from the owning composite strategy.
type Command interface {
	command()
}

// TransferCmd sends a batch of transfers from the agent wallet.
type TransferCmd struct {
	Batch []action.Transfer
}

// CollectCmd returns every token and all SOL to the main wallet.
type CollectCmd struct{}

// BuyCmd swaps SOL for pool tokens.
type BuyCmd struct {
	Amount action.Amount
}

// SellCmd swaps pool tokens for SOL.
type SellCmd struct {
	Amount action.Amount
}

// DeactivateCmd winds the agent down.
type DeactivateCmd struct{}

func (TransferCmd) command()   {}
func (CollectCmd) command()    {}
func (BuyCmd) command()        {}
func (SellCmd) command()       {}
func (DeactivateCmd) command() {}

// Input is what an agent state machine consumes: either an event from the
// global bus or a command addressed to this agent by its parent.
type Input struct {
	Event   events.Event
	Command Command
}

// Original wraps a bus event.
func Original(evt events.Event) Input { return Input{Event: evt} }

// ForAgent wraps a parent command.
func ForAgent(cmd Command) Input { return Input{Command: cmd} }

func (in Input) String() string {
	if in.Command != nil {
		return fmt.Sprintf("command %T", in.Command)
	}
	if in.Event != nil {
		return "event " + events.Name(in.Event)
	}
	return "empty"
}
