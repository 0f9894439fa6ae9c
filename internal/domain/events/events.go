// Package events defines the immutable event variants carried on the event bus.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

// Kind is the top-level family of an event.
type Kind string

const (
	KindHeartbeat       Kind = "heartbeat"
	KindLedger          Kind = "ledger"
	KindDerived         Kind = "derived"
	KindExecutionResult Kind = "execution_result"
	KindSystem          Kind = "system"
)

// Event is any value published on the event bus. Implementations are values
// and must not be mutated after publication.
type Event interface {
	Kind() Kind
}

// Heartbeat is the shared logical clock tick.
type Heartbeat struct {
	Period    time.Duration
	EmittedAt time.Time
}

// Kind implements Event.
func (Heartbeat) Kind() Kind { return KindHeartbeat }

// Outcome is the executor verdict for one action: sent, or an execution error.
type Outcome struct {
	Err *action.ExecutionError
}

// Sent is the successful submission outcome.
func Sent() Outcome { return Outcome{} }

// Failed wraps an execution error outcome.
func Failed(err action.ExecutionError) Outcome { return Outcome{Err: &err} }

// IsSent reports whether the action was accepted for submission.
func (o Outcome) IsSent() bool { return o.Err == nil }

func (o Outcome) String() string {
	if o.Err == nil {
		return "sent"
	}
	return o.Err.String()
}

// ExecutionResult is published by executors after every execute call.
type ExecutionResult struct {
	ActionID uuid.UUID
	Action   *action.Handle
	Outcome  Outcome
}

// Kind implements Event.
func (ExecutionResult) Kind() Kind { return KindExecutionResult }

// TickBar is an aggregated OHLC bar over a fixed number of price updates.
type TickBar struct {
	Pool   ledger.PublicKey
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume uint64
	Ticks  int
	At     time.Time
}

// Kind implements Event.
func (TickBar) Kind() Kind { return KindDerived }

// IndicatorSource names the price stream an Indicators event was computed on.
type IndicatorSource string

const (
	SourceTick IndicatorSource = "tick"
	SourceBar  IndicatorSource = "bar"
)

// Indicators carries moving averages and oscillators for one pool and one
// window length. RSI is scaled to [0, 100].
type Indicators struct {
	Pool   ledger.PublicKey
	Source IndicatorSource
	Length int
	Price  decimal.Decimal
	EMA    decimal.Decimal
	TEMA   decimal.Decimal
	RSI    decimal.Decimal
	Upper  decimal.Decimal
	Middle decimal.Decimal
	Lower  decimal.Decimal
	At     time.Time
}

// Kind implements Event.
func (Indicators) Kind() Kind { return KindDerived }

// DestroyStrategy asks the strategy with ID to tear itself down.
type DestroyStrategy struct {
	ID int64
}

// Kind implements Event.
func (DestroyStrategy) Kind() Kind { return KindSystem }

// Stop signals collectors and strategies that the engine is shutting down.
type Stop struct{}

// Kind implements Event.
func (Stop) Kind() Kind { return KindSystem }
