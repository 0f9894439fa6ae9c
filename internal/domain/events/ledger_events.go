package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

// AccountUpdate reports a new balance for a wallet, or for one of its token
// accounts when Mint is set.
type AccountUpdate struct {
	Owner   ledger.PublicKey
	Mint    *ledger.PublicKey
	Balance uint64
	At      time.Time
}

// Kind implements Event.
func (AccountUpdate) Kind() Kind { return KindLedger }

// Deposit reports SOL received by a watched wallet.
type Deposit struct {
	TxID   string
	Wallet ledger.PublicKey
	Amount uint64
}

// Kind implements Event.
func (Deposit) Kind() Kind { return KindLedger }

// Withdrawal reports SOL leaving a watched wallet.
type Withdrawal struct {
	TxID   string
	Wallet ledger.PublicKey
	Amount uint64
}

// Kind implements Event.
func (Withdrawal) Kind() Kind { return KindLedger }

// ExecutionReceipt is the ledger's confirmation, or rejection, of a submitted action.
type ExecutionReceipt struct {
	ActionID   uuid.UUID
	TxID       string
	Err        *action.ExecutionError
	ObservedAt time.Time
}

// Kind implements Event.
func (ExecutionReceipt) Kind() Kind { return KindLedger }

// PriceUpdate reports the latest pool price.
type PriceUpdate struct {
	Pool  ledger.PublicKey
	Price ledger.Price
	At    time.Time
}

// Kind implements Event.
func (PriceUpdate) Kind() Kind { return KindLedger }

// SwapDirection is the side of an observed swap.
type SwapDirection uint8

const (
	SwapBuy SwapDirection = iota + 1
	SwapSell
)

// Swap reports a swap observed in a pool together with the resulting price.
type Swap struct {
	Pool       ledger.PublicKey
	TxID       string
	Direction  SwapDirection
	AmountBase uint64
	Update     PriceUpdate
}

// Kind implements Event.
func (Swap) Kind() Kind { return KindLedger }

// NewPool announces a freshly created pool and its opening price.
type NewPool struct {
	Pool  ledger.Pool
	Price ledger.Price
	At    time.Time
}

// Kind implements Event.
func (NewPool) Kind() Kind { return KindLedger }

// Name returns a short variant name for logs and the journal.
func Name(evt Event) string {
	switch evt.(type) {
	case Heartbeat:
		return "heartbeat"
	case AccountUpdate:
		return "account_update"
	case Deposit:
		return "deposit"
	case Withdrawal:
		return "withdrawal"
	case ExecutionReceipt:
		return "execution_receipt"
	case PriceUpdate:
		return "price_update"
	case Swap:
		return "swap"
	case NewPool:
		return "new_pool"
	case TickBar:
		return "tick_bar"
	case Indicators:
		return "indicators"
	case ExecutionResult:
		return "execution_result"
	case DestroyStrategy:
		return "destroy_strategy"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}
