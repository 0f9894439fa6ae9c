package agent

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/infra/telemetry"
)

// Role distinguishes the strategy's main wallet from disposable workers.
type Role string

const (
	RolePrimary Role = "primary"
	RoleWorker  Role = "worker"
)

// Balances is the cached balance view agents read when building actions.
type Balances interface {
	SOL(owner ledger.PublicKey) uint64
	Token(owner, mint ledger.PublicKey) uint64
	Watch(owner, mint ledger.PublicKey)
	Unwatch(owner, mint ledger.PublicKey)
}

// WalletOptions configures a wallet agent.
type WalletOptions struct {
	Label    string
	Role     Role
	Key      ledger.Keypair
	Main     ledger.Keypair
	Pool     ledger.Pool
	Balances Balances
	Tracker  *Tracker
	Logger   *log.Logger
}

// Wallet is the retryable state machine of one wallet acting on one pool.
type Wallet struct {
	label    string
	role     Role
	key      ledger.Keypair
	main     ledger.Keypair
	pool     ledger.Pool
	balances Balances
	tracker  *Tracker
	logger   *log.Logger

	mu       sync.Mutex
	state    State
	released bool

	transitions  metric.Int64Counter
	retries      metric.Int64Counter
	failures     metric.Int64Counter
	confirmation metric.Int64Histogram
}

// NewWallet builds a wallet agent in the idle state and starts watching its balances.
func NewWallet(opts WalletOptions) *Wallet {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "agent ", log.LstdFlags|log.Lmicroseconds)
	}
	role := opts.Role
	if role == "" {
		role = RoleWorker
	}
	main := opts.Main
	if main.IsZero() {
		main = opts.Key
	}
	label := opts.Label
	if label == "" {
		label = opts.Key.PublicKey().String()
	}
	w := &Wallet{
		label:    label,
		role:     role,
		key:      opts.Key,
		main:     main,
		pool:     opts.Pool,
		balances: opts.Balances,
		tracker:  opts.Tracker,
		logger:   logger,
		state:    idle(),
	}
	meter := otel.Meter("agent")
	w.transitions, _ = meter.Int64Counter("agent.transitions",
		metric.WithDescription("Agent state transitions by entered state"),
		metric.WithUnit("{transition}"))
	w.retries, _ = meter.Int64Counter("agent.retries",
		metric.WithDescription("Working states re-entered after a failure"),
		metric.WithUnit("{retry}"))
	w.failures, _ = meter.Int64Counter("agent.failures",
		metric.WithDescription("Agents that exhausted their retry budget"),
		metric.WithUnit("{agent}"))
	w.confirmation, _ = meter.Int64Histogram("agent.confirmation.heartbeats",
		metric.WithDescription("Heartbeats between queueing an action and its settlement"),
		metric.WithUnit("{heartbeat}"))
	if w.balances != nil {
		w.balances.Watch(w.PublicKey(), w.pool.BaseMint)
	}
	return w
}

// NewDiscardLogger returns a logger that drops everything. Useful in tests.
func NewDiscardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// PublicKey returns the agent wallet address.
func (w *Wallet) PublicKey() ledger.PublicKey { return w.key.PublicKey() }

// Keypair returns the agent signing identity.
func (w *Wallet) Keypair() ledger.Keypair { return w.key }

// Role returns the agent role.
func (w *Wallet) Role() Role { return w.role }

// IsPrimary reports whether the agent is its strategy's main wallet.
func (w *Wallet) IsPrimary() bool { return w.role == RolePrimary }

// State returns the current state.
func (w *Wallet) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SOLBalance returns the cached SOL balance of the wallet.
func (w *Wallet) SOLBalance() uint64 {
	if w.balances == nil {
		return 0
	}
	return w.balances.SOL(w.PublicKey())
}

// TokenBalance returns the cached pool token balance of the wallet.
func (w *Wallet) TokenBalance() uint64 {
	if w.balances == nil {
		return 0
	}
	return w.balances.Token(w.PublicKey(), w.pool.BaseMint)
}

// Handle feeds one input to the state machine.
func (w *Wallet) Handle(ctx context.Context, in Input) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, ok := w.react(in)
	if ok {
		w.transition(ctx, next)
	}
}

// react returns the next state, or false when the input is handled in place
// or passed through.
func (w *Wallet) react(in Input) (State, bool) {
	s := w.state
	switch {
	case s.Phase == PhaseIdle, s.Phase == PhaseSuccess, s.Phase == PhaseError && w.IsPrimary():
		return w.accept(in.Command)
	case s.Working():
		if _, ok := in.Command.(DeactivateCmd); ok {
			if w.IsPrimary() {
				return failed("attempt to deactivate main wallet"), true
			}
			return deactivating(0), true
		}
		if in.Event == nil {
			return State{}, false
		}
		obs := w.tracker.Observe(in.Event)
		switch obs.Verdict {
		case Confirmed:
			w.recordConfirmation(obs)
			return success(), true
		case Failed:
			if next, ok := w.tracker.Config().NextRetry(s.Retry); ok {
				w.logger.Printf("agent %s %s failed (%s); retrying", w.label, s, obs.Reason)
				return s.withRetry(next), true
			}
			return failed(fmt.Sprintf("%s after %d retries", obs.Reason, s.Retry)), true
		}
		return State{}, false
	case s.Phase == PhaseDeactivating:
		if in.Event == nil {
			return State{}, false
		}
		obs := w.tracker.Observe(in.Event)
		switch obs.Verdict {
		case Confirmed:
			return deactivated(), true
		case Failed:
			if next, ok := w.tracker.Config().NextRetry(s.Retry); ok {
				return deactivating(next), true
			}
			if obs.TimedOut {
				return deactivated(), true
			}
			return failed("deactivation failed: " + obs.Reason), true
		}
		return State{}, false
	default:
		return State{}, false
	}
}

// accept handles commands in the states that take new work.
func (w *Wallet) accept(cmd Command) (State, bool) {
	switch c := cmd.(type) {
	case DeactivateCmd:
		if w.IsPrimary() {
			return State{}, false
		}
		return deactivated(), true
	case TransferCmd:
		return transferring(c.Batch, 0), true
	case CollectCmd:
		return collecting(0), true
	case BuyCmd:
		return buying(c.Amount, 0), true
	case SellCmd:
		return selling(c.Amount, 0), true
	default:
		return State{}, false
	}
}

func (w *Wallet) transition(ctx context.Context, next State) {
	prev := w.state
	w.state = next
	w.logger.Printf("agent %s transitioned from %s to %s", w.label, prev, next)
	attrs := metric.WithAttributes(telemetry.AgentAttributes(telemetry.Environment(), string(w.role), next.Phase.String())...)
	w.transitions.Add(ctx, 1, attrs)
	if next.Retry > 0 && next.Phase == prev.Phase {
		w.retries.Add(ctx, 1, attrs)
	}
	w.enter(ctx, next)
}

// enter runs the entry action of s.
func (w *Wallet) enter(ctx context.Context, s State) {
	switch s.Phase {
	case PhaseTransferring:
		w.tracker.Pause(ctx, s.Retry)
		w.queueTransfers(s.Transfers)
	case PhaseCollecting, PhaseDeactivating:
		w.tracker.Pause(ctx, s.Retry)
		w.queueCollect()
	case PhaseBuying:
		w.tracker.Pause(ctx, s.Retry)
		w.queueSwap(action.BuyTokensForExactSol, s.Amount)
	case PhaseSelling:
		w.tracker.Pause(ctx, s.Retry)
		w.queueSwap(action.SellExactTokensForSol, s.Amount)
	case PhaseSuccess:
		w.tracker.Clear()
	case PhaseError:
		w.tracker.Clear()
		w.failures.Add(ctx, 1, metric.WithAttributes(telemetry.AgentAttributes(telemetry.Environment(), string(w.role), "")...))
		if w.IsPrimary() {
			w.logger.Printf("agent %s main wallet error: %s; accepting new commands", w.label, s.Msg)
			return
		}
		w.logger.Printf("agent %s error: %s", w.label, s.Msg)
		w.release()
	case PhaseDeactivated:
		w.tracker.Clear()
		w.release()
	}
}

// Release stops monitoring a worker wallet whatever its state. It is a no-op
// for the main wallet and for wallets already released.
func (w *Wallet) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.release()
}

func (w *Wallet) release() {
	if w.IsPrimary() || w.balances == nil || w.released {
		return
	}
	w.released = true
	w.balances.Unwatch(w.PublicKey(), w.pool.BaseMint)
}

func (w *Wallet) queueTransfers(batch []action.Transfer) {
	feePayer := w.key
	steps := make([]action.Step, 0, len(batch))
	for _, t := range batch {
		if t.Asset.IsSOL() && t.Amount.Kind == action.AmountMaxAndClose {
			feePayer = w.main
		}
		steps = append(steps, t)
	}
	w.queue(action.NewWithFeePayer(w.key, feePayer, steps, w.tracker.Now()))
}

func (w *Wallet) queueCollect() {
	mainKey := w.main.PublicKey()
	steps := make([]action.Step, 0, 2)
	if w.TokenBalance() > 0 {
		steps = append(steps, action.Transfer{
			Asset:    action.Token(w.pool.BaseMint),
			Receiver: mainKey,
			Amount:   action.MaxAndClose(),
		})
	}
	steps = append(steps, action.Transfer{Asset: action.SOL(), Receiver: mainKey, Amount: action.Max()})
	w.queue(action.NewWithFeePayer(w.key, w.main, steps, w.tracker.Now()))
}

func (w *Wallet) queueSwap(method action.SwapMethod, amount action.Amount) {
	w.queue(action.New(w.key, []action.Step{action.Swap{
		Pool:     w.pool,
		Method:   method,
		AmountIn: amount,
	}}, w.tracker.Now()))
}

func (w *Wallet) queue(a *action.Action) {
	a.Retry = w.state.Retry
	w.tracker.Queue(a)
}

func (w *Wallet) recordConfirmation(obs Observation) {
	w.confirmation.Record(context.Background(), int64(obs.Heartbeats),
		metric.WithAttributes(telemetry.AgentAttributes(telemetry.Environment(), string(w.role), "")...))
}
