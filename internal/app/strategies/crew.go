// Package strategies implements the composite trading strategies the manager runs.
package strategies

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tranche/internal/app/agent"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/journal"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/domain/strategystore"
)

const defaultFanoutWorkers = 16

// Deps are the collaborators every strategy variant is built with.
type Deps struct {
	Registry agent.Registrar
	Balances agent.Balances
	Wallets  strategystore.WalletStore
	Journal  journal.Writer
	Agent    agent.Config
	// FanoutWorkers bounds the goroutines feeding one event to a crew.
	FanoutWorkers int
	Logger        *log.Logger
	Clock         func() time.Time
}

func (d Deps) normalize() Deps {
	if d.FanoutWorkers <= 0 {
		d.FanoutWorkers = defaultFanoutWorkers
	}
	if d.Logger == nil {
		d.Logger = log.New(os.Stdout, "strategy ", log.LstdFlags|log.Lmicroseconds)
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

// progress is the aggregate condition over a crew's workers.
type progress uint8

const (
	progressEmpty progress = iota
	progressPending
	progressDone
	progressFailed
)

func (p progress) String() string {
	switch p {
	case progressEmpty:
		return "empty"
	case progressPending:
		return "pending"
	case progressDone:
		return "done"
	default:
		return "failed"
	}
}

// crew is a strategy's main wallet plus the disposable workers of the current step.
type crew struct {
	deps       Deps
	label      string
	pool       ledger.Pool
	outbox     *agent.Outbox
	main       *agent.Wallet
	workers    []*agent.Wallet
	strategyID int64
}

func newCrew(deps Deps, label string, mainKey ledger.Keypair, p ledger.Pool) *crew {
	c := &crew{deps: deps, label: label, pool: p, outbox: new(agent.Outbox)}
	c.main = agent.NewWallet(agent.WalletOptions{
		Label:    label + "/main",
		Role:     agent.RolePrimary,
		Key:      mainKey,
		Main:     mainKey,
		Pool:     p,
		Balances: deps.Balances,
		Tracker:  agent.NewTracker(deps.Agent, deps.Registry, c.outbox),
		Logger:   deps.Logger,
	})
	return c
}

func (c *crew) worker(key ledger.Keypair) *agent.Wallet {
	return agent.NewWallet(agent.WalletOptions{
		Label:    fmt.Sprintf("%s/%s", c.label, key.PublicKey()),
		Role:     agent.RoleWorker,
		Key:      key,
		Main:     c.main.Keypair(),
		Pool:     c.pool,
		Balances: c.deps.Balances,
		Tracker:  agent.NewTracker(c.deps.Agent, c.deps.Registry, c.outbox),
		Logger:   c.deps.Logger,
	})
}

// mint creates n fresh workers and records their keys so stranded funds can be swept later.
func (c *crew) mint(ctx context.Context, n int) ([]*agent.Wallet, error) {
	minted := make([]*agent.Wallet, 0, n)
	for i := 0; i < n; i++ {
		key, err := ledger.NewKeypair()
		if err != nil {
			return minted, fmt.Errorf("mint worker: %w", err)
		}
		if c.deps.Wallets != nil {
			err = c.deps.Wallets.SaveWallet(ctx, strategystore.Wallet{
				StrategyID: c.strategyID,
				PublicKey:  key.PublicKey().String(),
				Secret:     key.SecretBase58(),
				CreatedAt:  c.deps.Clock().UTC(),
			})
			if err != nil {
				return minted, fmt.Errorf("save worker wallet: %w", err)
			}
		}
		w := c.worker(key)
		minted = append(minted, w)
		c.workers = append(c.workers, w)
	}
	return minted, nil
}

// adopt rebuilds workers from stored wallets that still hold something worth
// sweeping. strategyID zero adopts every stored wallet.
func (c *crew) adopt(ctx context.Context, strategyID int64, keepTokens uint64) error {
	if c.deps.Wallets == nil {
		return nil
	}
	stored, err := c.deps.Wallets.ListWallets(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("list worker wallets: %w", err)
	}
	mainKey := c.main.PublicKey().String()
	for _, sw := range stored {
		if sw.PublicKey == mainKey {
			continue
		}
		key, err := ledger.KeypairFromBase58(sw.Secret)
		if err != nil {
			c.deps.Logger.Printf("%s: skipping stored wallet %s: %v", c.label, sw.PublicKey, err)
			continue
		}
		w := c.worker(key)
		if w.SOLBalance() < ledger.NewAccountThresholdLamports && w.TokenBalance() <= keepTokens {
			w.Release()
			continue
		}
		c.workers = append(c.workers, w)
	}
	return nil
}

func (c *crew) run(fn func(w *agent.Wallet), includeMain bool) {
	p := pool.New().WithMaxGoroutines(c.deps.FanoutWorkers)
	if includeMain {
		p.Go(func() { fn(c.main) })
	}
	for _, w := range c.workers {
		p.Go(func() { fn(w) })
	}
	p.Wait()
}

// dispatch feeds in to the main wallet and every worker concurrently.
func (c *crew) dispatch(ctx context.Context, in agent.Input) {
	c.run(func(w *agent.Wallet) { w.Handle(ctx, in) }, true)
}

// command sends each worker the command pick returns. Workers for which pick
// returns nil are deactivated so the step can still settle.
func (c *crew) command(ctx context.Context, pick func(w *agent.Wallet) agent.Command) {
	c.run(func(w *agent.Wallet) {
		cmd := pick(w)
		if cmd == nil {
			cmd = agent.DeactivateCmd{}
		}
		w.Handle(ctx, agent.ForAgent(cmd))
	}, false)
}

func (c *crew) progress() progress {
	if len(c.workers) == 0 {
		return progressEmpty
	}
	succeeded := 0
	for _, w := range c.workers {
		switch w.State().Phase {
		case agent.PhaseSuccess:
			succeeded++
		case agent.PhaseError, agent.PhaseDeactivating, agent.PhaseDeactivated:
		default:
			return progressPending
		}
	}
	if succeeded == len(c.workers) {
		return progressDone
	}
	return progressFailed
}

// succeeded returns how many workers reached Success.
func (c *crew) succeeded() int {
	n := 0
	for _, w := range c.workers {
		if w.State().Phase == agent.PhaseSuccess {
			n++
		}
	}
	return n
}

// dismiss stops watching every worker and forgets them.
func (c *crew) dismiss() {
	for _, w := range c.workers {
		w.Release()
	}
	c.workers = nil
}

// teardown returns what it can to the main wallet: settled workers collect,
// working ones are deactivated.
func (c *crew) teardown(ctx context.Context) {
	c.run(func(w *agent.Wallet) {
		s := w.State()
		switch {
		case s.Working():
			w.Handle(ctx, agent.ForAgent(agent.DeactivateCmd{}))
		case s.Phase == agent.PhaseIdle, s.Phase == agent.PhaseSuccess:
			w.Handle(ctx, agent.ForAgent(agent.CollectCmd{}))
		}
	}, false)
}

func (c *crew) drain() []*action.Handle { return c.outbox.Drain() }

// settled reports whether the main wallet has no action in flight.
func settled(w *agent.Wallet) bool {
	return !w.State().Working()
}

// chunk splits transfers into batches that fit one action.
func chunk(transfers []action.Transfer) [][]action.Transfer {
	var out [][]action.Transfer
	for len(transfers) > 0 {
		n := min(len(transfers), ledger.MaxTransfersPerAction)
		out = append(out, transfers[:n])
		transfers = transfers[n:]
	}
	return out
}
