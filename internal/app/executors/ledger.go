package executors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/infra/ledgerrpc"
)

// LedgerClient is the RPC surface the ledger executor submits through.
type LedgerClient interface {
	GetLatestBlockhash(ctx context.Context) (ledgerrpc.Blockhash, error)
	SimulateTransaction(ctx context.Context, tx []byte) (ledgerrpc.SimulationResult, error)
	SendTransaction(ctx context.Context, tx []byte) (string, error)
}

// BuildRequest carries everything needed to produce a signed transaction.
type BuildRequest struct {
	Action    action.Action
	Plan      Plan
	Blockhash string
}

// TxBuilder produces the signed wire transaction for a planned action. An
// empty result means the plan produced no instructions.
type TxBuilder interface {
	Build(ctx context.Context, req BuildRequest) ([]byte, error)
}

// LedgerConfig configures the ledger executor.
type LedgerConfig struct {
	Simulate          bool
	SimulationRetries int
	// ActionExpiry is the age after which an action is rejected; zero means action.Expiry.
	ActionExpiry time.Duration
	// RatePerSecond caps submissions; zero disables the limit.
	RatePerSecond float64
	Burst         int
	Logger        *log.Logger
}

// Ledger submits actions to the ledger.
type Ledger struct {
	client   LedgerClient
	builder  TxBuilder
	registry Binder
	balances BalanceView
	cfg      LedgerConfig
	limiter  *rate.Limiter
	clock    func() time.Time
	logger   *log.Logger
}

// NewLedger builds a ledger executor.
func NewLedger(client LedgerClient, builder TxBuilder, registry Binder, balances BalanceView, cfg LedgerConfig) (*Ledger, error) {
	if client == nil || builder == nil || registry == nil || balances == nil {
		return nil, errors.New("ledger executor: client, builder, registry and balances are required")
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.SimulationRetries < 0 {
		cfg.SimulationRetries = 0
	}
	if cfg.ActionExpiry <= 0 {
		cfg.ActionExpiry = action.Expiry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "executor-ledger ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Ledger{
		client:   client,
		builder:  builder,
		registry: registry,
		balances: balances,
		cfg:      cfg,
		limiter:  limiter,
		clock:    time.Now,
		logger:   logger,
	}, nil
}

// Name implements engine.Executor.
func (l *Ledger) Name() string { return "ledger" }

// Execute implements engine.Executor. Every ledger-side failure is reported
// as an ExecutionResult; expired actions never reach the ledger.
func (l *Ledger) Execute(ctx context.Context, h *action.Handle) (events.Event, error) {
	snap := h.Snapshot()
	if l.clock().Sub(snap.CreatedAt) > l.cfg.ActionExpiry {
		return failed(h, action.ExecutionError{Kind: action.ErrActionTooOld}), nil
	}
	plan, execErr := Preflight(snap, l.balances)
	if execErr != nil {
		l.logger.Printf("action %s rejected before submission: %s", h.ID(), execErr)
		return failed(h, *execErr), nil
	}

	blockhash, err := l.client.GetLatestBlockhash(ctx)
	if err != nil {
		return failed(h, action.Other(fmt.Sprintf("latest blockhash: %v", err))), nil
	}
	tx, err := l.builder.Build(ctx, BuildRequest{Action: snap, Plan: plan, Blockhash: blockhash.Blockhash})
	if err != nil {
		return failed(h, action.Other(fmt.Sprintf("build transaction: %v", err))), nil
	}
	if len(tx) == 0 {
		return failed(h, action.ExecutionError{Kind: action.ErrNoInstructionsGenerated}), nil
	}
	if l.cfg.Simulate {
		if e := l.simulate(ctx, tx); e != nil {
			l.logger.Printf("action %s simulation failed: %s", h.ID(), e)
			return failed(h, *e), nil
		}
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return failed(h, action.Other(fmt.Sprintf("submit throttle: %v", err))), nil
	}
	signature, err := l.client.SendTransaction(ctx, tx)
	if err != nil {
		return failed(h, action.Other(fmt.Sprintf("send transaction: %v", err))), nil
	}
	if err := l.registry.Bind(h.ID(), signature); err != nil {
		return failed(h, action.Other(fmt.Sprintf("bind signature: %v", err))), nil
	}
	l.logger.Printf("action %s sent as %s", h.ID(), signature)
	return sent(h, signature, plan, l.clock()), nil
}

// simulate dry-runs tx. Transport failures are retried; a ledger rejection is final.
func (l *Ledger) simulate(ctx context.Context, tx []byte) *action.ExecutionError {
	_, err := backoff.Retry(ctx, func() (ledgerrpc.SimulationResult, error) {
		res, err := l.client.SimulateTransaction(ctx, tx)
		if err != nil {
			return res, err
		}
		if res.Err != nil {
			return res, backoff.Permanent(fmt.Errorf("%v: %s", res.Err, strings.Join(res.Logs, "; ")))
		}
		return res, nil
	}, backoff.WithMaxTries(uint(l.cfg.SimulationRetries)+1), backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)))
	if err != nil {
		e := action.SimulationFailed(err.Error())
		return &e
	}
	return nil
}
