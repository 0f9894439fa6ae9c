package strategies

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tranche/internal/app/agent"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

type snipePhase uint8

const (
	snipeWaitingToBuy snipePhase = iota
	snipeBuying
	snipeWaitingToSell
	snipeSelling
	snipeDone
	snipeFailed
)

func (p snipePhase) String() string {
	return [...]string{"waiting_to_buy", "buying", "waiting_to_sell", "selling", "done", "failed"}[p]
}

var hundred = decimal.NewFromInt(100)

// snipe is one position on one freshly created pool.
type snipe struct {
	cfg    *SniperConfig
	pool   ledger.Pool
	wallet *agent.Wallet
	clock  func() time.Time

	phase      snipePhase
	openPrice  decimal.Decimal
	lastPrice  decimal.Decimal
	entryPrice decimal.Decimal
	createdAt  time.Time
	boughtAt   time.Time
	exitReason string
}

func (s *snipe) finished() bool { return s.phase == snipeDone || s.phase == snipeFailed }

func (s *snipe) handle(ctx context.Context, evt events.Event) {
	if price, ok := poolPrice(evt, s.pool.ID); ok {
		s.lastPrice = price
	}
	switch s.phase {
	case snipeWaitingToBuy:
		now := s.clock()
		if now.Sub(s.createdAt) >= s.cfg.buyDelay() {
			s.buy(ctx)
			return
		}
		if s.droppedTooFar() {
			s.exitReason = "price dropped before buy"
			s.finish(snipeDone)
		}
	case snipeBuying:
		s.wallet.Handle(ctx, agent.Original(evt))
		switch st := s.wallet.State(); st.Phase {
		case agent.PhaseSuccess:
			s.entryPrice = s.lastPrice
			s.boughtAt = s.clock()
			s.phase = snipeWaitingToSell
		case agent.PhaseError:
			s.exitReason = "buy failed: " + st.Msg
			s.finish(snipeFailed)
		}
	case snipeWaitingToSell:
		if s.cfg.ForceExitSeconds > 0 && s.clock().Sub(s.boughtAt) >= time.Duration(s.cfg.ForceExitSeconds)*time.Second {
			s.sell(ctx, "force exit", action.MaxAndClose())
			return
		}
		if _, ok := poolPrice(evt, s.pool.ID); !ok || s.entryPrice.IsZero() {
			return
		}
		if s.cfg.StopLossPercent.IsPositive() {
			floor := s.entryPrice.Mul(hundred.Sub(s.cfg.StopLossPercent)).Div(hundred)
			if s.lastPrice.LessThanOrEqual(floor) {
				s.sell(ctx, "stop loss", action.Max())
				return
			}
		}
		if s.cfg.TakeProfitPercent.IsPositive() {
			target := s.entryPrice.Mul(hundred.Add(s.cfg.TakeProfitPercent)).Div(hundred)
			if s.lastPrice.GreaterThanOrEqual(target) {
				s.sell(ctx, "take profit", action.Max())
			}
		}
	case snipeSelling:
		s.wallet.Handle(ctx, agent.Original(evt))
		switch st := s.wallet.State(); st.Phase {
		case agent.PhaseSuccess:
			s.finish(snipeDone)
		case agent.PhaseError:
			s.exitReason += "; sell failed: " + st.Msg
			s.finish(snipeFailed)
		}
	}
}

// droppedTooFar reports whether the price fell more than the configured
// percentage since the pool opened.
func (s *snipe) droppedTooFar() bool {
	limit := s.cfg.SkipIfPriceDropsPercent
	if !limit.IsPositive() || s.openPrice.IsZero() || s.lastPrice.IsZero() {
		return false
	}
	drop := s.openPrice.Sub(s.lastPrice).Div(s.openPrice).Mul(hundred)
	return drop.GreaterThan(limit)
}

func (s *snipe) buy(ctx context.Context) {
	s.phase = snipeBuying
	s.wallet.Handle(ctx, agent.ForAgent(agent.BuyCmd{Amount: action.Exact(ledger.SolToLamports(s.cfg.SizeSOL))}))
}

func (s *snipe) sell(ctx context.Context, reason string, amount action.Amount) {
	s.exitReason = reason
	s.phase = snipeSelling
	s.wallet.Handle(ctx, agent.ForAgent(agent.SellCmd{Amount: amount}))
}

// exit sells an open position regardless of price.
func (s *snipe) exit(ctx context.Context) {
	switch s.phase {
	case snipeWaitingToBuy:
		s.exitReason = "stopped before buy"
		s.finish(snipeDone)
	case snipeWaitingToSell:
		s.sell(ctx, "strategy stopped", action.MaxAndClose())
	}
}

func (s *snipe) finish(p snipePhase) {
	s.phase = p
	s.wallet.Release()
}

// poolPrice extracts the price of pool from price-bearing events.
func poolPrice(evt events.Event, pool ledger.PublicKey) (decimal.Decimal, bool) {
	switch e := evt.(type) {
	case events.PriceUpdate:
		if e.Pool == pool {
			return e.Price.Value, true
		}
	case events.Swap:
		if e.Pool == pool {
			return e.Update.Price.Value, true
		}
	}
	return decimal.Decimal{}, false
}
