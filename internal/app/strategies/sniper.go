package strategies

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tranche/internal/app/agent"
	"github.com/coachpo/tranche/internal/app/strategy"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/domain/strategystore"
	"github.com/coachpo/tranche/internal/infra/telemetry"
)

// VariantSniper buys freshly created pools and exits on stop loss, take profit or a deadline.
const VariantSniper strategy.Variant = "sniper"

// SniperConfig is the persisted configuration of a sniper.
type SniperConfig struct {
	Wallet                  string          `json:"wallet"`
	SizeSOL                 decimal.Decimal `json:"sizeSol"`
	StopLossPercent         decimal.Decimal `json:"stopLossPercent"`
	TakeProfitPercent       decimal.Decimal `json:"takeProfitPercent"`
	ForceExitSeconds        int64           `json:"forceExitSeconds"`
	BuyDelayMillis          int64           `json:"buyDelayMs"`
	MaxSimultaneousSnipes   int             `json:"maxSimultaneousSnipes"`
	MinPoolLiquiditySOL     decimal.Decimal `json:"minPoolLiquiditySol"`
	SkipPumpFun             bool            `json:"skipPumpFun"`
	SkipMintable            bool            `json:"skipMintable"`
	SkipIfPriceDropsPercent decimal.Decimal `json:"skipIfPriceDropsPercent"`
}

func (c *SniperConfig) buyDelay() time.Duration {
	return time.Duration(c.BuyDelayMillis) * time.Millisecond
}

// ParseSniperConfig decodes and validates a sniper configuration.
func ParseSniperConfig(raw []byte) (SniperConfig, error) {
	var cfg SniperConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode sniper config: %w", err)
	}
	switch {
	case cfg.Wallet == "":
		return cfg, fmt.Errorf("sniper config: wallet required")
	case cfg.SizeSOL.Sign() <= 0:
		return cfg, fmt.Errorf("sniper config: sizeSol must be positive")
	case cfg.StopLossPercent.IsNegative() || cfg.StopLossPercent.GreaterThanOrEqual(hundred):
		return cfg, fmt.Errorf("sniper config: stopLossPercent must be in [0, 100)")
	case cfg.TakeProfitPercent.IsNegative():
		return cfg, fmt.Errorf("sniper config: takeProfitPercent must not be negative")
	}
	return cfg, nil
}

// poolFilter returns a skip reason, or "" to accept the pool.
type poolFilter func(s *Sniper, evt events.NewPool) string

var sniperFilters = []poolFilter{
	func(s *Sniper, evt events.NewPool) string {
		if s.seen[evt.Pool.ID] {
			return "already_sniped"
		}
		return ""
	},
	func(s *Sniper, evt events.NewPool) string {
		if !evt.Pool.Supported() {
			return "unsupported"
		}
		return ""
	},
	func(s *Sniper, evt events.NewPool) string {
		if s.cfg.SkipPumpFun && evt.Pool.IsPumpFun() {
			return "pump_fun"
		}
		return ""
	},
	func(_ *Sniper, evt events.NewPool) string {
		if evt.Pool.Freezable {
			return "freezable"
		}
		return ""
	},
	func(s *Sniper, evt events.NewPool) string {
		if s.cfg.SkipMintable && evt.Pool.Mintable {
			return "mintable"
		}
		return ""
	},
	func(s *Sniper, evt events.NewPool) string {
		if s.cfg.MinPoolLiquiditySOL.IsPositive() && evt.Price.LiquiditySol().LessThan(s.cfg.MinPoolLiquiditySOL) {
			return "low_liquidity"
		}
		return ""
	},
	func(s *Sniper, _ events.NewPool) string {
		if s.cfg.MaxSimultaneousSnipes > 0 && len(s.snipes) >= s.cfg.MaxSimultaneousSnipes {
			return "too_many_snipes"
		}
		return ""
	},
}

// Sniper watches NewPool events and runs one snipe per accepted pool.
type Sniper struct {
	cfg    SniperConfig
	deps   Deps
	key    ledger.Keypair
	outbox *agent.Outbox

	mu       sync.Mutex
	id       int64
	snipes   map[ledger.PublicKey]*snipe
	seen     map[ledger.PublicKey]bool
	stopped  bool
	opened   int
	finished int
	last     string

	skipped metric.Int64Counter
}

// NewSniper builds a sniper.
func NewSniper(deps Deps, cfg SniperConfig) (*Sniper, error) {
	deps = deps.normalize()
	key, err := ledger.KeypairFromBase58(cfg.Wallet)
	if err != nil {
		return nil, fmt.Errorf("sniper wallet: %w", err)
	}
	s := &Sniper{
		cfg:    cfg,
		deps:   deps,
		key:    key,
		outbox: new(agent.Outbox),
		snipes: make(map[ledger.PublicKey]*snipe),
		seen:   make(map[ledger.PublicKey]bool),
	}
	s.skipped, _ = otel.Meter("strategies").Int64Counter("sniper.pools.skipped",
		metric.WithDescription("New pools the sniper declined by reason"),
		metric.WithUnit("{pool}"))
	return s, nil
}

// Variant implements strategy.Strategy.
func (s *Sniper) Variant() strategy.Variant { return VariantSniper }

// Bind implements strategy.Strategy.
func (s *Sniper) Bind(id strategy.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// SyncState implements strategy.Strategy. Open positions do not survive restarts.
func (s *Sniper) SyncState(context.Context) error { return nil }

// ProcessEvent implements strategy.Strategy.
func (s *Sniper) ProcessEvent(ctx context.Context, evt events.Event) []*action.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := evt.(type) {
	case events.DestroyStrategy:
		if e.ID == s.id && !s.stopped {
			s.stopped = true
			for _, sn := range s.snipes {
				sn.exit(ctx)
			}
		}
		return s.outbox.Drain()
	case events.NewPool:
		if !s.stopped {
			s.consider(ctx, e)
		}
	}

	p := pool.New().WithMaxGoroutines(s.deps.FanoutWorkers)
	for _, sn := range s.snipes {
		p.Go(func() { sn.handle(ctx, evt) })
	}
	p.Wait()
	s.prune()
	return s.outbox.Drain()
}

// Status implements strategy.Strategy. A stopped sniper reports Stopped once
// every open position is closed.
func (s *Sniper) Status() strategy.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	details := map[string]string{
		"wallet":   s.key.PublicKey().String(),
		"active":   strconv.Itoa(len(s.snipes)),
		"opened":   strconv.Itoa(s.opened),
		"finished": strconv.Itoa(s.finished),
	}
	if s.last != "" {
		details["lastExit"] = s.last
	}
	done := s.stopped && len(s.snipes) == 0
	return strategy.Status{Stopped: done, Completed: s.stopped, Details: details}
}

func (s *Sniper) consider(ctx context.Context, evt events.NewPool) {
	for _, filter := range sniperFilters {
		if reason := filter(s, evt); reason != "" {
			s.skipped.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrReason.String(reason)))
			return
		}
	}
	s.seen[evt.Pool.ID] = true
	s.opened++
	now := s.deps.Clock()
	s.snipes[evt.Pool.ID] = &snipe{
		cfg:  &s.cfg,
		pool: evt.Pool,
		wallet: agent.NewWallet(agent.WalletOptions{
			Label:    fmt.Sprintf("sniper/%s", evt.Pool.ID),
			Role:     agent.RoleWorker,
			Key:      s.key,
			Main:     s.key,
			Pool:     evt.Pool,
			Balances: s.deps.Balances,
			Tracker:  agent.NewTracker(s.deps.Agent, s.deps.Registry, s.outbox),
			Logger:   s.deps.Logger,
		}),
		clock:     s.deps.Clock,
		openPrice: evt.Price.Value,
		lastPrice: evt.Price.Value,
		createdAt: now,
	}
	s.deps.Logger.Printf("sniper %d: sniping pool %s", s.id, evt.Pool.ID)
}

func (s *Sniper) prune() {
	for id, sn := range s.snipes {
		if !sn.finished() {
			continue
		}
		s.deps.Logger.Printf("sniper %d: pool %s %s (%s)", s.id, id, sn.phase, sn.exitReason)
		s.last = sn.exitReason
		s.finished++
		delete(s.snipes, id)
	}
}

// SniperDefinition registers the sniper variant. Snipers are persisted.
func SniperDefinition(deps Deps) strategy.Definition {
	return strategy.Definition{
		Variant: VariantSniper,
		Factory: func(raw []byte) (strategy.Strategy, error) {
			cfg, err := ParseSniperConfig(raw)
			if err != nil {
				return nil, err
			}
			return NewSniper(deps, cfg)
		},
		Persist: func(st strategy.Strategy) (strategystore.Snapshot, error) {
			s, ok := st.(*Sniper)
			if !ok {
				return strategystore.Snapshot{}, fmt.Errorf("persist sniper: unexpected %T", st)
			}
			raw, err := json.Marshal(s.cfg)
			if err != nil {
				return strategystore.Snapshot{}, fmt.Errorf("encode sniper config: %w", err)
			}
			return strategystore.Snapshot{Config: raw}, nil
		},
	}
}
