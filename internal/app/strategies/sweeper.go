package strategies

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/coachpo/tranche/internal/app/agent"
	"github.com/coachpo/tranche/internal/app/strategy"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
)

// VariantSweeper returns stranded worker funds to a main wallet and sells the tokens.
const VariantSweeper strategy.Variant = "sweeper"

// SweeperConfig configures a one-shot sweep.
type SweeperConfig struct {
	MainWallet string      `json:"mainWallet"`
	Pool       ledger.Pool `json:"pool"`
	// SourceStrategy limits the sweep to one strategy's wallets. Zero sweeps every stored wallet.
	SourceStrategy int64 `json:"sourceStrategy"`
	// KeepTokens skips wallets holding no more than this many tokens and no spare SOL.
	KeepTokens uint64 `json:"keepTokens"`
	// SkipSell leaves the collected tokens in the main wallet.
	SkipSell bool `json:"skipSell"`
}

// ParseSweeperConfig decodes and validates a sweeper configuration.
func ParseSweeperConfig(raw []byte) (SweeperConfig, error) {
	var cfg SweeperConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode sweeper config: %w", err)
	}
	if cfg.MainWallet == "" {
		return cfg, fmt.Errorf("sweeper config: mainWallet required")
	}
	if !cfg.Pool.Supported() {
		return cfg, fmt.Errorf("sweeper config: pool %s is not quoted in wrapped SOL", cfg.Pool.ID)
	}
	return cfg, nil
}

type sweeperPhase uint8

const (
	sweeperListing sweeperPhase = iota
	sweeperSweeping
	sweeperSelling
	sweeperDone
)

func (p sweeperPhase) String() string {
	return [...]string{"listing", "sweeping", "selling", "done"}[p]
}

// Sweeper collects every stored worker wallet into the main wallet, then
// sells what the main wallet holds and stops.
type Sweeper struct {
	cfg  SweeperConfig
	deps Deps

	mu    sync.Mutex
	id    int64
	crew  *crew
	phase sweeperPhase
	swept int
	msg   string
}

// NewSweeper builds a sweeper.
func NewSweeper(deps Deps, cfg SweeperConfig) (*Sweeper, error) {
	deps = deps.normalize()
	key, err := ledger.KeypairFromBase58(cfg.MainWallet)
	if err != nil {
		return nil, fmt.Errorf("sweeper main wallet: %w", err)
	}
	return &Sweeper{cfg: cfg, deps: deps, crew: newCrew(deps, "sweeper", key, cfg.Pool)}, nil
}

// Variant implements strategy.Strategy.
func (s *Sweeper) Variant() strategy.Variant { return VariantSweeper }

// Bind implements strategy.Strategy.
func (s *Sweeper) Bind(id strategy.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.crew.strategyID = id
}

// SyncState lists the wallets to sweep and commands each to collect.
func (s *Sweeper) SyncState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.crew.adopt(ctx, s.cfg.SourceStrategy, s.cfg.KeepTokens); err != nil {
		return err
	}
	s.swept = len(s.crew.workers)
	s.enter(ctx, sweeperSweeping)
	return nil
}

// ProcessEvent implements strategy.Strategy.
func (s *Sweeper) ProcessEvent(ctx context.Context, evt events.Event) []*action.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := evt.(events.DestroyStrategy); ok {
		if d.ID == s.id && s.phase != sweeperDone {
			s.phase = sweeperDone
			s.msg = "destroyed"
		}
		return nil
	}
	if s.phase == sweeperDone || s.phase == sweeperListing {
		return nil
	}
	s.crew.dispatch(ctx, agent.Original(evt))
	s.advance(ctx)
	return s.crew.drain()
}

// Status implements strategy.Strategy.
func (s *Sweeper) Status() strategy.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	done := s.phase == sweeperDone
	details := map[string]string{
		"phase":   s.phase.String(),
		"wallets": strconv.Itoa(s.swept),
		"main":    s.crew.main.PublicKey().String(),
	}
	if s.msg != "" {
		details["message"] = s.msg
	}
	return strategy.Status{Stopped: done, Completed: done, Details: details}
}

func (s *Sweeper) advance(ctx context.Context) {
	switch s.phase {
	case sweeperSweeping:
		if s.crew.progress() == progressPending {
			return
		}
		if n := s.crew.succeeded(); n < len(s.crew.workers) {
			s.msg = fmt.Sprintf("%d of %d wallets failed to sweep", len(s.crew.workers)-n, len(s.crew.workers))
		}
		s.crew.dismiss()
		s.enter(ctx, sweeperSelling)
	case sweeperSelling:
		if settled(s.crew.main) {
			if st := s.crew.main.State(); st.Phase == agent.PhaseError {
				s.msg = "sell failed: " + st.Msg
			}
			s.enter(ctx, sweeperDone)
		}
	}
}

func (s *Sweeper) enter(ctx context.Context, p sweeperPhase) {
	s.deps.Logger.Printf("sweeper %d: %s -> %s", s.id, s.phase, p)
	s.phase = p
	switch p {
	case sweeperSweeping:
		s.crew.command(ctx, func(*agent.Wallet) agent.Command { return agent.CollectCmd{} })
		s.advance(ctx)
	case sweeperSelling:
		if !s.cfg.SkipSell && s.crew.main.TokenBalance() > 0 {
			s.crew.main.Handle(ctx, agent.ForAgent(agent.SellCmd{Amount: action.Max()}))
		}
		s.advance(ctx)
	}
}

// SweeperDefinition registers the sweeper variant. Sweeps are not persisted.
func SweeperDefinition(deps Deps) strategy.Definition {
	return strategy.Definition{
		Variant: VariantSweeper,
		Factory: func(raw []byte) (strategy.Strategy, error) {
			cfg, err := ParseSweeperConfig(raw)
			if err != nil {
				return nil, err
			}
			return NewSweeper(deps, cfg)
		},
	}
}
