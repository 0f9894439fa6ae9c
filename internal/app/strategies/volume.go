package strategies

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
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

// VariantVolume generates trading volume on one pool in tranches.
const VariantVolume strategy.Variant = "volume"

const defaultMaxFailedTranches = 3

// VolumeConfig is the persisted configuration of a volume strategy.
type VolumeConfig struct {
	// MainWallet is the base58 secret of the wallet funding every tranche.
	MainWallet string      `json:"mainWallet"`
	Pool       ledger.Pool `json:"pool"`
	// TrancheSizeSOL is the SOL spread over the buyers of one tranche.
	TrancheSizeSOL decimal.Decimal `json:"trancheSizeSol"`
	// TrancheFrequencyHeartbeats is the pause between two tranches.
	TrancheFrequencyHeartbeats int `json:"trancheFrequencyHeartbeats"`
	BuyersPerTranche           int `json:"buyersPerTranche"`
	SellersPerTranche          int `json:"sellersPerTranche"`
	// KeepTokens is left in every buyer and seller wallet.
	KeepTokens        uint64 `json:"keepTokens"`
	MaxFailedTranches int    `json:"maxFailedTranches"`
}

// ParseVolumeConfig decodes and validates a volume configuration.
func ParseVolumeConfig(raw []byte) (VolumeConfig, error) {
	var cfg VolumeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode volume config: %w", err)
	}
	if cfg.MaxFailedTranches <= 0 {
		cfg.MaxFailedTranches = defaultMaxFailedTranches
	}
	if cfg.TrancheFrequencyHeartbeats <= 0 {
		cfg.TrancheFrequencyHeartbeats = 1
	}
	switch {
	case cfg.MainWallet == "":
		return cfg, fmt.Errorf("volume config: mainWallet required")
	case !cfg.Pool.Supported():
		return cfg, fmt.Errorf("volume config: pool %s is not quoted in wrapped SOL", cfg.Pool.ID)
	case cfg.TrancheSizeSOL.Sign() <= 0:
		return cfg, fmt.Errorf("volume config: trancheSizeSol must be positive")
	case cfg.BuyersPerTranche <= 0 || cfg.SellersPerTranche <= 0:
		return cfg, fmt.Errorf("volume config: buyers and sellers per tranche must be positive")
	}
	return cfg, nil
}

type volumePhase uint8

const (
	volumeSweeping volumePhase = iota
	volumeOffloading
	volumeFunding
	volumeBuying
	volumeCollectingTokens
	volumeTransferringTokens
	volumeSelling
	volumeCollectingSOL
	volumeSleeping
	volumeFailed
	volumeStopped
)

var volumePhaseNames = [...]string{
	volumeSweeping:           "sweeping",
	volumeOffloading:         "offloading",
	volumeFunding:            "funding",
	volumeBuying:             "buying",
	volumeCollectingTokens:   "collecting_tokens",
	volumeTransferringTokens: "transferring_tokens",
	volumeSelling:            "selling",
	volumeCollectingSOL:      "collecting_sol",
	volumeSleeping:           "sleeping",
	volumeFailed:             "failed",
	volumeStopped:            "stopped",
}

func (p volumePhase) String() string { return volumePhaseNames[p] }

// Volume buys a tranche with fresh buyer wallets, moves the tokens to fresh
// seller wallets, sells them and collects the proceeds, then sleeps and repeats.
type Volume struct {
	cfg  VolumeConfig
	deps Deps
	rng  *rand.Rand

	mu       sync.Mutex
	id       int64
	crew     *crew
	phase    volumePhase
	pending  [][]action.Transfer
	sleep    agent.Countdown
	failures int
	tranches int
	msg      string

	trancheCounter metric.Int64Counter
}

// NewVolume builds a volume strategy from its configuration.
func NewVolume(deps Deps, cfg VolumeConfig) (*Volume, error) {
	deps = deps.normalize()
	key, err := ledger.KeypairFromBase58(cfg.MainWallet)
	if err != nil {
		return nil, fmt.Errorf("volume main wallet: %w", err)
	}
	v := &Volume{
		cfg:  cfg,
		deps: deps,
		rng:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		crew: newCrew(deps, "volume", key, cfg.Pool),
	}
	v.trancheCounter, _ = otel.Meter("strategies").Int64Counter("strategy.volume.tranches",
		metric.WithDescription("Volume tranches finished by result"),
		metric.WithUnit("{tranche}"))
	return v, nil
}

// Variant implements strategy.Strategy.
func (v *Volume) Variant() strategy.Variant { return VariantVolume }

// Config returns the configuration the strategy was built with.
func (v *Volume) Config() VolumeConfig { return v.cfg }

// Bind implements strategy.Strategy.
func (v *Volume) Bind(id strategy.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.id = id
	v.crew.strategyID = id
}

// SyncState adopts the wallets earlier runs left behind and starts sweeping them.
func (v *Volume) SyncState(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enter(ctx, volumeSweeping)
	return nil
}

// ProcessEvent implements strategy.Strategy.
func (v *Volume) ProcessEvent(ctx context.Context, evt events.Event) []*action.Handle {
	v.mu.Lock()
	defer v.mu.Unlock()

	if d, ok := evt.(events.DestroyStrategy); ok {
		if d.ID == v.id && v.phase != volumeStopped {
			v.crew.teardown(ctx)
			v.phase = volumeStopped
			v.msg = "destroyed"
		}
		return v.crew.drain()
	}
	if v.phase == volumeStopped || v.phase == volumeFailed {
		return nil
	}

	v.crew.dispatch(ctx, agent.Original(evt))
	if v.phase == volumeSleeping {
		if _, ok := evt.(events.Heartbeat); ok && v.sleep.Tick() {
			v.sleep.Stop()
			v.enter(ctx, volumeFunding)
		}
	} else {
		v.advance(ctx)
	}
	return v.crew.drain()
}

// Status implements strategy.Strategy.
func (v *Volume) Status() strategy.Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	done := v.phase == volumeStopped || v.phase == volumeFailed
	details := map[string]string{
		"phase":    v.phase.String(),
		"workers":  strconv.Itoa(len(v.crew.workers)),
		"tranches": strconv.Itoa(v.tranches),
		"failures": strconv.Itoa(v.failures),
		"main":     v.crew.main.PublicKey().String(),
		"pool":     v.cfg.Pool.ID.String(),
	}
	if v.msg != "" {
		details["message"] = v.msg
	}
	if v.phase == volumeSleeping {
		details["sleepRemaining"] = strconv.Itoa(v.sleep.Remaining())
	}
	return strategy.Status{Stopped: done, Completed: done, Details: details}
}

// advance runs the guard of the current phase after every dispatched event.
func (v *Volume) advance(ctx context.Context) {
	switch v.phase {
	case volumeSweeping:
		if v.crew.progress() != progressPending {
			v.crew.dismiss()
			v.enter(ctx, volumeOffloading)
		}
	case volumeOffloading:
		if settled(v.crew.main) {
			v.enter(ctx, volumeFunding)
		}
	case volumeFunding, volumeTransferringTokens:
		main := v.crew.main.State()
		switch {
		case main.Working():
		case main.Phase == agent.PhaseError:
			v.recover(ctx, "main wallet transfer failed: "+main.Msg)
		case len(v.pending) > 0:
			v.sendBatch(ctx)
		case v.phase == volumeFunding:
			v.enter(ctx, volumeBuying)
		default:
			v.enter(ctx, volumeSelling)
		}
	case volumeBuying:
		v.step(ctx, volumeCollectingTokens, false)
	case volumeCollectingTokens:
		v.step(ctx, volumeTransferringTokens, true)
	case volumeSelling:
		v.step(ctx, volumeCollectingSOL, false)
	case volumeCollectingSOL:
		if p := v.crew.progress(); p != progressPending {
			v.crew.dismiss()
			if p == progressFailed {
				v.recover(ctx, "collecting SOL failed")
				return
			}
			v.tranches++
			v.failures = 0
			v.trancheCounter.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "tranche", "success")...))
			v.enter(ctx, volumeSleeping)
		}
	}
}

// step moves to next once every worker settled, or recovers on any failure.
func (v *Volume) step(ctx context.Context, next volumePhase, dismiss bool) {
	switch v.crew.progress() {
	case progressPending:
	case progressDone:
		if dismiss {
			v.crew.dismiss()
		}
		v.enter(ctx, next)
	default:
		v.recover(ctx, v.phase.String()+" failed")
	}
}

// recover abandons the tranche. The next sweep brings its funds back.
func (v *Volume) recover(ctx context.Context, reason string) {
	v.failures++
	v.msg = reason
	v.pending = nil
	v.trancheCounter.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "tranche", "failed")...))
	v.deps.Logger.Printf("volume %d: tranche failed (%d/%d): %s", v.id, v.failures, v.cfg.MaxFailedTranches, reason)
	v.crew.dismiss()
	if v.failures >= v.cfg.MaxFailedTranches {
		v.phase = volumeFailed
		return
	}
	v.enter(ctx, volumeSweeping)
}

func (v *Volume) enter(ctx context.Context, p volumePhase) {
	v.deps.Logger.Printf("volume %d: %s -> %s", v.id, v.phase, p)
	v.phase = p
	switch p {
	case volumeSweeping:
		if err := v.crew.adopt(ctx, v.id, v.cfg.KeepTokens); err != nil {
			v.deps.Logger.Printf("volume %d: %v", v.id, err)
		}
		v.crew.command(ctx, func(*agent.Wallet) agent.Command { return agent.CollectCmd{} })
		v.advance(ctx)
	case volumeOffloading:
		if v.crew.main.TokenBalance() > 0 {
			v.crew.main.Handle(ctx, agent.ForAgent(agent.SellCmd{Amount: action.Max()}))
		}
		v.advance(ctx)
	case volumeFunding:
		v.fund(ctx)
	case volumeBuying:
		v.crew.command(ctx, func(*agent.Wallet) agent.Command {
			return agent.BuyCmd{Amount: action.MaxButLeaveForTransfer()}
		})
	case volumeCollectingTokens:
		v.crew.command(ctx, v.collectTokens)
	case volumeTransferringTokens:
		v.distribute(ctx)
	case volumeSelling:
		v.crew.command(ctx, v.sell)
	case volumeCollectingSOL:
		v.crew.command(ctx, func(*agent.Wallet) agent.Command { return agent.CollectCmd{} })
	case volumeSleeping:
		v.sleep.Start(v.cfg.TrancheFrequencyHeartbeats)
	}
}

// buyerReserve is the SOL a buyer keeps after its swap to pay for collecting.
func (v *Volume) buyerReserve() uint64 {
	fee := ledger.TransferFee()
	if v.cfg.KeepTokens == 0 {
		return ledger.NewAccountThresholdLamports + 3*fee
	}
	return ledger.RentExemptionLamports + 3*fee
}

func (v *Volume) fund(ctx context.Context) {
	buyers, err := v.crew.mint(ctx, v.cfg.BuyersPerTranche)
	if err != nil {
		v.recover(ctx, err.Error())
		return
	}
	amounts := splitRandom(v.rng, ledger.SolToLamports(v.cfg.TrancheSizeSOL), len(buyers), v.buyerReserve())
	transfers := make([]action.Transfer, len(buyers))
	for i, w := range buyers {
		transfers[i] = action.Transfer{Asset: action.SOL(), Receiver: w.PublicKey(), Amount: action.ExactWithFees(amounts[i])}
	}
	v.pending = chunk(transfers)
	v.sendBatch(ctx)
}

func (v *Volume) sendBatch(ctx context.Context) {
	batch := v.pending[0]
	v.pending = v.pending[1:]
	v.crew.main.Handle(ctx, agent.ForAgent(agent.TransferCmd{Batch: batch}))
}

// collectTokens moves what a buyer holds above KeepTokens back to the main wallet.
func (v *Volume) collectTokens(w *agent.Wallet) agent.Command {
	tokens, sol := w.TokenBalance(), w.SOLBalance()
	fee := ledger.TransferFee()
	minimum := fee
	if v.cfg.KeepTokens > 0 {
		minimum = ledger.RentExemptionLamports + fee
	}
	if tokens <= v.cfg.KeepTokens || sol < minimum {
		return nil
	}
	if v.cfg.KeepTokens == 0 {
		return agent.CollectCmd{}
	}
	return agent.TransferCmd{Batch: []action.Transfer{{
		Asset:    action.Token(v.cfg.Pool.BaseMint),
		Receiver: v.crew.main.PublicKey(),
		Amount:   action.Exact(tokens - v.cfg.KeepTokens),
	}}}
}

// distribute spreads the main wallet's tokens over fresh sellers, each with
// enough SOL to exist and pay for its sell.
func (v *Volume) distribute(ctx context.Context) {
	tokens := v.crew.main.TokenBalance()
	if tokens == 0 {
		v.recover(ctx, "main wallet holds no tokens to distribute")
		return
	}
	sellers, err := v.crew.mint(ctx, v.cfg.SellersPerTranche)
	if err != nil {
		v.recover(ctx, err.Error())
		return
	}
	var floor uint64
	if tokens >= uint64(len(sellers)) {
		floor = 1
	}
	amounts := splitRandom(v.rng, tokens, len(sellers), floor)
	gas := ledger.NewAccountThresholdLamports + ledger.TransferFee()
	transfers := make([]action.Transfer, 0, 2*len(sellers))
	for i, w := range sellers {
		transfers = append(transfers,
			action.Transfer{Asset: action.SOL(), Receiver: w.PublicKey(), Amount: action.Exact(gas)},
			action.Transfer{Asset: action.Token(v.cfg.Pool.BaseMint), Receiver: w.PublicKey(), Amount: action.Exact(amounts[i])},
		)
	}
	v.pending = chunk(transfers)
	v.sendBatch(ctx)
}

func (v *Volume) sell(w *agent.Wallet) agent.Command {
	if w.SOLBalance() < ledger.TransferFee() {
		return nil
	}
	if v.cfg.KeepTokens == 0 {
		return agent.SellCmd{Amount: action.Max()}
	}
	tokens := w.TokenBalance()
	if tokens <= v.cfg.KeepTokens {
		return nil
	}
	return agent.SellCmd{Amount: action.Exact(tokens - v.cfg.KeepTokens)}
}

// VolumeDefinition registers the volume variant. Volume strategies are persisted.
func VolumeDefinition(deps Deps) strategy.Definition {
	return strategy.Definition{
		Variant: VariantVolume,
		Factory: func(raw []byte) (strategy.Strategy, error) {
			cfg, err := ParseVolumeConfig(raw)
			if err != nil {
				return nil, err
			}
			return NewVolume(deps, cfg)
		},
		Persist: func(s strategy.Strategy) (strategystore.Snapshot, error) {
			v, ok := s.(*Volume)
			if !ok {
				return strategystore.Snapshot{}, fmt.Errorf("persist volume: unexpected %T", s)
			}
			raw, err := json.Marshal(v.cfg)
			if err != nil {
				return strategystore.Snapshot{}, fmt.Errorf("encode volume config: %w", err)
			}
			return strategystore.Snapshot{Config: raw}, nil
		},
	}
}
