package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tranche/internal/app/strategy"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/infra/config"
)

type launchCall struct {
	variant strategy.Variant
	config  string
}

type fakeLauncher struct {
	calls []launchCall
	err   error
}

func (f *fakeLauncher) Launch(_ context.Context, variant strategy.Variant, cfg []byte) (strategy.ID, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, launchCall{variant: variant, config: string(cfg)})
	return strategy.ID(len(f.calls)), nil
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/tranche.yaml", resolveConfigPath("/etc/tranche.yaml"))
}

func TestSeedPaperLedger(t *testing.T) {
	kp, err := ledger.NewKeypair()
	require.NoError(t, err)
	owner := kp.PublicKey()

	paper, err := seedPaperLedger([]config.PaperBalance{{Wallet: owner.String(), SOL: "1.5"}})
	require.NoError(t, err)

	lamports, err := paper.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	require.Equal(t, uint64(1_500_000_000), lamports)

	_, err = seedPaperLedger([]config.PaperBalance{{Wallet: "not-a-key", SOL: "1"}})
	require.Error(t, err)
}

func TestLaunchBootStrategies(t *testing.T) {
	boot := []config.BootStrategy{
		{Variant: "journal", Config: map[string]any{"kinds": []any{"ledger"}}},
		{Variant: "sweeper"},
	}
	launcher := &fakeLauncher{}
	logger := log.New(io.Discard, "", 0)

	require.NoError(t, launchBootStrategies(context.Background(), logger, launcher, boot, 0))
	require.Len(t, launcher.calls, 2)
	require.Equal(t, strategy.Variant("journal"), launcher.calls[0].variant)
	require.JSONEq(t, `{"kinds":["ledger"]}`, launcher.calls[0].config)
	require.Equal(t, "{}", launcher.calls[1].config)
}

func TestLaunchBootStrategiesSkippedAfterResume(t *testing.T) {
	launcher := &fakeLauncher{}
	buf := new(bytes.Buffer)

	err := launchBootStrategies(context.Background(), log.New(buf, "", 0), launcher,
		[]config.BootStrategy{{Variant: "volume"}}, 2)
	require.NoError(t, err)
	require.Empty(t, launcher.calls)
	require.Contains(t, buf.String(), "resumed")
}

func TestLaunchBootStrategiesWrapsFailures(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("unknown strategy variant")}
	err := launchBootStrategies(context.Background(), log.New(io.Discard, "", 0), launcher,
		[]config.BootStrategy{{Variant: "arbitrage"}}, 0)
	require.ErrorContains(t, err, "strategies[0] (arbitrage)")
}

func TestHealthChecksOnlyForConfiguredBackends(t *testing.T) {
	require.Empty(t, healthChecks(nil, nil))
}
