package bot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"binance-futures-bot/internal/config"
	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCheckTimeDrift(t *testing.T) {
	local := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sim := exchange.NewSimExchange(models.SimConfig{}, zap.NewNop())

	sim.WithClock(func() time.Time { return local.Add(300 * time.Millisecond) })
	drift, err := checkTimeDrift(context.Background(), sim, time.Second, func() time.Time { return local })
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, drift)

	sim.WithClock(func() time.Time { return local.Add(-2 * time.Second) })
	_, err = checkTimeDrift(context.Background(), sim, time.Second, func() time.Time { return local })
	assert.ErrorIs(t, err, ErrClockDrift)
}

func testConfig(t *testing.T) *models.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &models.Config{
		Symbols:    []string{"ETHUSDT", "BTCUSDT"},
		DBPath:     filepath.Join(dir, "ledger"),
		SQLitePath: filepath.Join(dir, "analysis.db"),
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestNew_DryRun(t *testing.T) {
	cfg := testConfig(t)
	strat := config.DefaultStrategy()
	strat.Symbol = "ETHUSDT"
	strat.Exits.Trailing.Enabled = true

	b, err := New(cfg, map[string]models.StrategyConfig{"ETHUSDT": strat}, ModeDryRun, "", "", zap.NewNop())
	require.NoError(t, err)
	defer b.Stop()

	require.NotNil(t, b.sim)
	assert.Same(t, b.sim, b.ex)
	assert.True(t, b.trailingEnabled("ETHUSDT"))
	assert.False(t, b.trailingEnabled("BTCUSDT"))
	// missing strategies fall back to the defaults
	assert.Equal(t, "BTCUSDT", b.strategies["BTCUSDT"].Symbol)
	assert.Nil(t, b.api)
}

func TestNew_LiveRequiresCredentials(t *testing.T) {
	_, err := New(testConfig(t), nil, ModeLive, "", "", zap.NewNop())
	assert.Error(t, err)

	_, err = New(testConfig(t), nil, Mode("paper"), "", "", zap.NewNop())
	assert.Error(t, err)
}

func TestScheduleJobs_InvalidSpec(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReportSpec = "not a cron spec"
	b, err := New(cfg, nil, ModeDryRun, "", "", zap.NewNop())
	require.NoError(t, err)
	defer b.Stop()

	_, err = b.scheduleJobs(context.Background())
	assert.ErrorContains(t, err, "report")
}

func TestMirrorMarksTriggersSimStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Symbols = []string{"ETHUSDT"}
	b, err := New(cfg, nil, ModeDryRun, "", "", zap.NewNop())
	require.NoError(t, err)
	defer b.Stop()

	ctx := context.Background()
	b.sim.SetMarkPrice("ETHUSDT", 2000)
	_, err = b.sim.PlaceOrder(ctx, models.OrderRequest{Symbol: "ETHUSDT", Side: "BUY", Type: models.OrderTypeMarket, Quantity: 1})
	require.NoError(t, err)
	_, err = b.sim.PlaceOrder(ctx, models.OrderRequest{Symbol: "ETHUSDT", Side: "SELL", Type: models.OrderTypeStopMarket, Quantity: 1, StopPrice: 1950, ReduceOnly: true})
	require.NoError(t, err)

	b.prices.Update(models.MarkTick{Symbol: "ETHUSDT", MarkPrice: 1940, Time: time.Now()})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { b.mirrorMarks(runCtx); close(done) }()

	assert.Eventually(t, func() bool {
		risk, err := b.sim.GetPositionRisk(ctx, "ETHUSDT")
		return err == nil && risk.IsFlat()
	}, 3*time.Second, 50*time.Millisecond)
	cancel()
	<-done
}
