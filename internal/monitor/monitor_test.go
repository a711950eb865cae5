package monitor

import (
	"context"
	"testing"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/ledger"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sym = "ETHUSDT"

func TestROIPercent(t *testing.T) {
	risk := &models.PositionRisk{UnrealizedProfit: 50, IsolatedMargin: 400}
	cases := []struct {
		name   string
		risk   *models.PositionRisk
		mark   float64
		side   models.Side
		source string
		want   float64
	}{
		{"margin", risk, 2100, models.Long, ROIAuto, 12.5},
		{"margin forced", risk, 2100, models.Long, ROIMargin, 12.5},
		{"price forced", risk, 2100, models.Long, ROIPrice, 25},
		{"no margin falls back", &models.PositionRisk{}, 2100, models.Long, ROIAuto, 25},
		{"short price", nil, 2100, models.Short, ROIAuto, -25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, ROIPercent(tc.risk, 2000, tc.mark, tc.side, 5, tc.source), 1e-9)
		})
	}
}

func TestPriceForROI(t *testing.T) {
	assert.InDelta(t, 2040, PriceForROI(2000, models.Long, 5, 10), 1e-9)
	assert.InDelta(t, 1960, PriceForROI(2000, models.Short, 5, 10), 1e-9)
	assert.InDelta(t, 1980, PriceForROI(2000, models.Long, 5, -5), 1e-9)
}

func TestNextTrailing_AnchorOnlyMovesForward(t *testing.T) {
	cfg := models.TrailingConfig{Enabled: true, StartAfterPct: 10, TrailStepPct: 4}
	var state *models.Trailing

	next, changed := NextTrailing(state, 5, cfg)
	assert.False(t, changed)
	assert.False(t, next.Active)

	prevAnchor, prevStop := 0.0, -1e9
	for _, roi := range []float64{12, 15, 13, 20, 18, 11, 25} {
		next, _ = NextTrailing(state, roi, cfg)
		require.True(t, next.Active)
		assert.GreaterOrEqual(t, next.Anchor, prevAnchor)
		assert.GreaterOrEqual(t, next.StopROI, prevStop)
		assert.InDelta(t, next.Anchor-4, next.StopROI, 1e-9)
		prevAnchor, prevStop = next.Anchor, next.StopROI
		s := next
		state = &s
	}
	assert.InDelta(t, 25, state.Anchor, 1e-9)
}

type simPrice struct{ sim *exchange.SimExchange }

func (p simPrice) Price(ctx context.Context, symbol string) (float64, error) {
	tick, err := p.sim.GetMarkPrice(ctx, symbol)
	return tick.MarkPrice, err
}

type fakeSnapshots struct{ biases []models.Side }

func (f fakeSnapshots) LastSnapshots(_ context.Context, _ string, n int) ([]models.Snapshot, error) {
	var out []models.Snapshot
	for _, b := range f.biases {
		out = append(out, models.Snapshot{Symbol: sym, Bias: b})
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

type fixture struct {
	sim    *exchange.SimExchange
	ledger *ledger.Ledger
	mon    *Monitor
}

// newFixture opens 1 ETH long at 2000, 5x, with a stop at stop.
func newFixture(t *testing.T, stop float64, biases ...models.Side) *fixture {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	sim := exchange.NewSimExchange(models.SimConfig{TickSize: 0.01, StepSize: 0.001}, zap.NewNop())
	require.NoError(t, sim.SetLeverage(ctx, sym, 5))
	sim.SetMarkPrice(sym, 2000)
	_, err = sim.PlaceOrder(ctx, models.OrderRequest{Symbol: sym, Side: "BUY", Type: models.OrderTypeMarket, Quantity: 1})
	require.NoError(t, err)
	res, err := sim.PlaceOrder(ctx, models.OrderRequest{Symbol: sym, Side: "SELL", Type: models.OrderTypeStopMarket, Quantity: 1, StopPrice: stop, ReduceOnly: true})
	require.NoError(t, err)

	l := ledger.New(repo, zap.NewNop())
	_, _, err = l.OpenPosition(&models.Position{
		Symbol:      sym,
		Side:        models.Long,
		EntryPrice:  2000,
		Qty:         1,
		Size:        2000,
		Leverage:    5,
		StopPrice:   stop,
		StopOrderID: res.OrderID,
		TakeProfits: []models.TakeProfit{{Price: 2300, SizePct: 100}},
		Meta:        models.PositionMeta{Leverage: 5, BaseMargin: 400},
	})
	require.NoError(t, err)
	return &fixture{
		sim:    sim,
		ledger: l,
		mon:    New(l, sim, fakeSnapshots{biases: biases}, simPrice{sim}, ROIAuto, zap.NewNop()),
	}
}

func (f *fixture) open(t *testing.T) *models.Position {
	t.Helper()
	pos, err := f.ledger.GetOpenPosition(sym)
	require.NoError(t, err)
	require.NotNil(t, pos)
	return pos
}

func (f *fixture) stops(t *testing.T) []models.OpenOrder {
	t.Helper()
	orders, err := f.sim.GetOpenOrders(context.Background(), sym)
	require.NoError(t, err)
	var out []models.OpenOrder
	for _, o := range orders {
		if o.IsStop() {
			out = append(out, o)
		}
	}
	return out
}

func trailingStrategy() models.StrategyConfig {
	return models.StrategyConfig{
		Symbol: sym,
		Exits: models.ExitConfig{
			Trailing: models.TrailingConfig{Enabled: true, StartAfterPct: 10, TrailStepPct: 5},
		},
	}
}

func TestTick_TrailingRatchets(t *testing.T) {
	f := newFixture(t, 1950)
	ctx := context.Background()
	strat := trailingStrategy()

	// ROI 25% -> anchor 25, stop ROI 20 -> 2080
	f.sim.SetMarkPrice(sym, 2100)
	require.NoError(t, f.mon.Tick(ctx, strat))
	pos := f.open(t)
	require.NotNil(t, pos.Trailing)
	assert.True(t, pos.Trailing.Active)
	assert.InDelta(t, 25, pos.Trailing.Anchor, 1e-9)
	assert.InDelta(t, 2080, pos.StopPrice, 0.011)
	stops := f.stops(t)
	require.Len(t, stops, 1)
	assert.InDelta(t, 2080, stops[0].StopPrice, 0.011)

	// pullback: anchor holds, no churn
	placed := f.sim.Calls("PlaceOrder")
	f.sim.SetMarkPrice(sym, 2090)
	require.NoError(t, f.mon.Tick(ctx, strat))
	assert.Equal(t, placed, f.sim.Calls("PlaceOrder"))
	pos = f.open(t)
	assert.InDelta(t, 25, pos.Trailing.Anchor, 1e-9)
	assert.InDelta(t, 2080, pos.StopPrice, 0.011)

	// new high: ROI 37.5 -> stop ROI 32.5 -> 2130
	f.sim.SetMarkPrice(sym, 2150)
	require.NoError(t, f.mon.Tick(ctx, strat))
	pos = f.open(t)
	assert.InDelta(t, 37.5, pos.Trailing.Anchor, 1e-9)
	assert.InDelta(t, 2130, pos.StopPrice, 0.011)
	require.Len(t, f.stops(t), 1)
}

func TestTick_DCAAdd(t *testing.T) {
	f := newFixture(t, 1800)
	ctx := context.Background()
	strat := models.StrategyConfig{
		Symbol: sym,
		Sizing: models.SizingConfig{MaxAdds: 1, AddOnAdverseMovePct: 20, AddMultiplier: 1},
	}

	// ROI -25%
	f.sim.SetMarkPrice(sym, 1900)
	require.NoError(t, f.mon.Tick(ctx, strat))
	pos := f.open(t)
	require.Len(t, pos.Adds, 1)
	assert.InDelta(t, 1.052, pos.Adds[0].Qty, 1e-9)
	assert.InDelta(t, 2.052, pos.Qty, 1e-9)
	assert.InDelta(t, -25, pos.Adds[0].ROI, 1e-9)

	stops := f.stops(t)
	require.Len(t, stops, 1)
	assert.InDelta(t, 2.052, stops[0].OrigQty, 1e-9)
	assert.InDelta(t, 1800, stops[0].StopPrice, 1e-9)

	// budget used up
	f.sim.SetMarkPrice(sym, 1850)
	require.NoError(t, f.mon.Tick(ctx, strat))
	assert.Len(t, f.open(t).Adds, 1)
}

func TestTick_OppositeSignalExit(t *testing.T) {
	f := newFixture(t, 1950, models.Short, models.Short, models.Short)
	ctx := context.Background()
	strat := models.StrategyConfig{Symbol: sym, Exits: models.ExitConfig{OppositeCountExit: 3}}

	f.sim.SetMarkPrice(sym, 2010)
	require.NoError(t, f.mon.Tick(ctx, strat))

	risk, err := f.sim.GetPositionRisk(ctx, sym)
	require.NoError(t, err)
	assert.True(t, risk.IsFlat())
	assert.Empty(t, f.stops(t))

	pos := f.open(t)
	assert.Equal(t, models.CloseExitOpposite, pos.PendingClose)
	last := pos.Adjustments[len(pos.Adjustments)-1]
	assert.Equal(t, models.AdjOppositeSignal, last.Type)
}

func TestTick_MixedSignalsKeepPosition(t *testing.T) {
	f := newFixture(t, 1950, models.Short, models.Long, models.Short)
	ctx := context.Background()
	strat := models.StrategyConfig{Symbol: sym, Exits: models.ExitConfig{OppositeCountExit: 3}}

	placed := f.sim.Calls("PlaceOrder")
	require.NoError(t, f.mon.Tick(ctx, strat))
	assert.Equal(t, placed, f.sim.Calls("PlaceOrder"))
	assert.Empty(t, f.open(t).PendingClose)
}

func TestTick_SkipsWithoutLivePosition(t *testing.T) {
	f := newFixture(t, 1950, models.Short, models.Short, models.Short)
	f.sim.SetPosition(sym, 0, 0)
	strat := models.StrategyConfig{Symbol: sym, Exits: models.ExitConfig{OppositeCountExit: 3}}

	placed := f.sim.Calls("PlaceOrder")
	require.NoError(t, f.mon.Tick(context.Background(), strat))
	assert.Equal(t, placed, f.sim.Calls("PlaceOrder"))
	assert.Empty(t, f.open(t).PendingClose)
}
