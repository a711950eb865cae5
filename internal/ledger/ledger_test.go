package ledger

import (
	"context"
	"testing"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/notify"
	"binance-futures-bot/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type recordingNotifier struct {
	calls []notify.Action
}

func (n *recordingNotifier) NotifyTrade(_ context.Context, _ *models.Position, action notify.Action) {
	n.calls = append(n.calls, action)
}

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(repo, zap.NewNop()).WithClock(clock.Now), clock
}

func ethLong() *models.Position {
	return &models.Position{
		Symbol:     "ETHUSDT",
		Side:       models.Long,
		EntryPrice: 2000,
		Qty:        1,
		Size:       2000,
		Leverage:   5,
		StopPrice:  1950,
		TakeProfits: []models.TakeProfit{
			{Price: 2050, SizePct: 50, OrderID: 11},
			{Price: 2100, SizePct: 50, OrderID: 12},
		},
	}
}

func sumPct(tps []models.TakeProfit) float64 {
	var s float64
	for _, tp := range tps {
		s += tp.SizePct
	}
	return s
}

func TestNormalizeTPPlan(t *testing.T) {
	cases := map[string][]float64{
		"under":       {30, 30},
		"exact":       {50, 50},
		"almost":      {33.333, 33.333, 33.333},
		"over":        {60, 60, 30},
		"single":      {20},
		"negative":    {-10, 50},
		"many thirds": {100.0 / 3, 100.0 / 3, 100.0 / 3},
	}
	for name, pcts := range cases {
		t.Run(name, func(t *testing.T) {
			var tps []models.TakeProfit
			for i, p := range pcts {
				tps = append(tps, models.TakeProfit{Price: float64(100 + i), SizePct: p})
			}
			out := NormalizeTPPlan(tps)
			require.Len(t, out, len(tps))
			assert.InDelta(t, 100, sumPct(out), 1e-9)
			for _, tp := range out {
				assert.GreaterOrEqual(t, tp.SizePct, 0.0)
			}
		})
	}

	out := NormalizeTPPlan([]models.TakeProfit{{SizePct: 30}, {SizePct: 30}})
	assert.Equal(t, 30.0, out[0].SizePct)
	assert.Equal(t, 70.0, out[1].SizePct, "remainder goes to the last level")

	out = NormalizeTPPlan([]models.TakeProfit{{SizePct: 100}, {SizePct: 100}})
	assert.Equal(t, 50.0, out[0].SizePct, "over 100 scales proportionally")
	assert.Equal(t, 50.0, out[1].SizePct)

	assert.Empty(t, NormalizeTPPlan(nil))
}

func TestOpenPosition_ReturnsExistingOnConflict(t *testing.T) {
	l, _ := newTestLedger(t)

	first, created, err := l.OpenPosition(ethLong())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1950.0, first.InitialStopPrice)
	require.Len(t, first.Adjustments, 3)
	assert.Equal(t, models.AdjOpen, first.Adjustments[0].Type)

	second, created, err := l.OpenPosition(ethLong())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestUpdateStop_NoOpAndCoalesce(t *testing.T) {
	l, clock := newTestLedger(t)
	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)

	p, err := l.UpdateStop("ETHUSDT", 1950, 0, "same")
	require.NoError(t, err)
	assert.Len(t, p.Adjustments, 3, "equal stop is a no-op")

	clock.Advance(5 * time.Second)
	_, err = l.UpdateStop("ETHUSDT", 1960, 7, "trail")
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	p, err = l.UpdateStop("ETHUSDT", 1970, 8, "trail")
	require.NoError(t, err)
	require.Len(t, p.Adjustments, 4, "rapid updates coalesce")
	assert.Equal(t, 1970.0, p.Adjustments[3].Price)
	assert.Equal(t, int64(8), p.StopOrderID)

	// more than 30s but a tiny price move still coalesces
	clock.Advance(40 * time.Second)
	p, err = l.UpdateStop("ETHUSDT", 1970.5, 0, "trail")
	require.NoError(t, err)
	assert.Len(t, p.Adjustments, 4)

	// more than 30s and more than 0.1% appends
	clock.Advance(40 * time.Second)
	p, err = l.UpdateStop("ETHUSDT", 1990, 0, "trail")
	require.NoError(t, err)
	require.Len(t, p.Adjustments, 5)
	assert.Equal(t, 1990.0, p.StopPrice)
}

func TestAdjustments_RingBuffer(t *testing.T) {
	l, clock := newTestLedger(t)
	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		clock.Advance(time.Minute)
		_, err := l.RecordAdd("ETHUSDT", models.PositionAdd{Price: 1900, Qty: 0.01, OrderID: int64(100 + i)})
		require.NoError(t, err)
	}
	p, err := l.GetOpenPosition("ETHUSDT")
	require.NoError(t, err)
	assert.Len(t, p.Adjustments, models.MaxAdjustments)
	assert.Len(t, p.Adds, 30)
	assert.Equal(t, models.AdjAdd, p.Adjustments[0].Type, "oldest entries are dropped")
}

func TestUpdateTakeProfits_StructuralNoOp(t *testing.T) {
	l, _ := newTestLedger(t)
	open, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)

	p, err := l.UpdateTakeProfits("ETHUSDT", open.TakeProfits, "same")
	require.NoError(t, err)
	assert.Len(t, p.Adjustments, len(open.Adjustments))

	p, err = l.UpdateTakeProfits("ETHUSDT", []models.TakeProfit{{Price: 2060, SizePct: 50}, {Price: 2110, SizePct: 50}}, "slippage")
	require.NoError(t, err)
	assert.Equal(t, 2060.0, p.TakeProfits[0].Price)
	assert.Equal(t, models.AdjTPUpdate, p.Adjustments[len(p.Adjustments)-1].Type)
}

func TestRecordTakeProfitFill_MonotonicCum(t *testing.T) {
	l, clock := newTestLedger(t)
	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)
	t0 := clock.Now()

	// events out of order: a later cumulative value arrives first, then a stale one
	fills := []TPFill{
		{Price: 2050, Qty: 0.3, CumQty: 0.3, Time: t0.Add(2 * time.Second)},
		{Price: 2050, Qty: 0.2, CumQty: 0.1, Time: t0.Add(1 * time.Second)},
		{Price: 2050, Qty: 0.3, CumQty: 0.3, Time: t0.Add(2 * time.Second)}, // duplicate
	}
	prev := 0.0
	for _, f := range fills {
		p, _, err := l.RecordTakeProfitFill("ETHUSDT", f)
		require.NoError(t, err)
		tp := p.TakeProfits[0]
		assert.GreaterOrEqual(t, tp.Cum, prev)
		assert.GreaterOrEqual(t, tp.Cum+1e-12, tp.FilledQty())
		prev = tp.Cum
	}
	p, err := l.GetOpenPosition("ETHUSDT")
	require.NoError(t, err)
	assert.Len(t, p.TakeProfits[0].Fills, 2)
	assert.InDelta(t, 0.5, p.TakeProfits[0].Cum, 1e-12)
}

func TestRecordTakeProfitFill_Matching(t *testing.T) {
	l, _ := newTestLedger(t)
	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)

	// order id wins over price
	_, res, err := l.RecordTakeProfitFill("ETHUSDT", TPFill{OrderID: 12, Price: 2050, Qty: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index)
	assert.True(t, res.FirstFill)
	assert.False(t, res.Fallback)

	// within tolerance (0.1% of 2000 = 2)
	_, res, err = l.RecordTakeProfitFill("ETHUSDT", TPFill{Price: 2051.5, Qty: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Index)
	assert.False(t, res.Fallback)
	assert.False(t, res.FirstFill)

	// bounded fallback rejects a far fill
	_, _, err = l.RecordTakeProfitFill("ETHUSDT", TPFill{Price: 2300, Qty: 0.1, FallbackMaxPct: 5})
	assert.ErrorIs(t, err, ErrNoTakeProfitMatch)

	// unbounded fallback assigns the nearest level
	_, res, err = l.RecordTakeProfitFill("ETHUSDT", TPFill{Price: 2080, Qty: 0.1})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, 1, res.Index)
	assert.True(t, res.AllFilled)
}

func TestClosePositionHistory_ExactlyOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)

	p, err := l.ClosePositionHistory("ETHUSDT", 75.000000004, models.CloseTP)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, p.Status)
	require.NotNil(t, p.FinalPnl)
	assert.Equal(t, 75.0, *p.FinalPnl)
	assert.NotNil(t, p.ClosedAt)

	_, err = l.ClosePositionHistory("ETHUSDT", 10, models.CloseSL)
	assert.ErrorIs(t, err, ErrNoOpenPosition)

	_, err = l.UpdateStop("ETHUSDT", 1, 0, "")
	assert.ErrorIs(t, err, ErrNoOpenPosition)

	hist, err := l.History("ETHUSDT", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 75.0, *hist[0].FinalPnl)
}

func TestRecordAdd_AveragesEntry(t *testing.T) {
	l, _ := newTestLedger(t)
	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)

	p, err := l.RecordAdd("ETHUSDT", models.PositionAdd{Price: 1900, Qty: 1, OrderID: 5})
	require.NoError(t, err)
	assert.InDelta(t, 1950, p.EntryPrice, 1e-9)
	assert.InDelta(t, 2, p.Qty, 1e-12)
	assert.InDelta(t, 3900, p.Size, 1e-9)

	p, err = l.RecordAdd("ETHUSDT", models.PositionAdd{Price: 1900, Qty: 1, OrderID: 5})
	require.NoError(t, err)
	assert.Len(t, p.Adds, 1, "same order id is recorded once")
}

func TestMarkStopFilledAndPendingClose(t *testing.T) {
	l, _ := newTestLedger(t)
	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)

	p, err := l.MarkStopFilled("ETHUSDT", 1950)
	require.NoError(t, err)
	n := len(p.Adjustments)
	p, err = l.MarkStopFilled("ETHUSDT", 1950)
	require.NoError(t, err)
	assert.Len(t, p.Adjustments, n)
	assert.True(t, p.StopFilled)

	p, err = l.MarkPendingClose("ETHUSDT", models.CloseExitOpposite, 1990)
	require.NoError(t, err)
	assert.Equal(t, models.CloseExitOpposite, p.PendingClose)
	assert.Equal(t, models.AdjOppositeSignal, p.Adjustments[len(p.Adjustments)-1].Type)
}

func TestUpdateTrailing_NoOpWhenEqual(t *testing.T) {
	l, clock := newTestLedger(t)
	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)

	tr := models.Trailing{Active: true, Anchor: 12, StopROI: 9, StopPrice: 2036}
	p, err := l.UpdateTrailing("ETHUSDT", tr)
	require.NoError(t, err)
	first := p.UpdatedAt

	clock.Advance(time.Minute)
	p, err = l.UpdateTrailing("ETHUSDT", tr)
	require.NoError(t, err)
	assert.Equal(t, first, p.UpdatedAt)
}

func TestReconcilePositions(t *testing.T) {
	l, clock := newTestLedger(t)
	sim := exchange.NewSimExchange(models.SimConfig{TickSize: 0.01, StepSize: 0.001}, zap.NewNop()).WithClock(clock.Now)

	_, _, err := l.OpenPosition(ethLong())
	require.NoError(t, err)
	btc := ethLong()
	btc.Symbol = "BTCUSDT"
	_, _, err = l.OpenPosition(btc)
	require.NoError(t, err)
	sim.SetPosition("BTCUSDT", 1, 2000)

	_, _, err = l.RecordTakeProfitFill("ETHUSDT", TPFill{Price: 2050, Qty: 0.5, CumQty: 0.5, Time: clock.Now()})
	require.NoError(t, err)

	n := &recordingNotifier{}
	var hooked []string
	opts := ReconcileOptions{Grace: 30 * time.Second, Notifier: n, OnClosed: func(p *models.Position) { hooked = append(hooked, p.Symbol) }}

	closed, err := l.ReconcilePositions(context.Background(), sim, opts)
	require.NoError(t, err)
	assert.Empty(t, closed, "recently updated positions are inside the grace window")

	clock.Advance(time.Minute)
	closed, err = l.ReconcilePositions(context.Background(), sim, opts)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "ETHUSDT", closed[0].Symbol)
	assert.Equal(t, models.CloseDesync, closed[0].ClosedBy)
	assert.InDelta(t, 25, *closed[0].FinalPnl, 1e-9)
	assert.Equal(t, []notify.Action{notify.ActionClosed}, n.calls)
	assert.Equal(t, []string{"ETHUSDT"}, hooked)

	still, err := l.GetOpenPosition("BTCUSDT")
	require.NoError(t, err)
	assert.NotNil(t, still)
}
