package marketdata

import (
	"context"
	"testing"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCandles_DropsFormingCandle(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 7, 0, 0, time.UTC)
	sim := exchange.NewSimExchange(models.SimConfig{}, zap.NewNop())
	var candles []models.Candle
	for i := 0; i < 4; i++ {
		open := now.Add(time.Duration(i-3) * 5 * time.Minute).Truncate(5 * time.Minute)
		candles = append(candles, models.Candle{Symbol: "ETHUSDT", OpenTime: open, CloseTime: open.Add(5*time.Minute - time.Millisecond), Close: float64(i)})
	}
	sim.SetKlines("ETHUSDT", "5m", candles)

	feed := NewFeed(sim).WithClock(func() time.Time { return now })
	got, err := feed.Candles(context.Background(), "ETHUSDT", "5m", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Close)
	assert.Equal(t, 2.0, got[1].Close)
}

func TestBucketAggregator(t *testing.T) {
	agg := NewBucketAggregator()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.Nil(t, agg.Add(models.LiquidationEvent{Symbol: "ETHUSDT", Side: "BUY", Price: 2000, Qty: 1, Time: base.Add(5 * time.Second)}))
	assert.Nil(t, agg.Add(models.LiquidationEvent{Symbol: "ETHUSDT", Side: "SELL", Price: 2000, Qty: 0.5, Time: base.Add(50 * time.Second)}))

	done := agg.Add(models.LiquidationEvent{Symbol: "ETHUSDT", Side: "SELL", Price: 1990, Qty: 1, Time: base.Add(61 * time.Second)})
	require.NotNil(t, done)
	assert.True(t, done.Start.Equal(base))
	assert.Equal(t, 2000.0, done.BuysValue)
	assert.Equal(t, 1000.0, done.SellsValue)
	assert.Equal(t, 3000.0, done.TotalValue)
	assert.Equal(t, 2, done.Count)

	assert.Nil(t, agg.Add(models.LiquidationEvent{Symbol: "ETHUSDT", Side: "SELL", Price: 1, Qty: 1, Time: base}), "late events are dropped")

	assert.Empty(t, agg.FlushBefore(base.Add(90*time.Second)))
	flushed := agg.FlushBefore(base.Add(2 * time.Minute))
	require.Len(t, flushed, 1)
	assert.Equal(t, 1990.0, flushed[0].SellsValue)
}

func TestParseForceOrder(t *testing.T) {
	ev, ok := ParseForceOrder([]byte(`{"e":"forceOrder","E":1700000000100,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT",
		"q":"0.014","p":"9910","ap":"9910","X":"FILLED","l":"0.014","z":"0.014","T":1700000000000}}`))
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, "SELL", ev.Side)
	assert.InDelta(t, 0.014, ev.Qty, 1e-12)
	assert.Equal(t, int64(1700000000000), ev.Time.UnixMilli())

	_, ok = ParseForceOrder([]byte(`{"e":"forceOrder"}`))
	assert.False(t, ok)
}
