package scoring

import (
	"testing"
	"time"

	"binance-futures-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trending builds n candles whose close moves by step each bar.
func trending(n int, start, step float64) []models.Candle {
	out := make([]models.Candle, n)
	t := time.Unix(1_700_000_000, 0)
	price := start
	for i := range out {
		open := price
		price += step
		hi, lo := open, price
		if price > open {
			hi, lo = price, open
		}
		out[i] = models.Candle{
			OpenTime: t.Add(time.Duration(i) * time.Minute),
			Open:     open,
			High:     hi + 0.5,
			Low:      lo - 0.5,
			Close:    price,
			Volume:   100,
		}
	}
	return out
}

func byName(results []Result) map[string]Result {
	m := make(map[string]Result, len(results))
	for _, r := range results {
		m[r.Module] = r
	}
	return m
}

func TestIndicators(t *testing.T) {
	ema := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, ema, 5)
	assert.InDelta(t, 2.0, ema[2], 1e-12)
	assert.InDelta(t, 3.0, ema[3], 1e-12)

	sma, ok := SMA([]float64{1, 2, 3, 4}, 2)
	assert.True(t, ok)
	assert.Equal(t, 3.5, sma)

	rsi, ok := RSI([]float64{1, 2, 3, 4, 5, 6}, 3)
	assert.True(t, ok)
	assert.Equal(t, 100.0, rsi)

	_, ok = RSI([]float64{1, 2}, 14)
	assert.False(t, ok)

	atr, ok := ATR(trending(30, 100, 1), 14)
	assert.True(t, ok)
	assert.InDelta(t, 2.0, atr, 1e-9)

	adx, pdi, mdi, ok := ADX(trending(60, 100, 1), 14)
	assert.True(t, ok)
	assert.Greater(t, pdi, mdi)
	assert.Greater(t, adx, 20.0)
}

func TestRegistry_Uptrend(t *testing.T) {
	rate := 0.0001
	in := Input{
		Symbol:      "ETHUSDT",
		Candles:     trending(100, 1000, 2),
		HTFCandles:  trending(60, 900, 5),
		Book:        &models.BookTicker{Bid: 1199.9, Ask: 1200.1},
		FundingRate: &rate,
		Liquidations: []models.LiquidationBucket{
			{BuysValue: 3000, SellsValue: 1000, TotalValue: 4000},
		},
	}
	res := byName(Evaluate(Registry(), in))

	assert.Equal(t, models.Long, res[ModTrend].Signal)
	assert.Equal(t, models.Long, res[ModADX].Signal)
	assert.Equal(t, models.Long, res[ModHTFMA].Signal)
	assert.Equal(t, models.Long, res[ModLiquidations].Signal)
	assert.InDelta(t, 50, res[ModLiquidations].Strength, 1e-9)
	assert.Equal(t, models.KindValidation, res[ModVolatility].Kind)
	assert.True(t, res[ModVolatility].OK)
	assert.Contains(t, res[ModVolatility].Meta, "atr")
	assert.True(t, res[ModSpread].OK)
	assert.Equal(t, rate, res[ModFunding].Meta["rate"])
	for _, r := range res {
		assert.GreaterOrEqual(t, r.Strength, 0.0)
		assert.LessOrEqual(t, r.Strength, 100.0)
	}
}

func TestRegistry_InsufficientData(t *testing.T) {
	res := Evaluate(Registry(), Input{Symbol: "ETHUSDT", Candles: trending(5, 100, 1)})
	require.Len(t, res, len(Registry()))
	for _, r := range res {
		assert.False(t, r.OK, r.Module)
	}
}

func TestVolatilityRegimes(t *testing.T) {
	dead := volatilityModule{}.Evaluate(Input{Candles: flat(30, 10000, 1)})
	assert.Equal(t, RegimeDead, dead.Label)
	assert.False(t, dead.Pass)

	wild := volatilityModule{}.Evaluate(Input{Candles: flat(30, 100, 20)})
	assert.Equal(t, RegimeExtreme, wild.Label)
	assert.False(t, wild.Pass)
}

// flat builds candles around price with a fixed high-low range.
func flat(n int, price, rng float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{Open: price, Close: price, High: price + rng/2, Low: price - rng/2}
	}
	return out
}
