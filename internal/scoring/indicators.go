package scoring

import (
	"math"

	"binance-futures-bot/internal/models"
)

// EMA returns the exponential moving average series of values; the first period-1
// entries are seeded with the running SMA.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, len(values))
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
		out[i] = sum / float64(i+1)
	}
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// SMA returns the simple average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// RSI is Wilder's relative strength index of the last value.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain, avgLoss := gain/float64(period), loss/float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

func trueRange(c, prev models.Candle) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
}

// ATR is Wilder's average true range of the last candle.
func ATR(candles []models.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) <= period {
		return 0, false
	}
	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trueRange(candles[i], candles[i-1])) / float64(period)
	}
	return atr, true
}

// ADX returns Wilder's ADX with the +DI and -DI of the last candle.
func ADX(candles []models.Candle, period int) (adx, plusDI, minusDI float64, ok bool) {
	if period <= 0 || len(candles) < 2*period+1 {
		return 0, 0, 0, false
	}
	var trS, plusS, minusS float64
	dxs := make([]float64, 0, len(candles))
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		up := c.High - prev.High
		down := prev.Low - c.Low
		pdm, mdm := 0.0, 0.0
		if up > down && up > 0 {
			pdm = up
		}
		if down > up && down > 0 {
			mdm = down
		}
		tr := trueRange(c, prev)
		if i <= period {
			trS += tr
			plusS += pdm
			minusS += mdm
			if i < period {
				continue
			}
		} else {
			trS = trS - trS/float64(period) + tr
			plusS = plusS - plusS/float64(period) + pdm
			minusS = minusS - minusS/float64(period) + mdm
		}
		if trS == 0 {
			dxs = append(dxs, 0)
			continue
		}
		plusDI = 100 * plusS / trS
		minusDI = 100 * minusS / trS
		dx := 0.0
		if plusDI+minusDI > 0 {
			dx = 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
		}
		dxs = append(dxs, dx)
	}
	if len(dxs) < period {
		return 0, 0, 0, false
	}
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= float64(period)
	for i := period; i < len(dxs); i++ {
		adx = (adx*float64(period-1) + dxs[i]) / float64(period)
	}
	return adx, plusDI, minusDI, true
}

func closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
