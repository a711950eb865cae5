package exchange

import (
	"math"

	"binance-futures-bot/internal/models"

	"github.com/shopspring/decimal"
)

// adjustValueToStep floors value to a multiple of step using decimal arithmetic so that
// 1.23456 with step 0.001 gives exactly 1.234.
func adjustValueToStep(value, step float64) float64 {
	if step <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}

// AdjustQuantity floors qty to the lot step. Quantities below the minimum quantity, or
// whose notional at price is below the minimum notional, become zero.
func AdjustQuantity(qty, price float64, f *models.SymbolFilters) float64 {
	if qty <= 0 || math.IsNaN(qty) {
		return 0
	}
	if f == nil {
		return qty
	}
	q := adjustValueToStep(qty, f.StepSize)
	if q <= 0 || (f.MinQty > 0 && q < f.MinQty) {
		return 0
	}
	if f.MinNotional > 0 && price > 0 && q*price < f.MinNotional {
		return 0
	}
	return q
}

// AdjustPrice floors price to the tick size.
func AdjustPrice(price float64, f *models.SymbolFilters) float64 {
	if f == nil {
		return price
	}
	return adjustValueToStep(price, f.TickSize)
}

// RoundPnl rounds a PnL figure to 8 decimal places.
func RoundPnl(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(8).Float64()
	return f
}
