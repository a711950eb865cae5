package ledger

import (
	"binance-futures-bot/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// NormalizeTPPlan returns a copy of tps whose sizePct values sum to exactly 100.
// A total above 100 is scaled down proportionally; any remaining difference lands on
// the last level.
func NormalizeTPPlan(tps []models.TakeProfit) []models.TakeProfit {
	if len(tps) == 0 {
		return tps
	}
	out := make([]models.TakeProfit, len(tps))
	copy(out, tps)

	pcts := make([]decimal.Decimal, len(out))
	total := decimal.Zero
	for i, tp := range out {
		p := decimal.NewFromFloat(tp.SizePct)
		if p.IsNegative() {
			p = decimal.Zero
		}
		pcts[i] = p
		total = total.Add(p)
	}
	if total.GreaterThan(hundred) {
		for i := range pcts {
			pcts[i] = pcts[i].Mul(hundred).Div(total).Round(8)
		}
	}

	used := decimal.Zero
	for i := 0; i < len(pcts)-1; i++ {
		used = used.Add(pcts[i])
		out[i].SizePct = pcts[i].InexactFloat64()
	}
	last := hundred.Sub(used)
	if last.IsNegative() {
		last = decimal.Zero
	}
	out[len(out)-1].SizePct = last.InexactFloat64()
	return out
}

// takeProfitsEqual compares the plan-relevant fields (price, sizePct, filled).
func takeProfitsEqual(a, b []models.TakeProfit) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Price != b[i].Price || a[i].SizePct != b[i].SizePct || a[i].Filled != b[i].Filled {
			return false
		}
	}
	return true
}

// TakeProfitPnl sums the realized PnL of every recorded take-profit fill of p.
func TakeProfitPnl(p *models.Position) float64 {
	sign := p.Side.Sign()
	var pnl float64
	for _, tp := range p.TakeProfits {
		for _, f := range tp.Fills {
			pnl += (f.Price - p.EntryPrice) * f.Qty * sign
		}
	}
	return pnl
}
