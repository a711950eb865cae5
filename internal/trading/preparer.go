package trading

import (
	"errors"
	"fmt"
	"math"

	"binance-futures-bot/internal/ledger"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/scoring"
)

// ErrInvalidPlan is returned when no sane position can be derived from the inputs.
var ErrInvalidPlan = errors.New("trading: invalid position plan")

// Plan is a prepared position before any exchange interaction.
type Plan struct {
	Symbol      string
	Side        models.Side
	Entry       float64
	Qty         float64
	Notional    float64
	StopPrice   float64 // may be NaN when the configured stop model has no input
	DefaultStop float64
	TakeProfits []models.TakeProfit
	RiskUSD     float64
	Leverage    int
	BaseMargin  float64
	Strategy    string
	RiskPct     float64
}

// EffectiveStop is the configured stop when finite, otherwise the default stop.
func (p *Plan) EffectiveStop() float64 {
	if isFinite(p.StopPrice) && p.StopPrice > 0 {
		return p.StopPrice
	}
	return p.DefaultStop
}

// Prepare sizes a position so that hitting the stop loses riskPerTradePct of the account.
// The notional is capped at account * leverage.
func Prepare(side models.Side, entry float64, snap *models.Snapshot, strat models.StrategyConfig) (*Plan, error) {
	if side != models.Long && side != models.Short {
		return nil, fmt.Errorf("%w: side %s", ErrInvalidPlan, side)
	}
	if !isFinite(entry) || entry <= 0 {
		return nil, fmt.Errorf("%w: entry price %v", ErrInvalidPlan, entry)
	}
	sign := side.Sign()
	capital := strat.Capital
	lev := capital.Leverage
	if lev <= 0 {
		lev = 1
	}

	p := &Plan{
		Symbol:      strat.Symbol,
		Side:        side,
		Entry:       entry,
		Leverage:    lev,
		RiskUSD:     capital.Account * capital.RiskPerTradePct / 100,
		Strategy:    strat.Name,
		RiskPct:     capital.RiskPerTradePct,
		DefaultStop: entry * (1 - sign*defaultStopPct(strat)/100),
	}

	sl := strat.Exits.SL
	switch sl.Type {
	case "atr":
		atr := math.NaN()
		if snap != nil {
			if mod, ok := snap.Modules[scoring.ModVolatility]; ok {
				if v, ok := mod.Meta["atr"]; ok && v > 0 {
					atr = v
				}
			}
		}
		p.StopPrice = entry - sign*atr*sl.ATRMult
	default:
		p.StopPrice = entry * (1 - sign*sl.Pct/100)
	}

	stop := p.EffectiveStop()
	dist := math.Abs(entry - stop)
	if dist <= 0 || (stop-entry)*sign >= 0 {
		return nil, fmt.Errorf("%w: stop %.8f on the wrong side of entry %.8f", ErrInvalidPlan, stop, entry)
	}

	qty := p.RiskUSD / dist
	if maxQty := capital.Account * float64(lev) / entry; qty > maxQty {
		qty = maxQty
	}
	p.Qty = qty
	p.Notional = qty * entry
	p.BaseMargin = p.Notional / float64(lev)

	tps := make([]models.TakeProfit, 0, len(strat.Exits.TP.Levels))
	for _, l := range strat.Exits.TP.Levels {
		var price float64
		if l.R > 0 {
			price = entry + sign*l.R*dist
		} else {
			price = entry * (1 + sign*l.Pct/100)
		}
		if price <= 0 {
			continue
		}
		tps = append(tps, models.TakeProfit{Price: price, SizePct: l.SizePct})
	}
	p.TakeProfits = ledger.NormalizeTPPlan(tps)
	return p, nil
}

func defaultStopPct(strat models.StrategyConfig) float64 {
	if d := strat.Exits.SL.DefaultPct; d > 0 {
		return d
	}
	return 1
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
