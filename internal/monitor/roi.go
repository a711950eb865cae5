package monitor

import (
	"math"

	"binance-futures-bot/internal/models"
)

// ROI sources.
const (
	ROIAuto   = "auto"
	ROIMargin = "margin"
	ROIPrice  = "price"
)

// ROIPercent returns the leveraged return on margin of the live position, in percent.
// The margin source is unrealizedProfit/isolatedMargin; the price source is the price move
// times leverage. "auto" and "margin" fall back to the price source when the exchange
// reports no isolated margin.
func ROIPercent(risk *models.PositionRisk, entry, mark float64, side models.Side, leverage int, source string) float64 {
	if source != ROIPrice && risk != nil && risk.IsolatedMargin > 0 {
		return risk.UnrealizedProfit / risk.IsolatedMargin * 100
	}
	if entry <= 0 || mark <= 0 {
		return 0
	}
	if leverage <= 0 {
		leverage = 1
	}
	return (mark - entry) / entry * 100 * side.Sign() * float64(leverage)
}

// PriceForROI converts a ROI percentage back to a price for the held side.
func PriceForROI(entry float64, side models.Side, leverage int, roi float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return entry * (1 + side.Sign()*roi/100/float64(leverage))
}

// NextTrailing advances the trailing state for the current ROI. The anchor only moves
// forward; the returned bool reports whether anything changed.
func NextTrailing(cur *models.Trailing, roi float64, cfg models.TrailingConfig) (models.Trailing, bool) {
	var next models.Trailing
	if cur != nil {
		next = *cur
	}
	if !next.Active {
		if roi < cfg.StartAfterPct {
			return next, false
		}
		next.Active = true
		next.Anchor = roi
		next.StopROI = roi - cfg.TrailStepPct
		return next, true
	}
	anchor := math.Max(next.Anchor, roi)
	if anchor == next.Anchor {
		return next, false
	}
	next.Anchor = anchor
	next.StopROI = anchor - cfg.TrailStepPct
	return next, true
}

// improves reports whether candidate is a strictly tighter stop than current for side.
// A zero current stop is improved by anything.
func improves(side models.Side, candidate, current float64) bool {
	if current <= 0 {
		return true
	}
	if side == models.Long {
		return candidate > current
	}
	return candidate < current
}

// protective reports whether stop lies on the losing side of the current price.
func protective(side models.Side, stop, price float64) bool {
	if side == models.Long {
		return stop < price
	}
	return stop > price
}
