package analysis

import (
	"math"
	"time"

	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/scoring"
)

const defaultBiasThreshold = 50

// Aggregate folds module results into a snapshot.
//
// Scores are the weighted average strength of the filled scoring modules voting for each
// side, so both stay in [0,100]. Modules without a configured weight count with weight 1.
// The bias is the side whose score reaches the threshold and is strictly above the other.
// Validation modules never vote; a validation module that ran and failed turns an entry
// decision into WAIT.
func Aggregate(symbol, timeframe string, at time.Time, results []scoring.Result, cfg models.AnalysisConfig) *models.Snapshot {
	threshold := cfg.BiasThreshold
	if threshold <= 0 {
		threshold = defaultBiasThreshold
	}

	snap := &models.Snapshot{
		Time:      at,
		Symbol:    symbol,
		Timeframe: timeframe,
		Modules:   make(map[string]models.ModuleSnapshot, len(results)),
		Scores:    map[models.Side]float64{models.Long: 0, models.Short: 0},
		Bias:      models.Neutral,
		Decision:  models.DecisionWait,
	}

	var long, short, weights float64
	validationFailed := false
	for _, r := range results {
		if r.Kind == models.KindScoring {
			snap.Total++
		}
		if !r.OK {
			continue
		}
		snap.Modules[r.Module] = r.Snapshot()
		if r.Kind == models.KindValidation {
			if !r.Pass {
				validationFailed = true
			}
			continue
		}
		snap.Filled++
		w, ok := cfg.Weights[r.Module]
		if !ok {
			w = 1
		}
		if w <= 0 {
			continue
		}
		weights += w
		switch r.Signal {
		case models.Long:
			long += w * r.Strength
		case models.Short:
			short += w * r.Strength
		}
	}
	if weights > 0 {
		snap.Scores[models.Long] = round2(long / weights)
		snap.Scores[models.Short] = round2(short / weights)
	}

	ls, ss := snap.Scores[models.Long], snap.Scores[models.Short]
	switch {
	case ls >= threshold && ls > ss:
		snap.Bias = models.Long
	case ss >= threshold && ss > ls:
		snap.Bias = models.Short
	}

	if !validationFailed {
		switch snap.Bias {
		case models.Long:
			snap.Decision = models.DecisionEnterLong
		case models.Short:
			snap.Decision = models.DecisionEnterShort
		}
	}
	return snap
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
