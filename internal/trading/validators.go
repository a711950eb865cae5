package trading

import (
	"fmt"

	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/scoring"
)

// ValidationResult is the outcome of one validator. A failure is a normal outcome.
type ValidationResult struct {
	Name   string
	Pass   bool
	Reason string
}

// Validator checks the snapshot an entry would be based on. The side under test is the
// snapshot's bias.
type Validator func(snap *models.Snapshot, strat models.StrategyConfig) ValidationResult

// DefaultValidators is the entry validator chain in evaluation order.
func DefaultValidators() []Validator {
	return []Validator{
		ValidateMinScore,
		ValidateCoverage,
		ValidateRequiredModules,
		ValidateSideGap,
		ValidateVolatility,
		ValidateSpread,
		ValidateFunding,
	}
}

// RunValidators stops at the first failing validator and returns its result.
func RunValidators(vs []Validator, snap *models.Snapshot, strat models.StrategyConfig) (ValidationResult, bool) {
	for _, v := range vs {
		if r := v(snap, strat); !r.Pass {
			return r, false
		}
	}
	return ValidationResult{Pass: true}, true
}

func pass(name string) ValidationResult { return ValidationResult{Name: name, Pass: true} }

func fail(name, format string, args ...any) ValidationResult {
	return ValidationResult{Name: name, Reason: fmt.Sprintf(format, args...)}
}

func ValidateMinScore(snap *models.Snapshot, strat models.StrategyConfig) ValidationResult {
	score := snap.Scores[snap.Bias]
	if score < strat.Entry.MinScore {
		return fail("min_score", "%s score %.2f < %.2f", snap.Bias, score, strat.Entry.MinScore)
	}
	return pass("min_score")
}

func ValidateCoverage(snap *models.Snapshot, strat models.StrategyConfig) ValidationResult {
	if r := snap.CoverageRatio(); r < strat.Entry.MinModules {
		return fail("coverage", "coverage %s (%.2f) < %.2f", snap.Coverage(), r, strat.Entry.MinModules)
	}
	return pass("coverage")
}

// ValidateRequiredModules requires every listed module to be present. Scoring modules must
// vote with the bias and validation modules must pass. The higher-timeframe MA must agree
// when listed or when require_htf_agreement is set.
func ValidateRequiredModules(snap *models.Snapshot, strat models.StrategyConfig) ValidationResult {
	const name = "required_modules"
	required := strat.Entry.RequiredModules
	if strat.Entry.RequireHTFAgreement && !contains(required, scoring.ModHTFMA) {
		required = append(append([]string(nil), required...), scoring.ModHTFMA)
	}
	for _, m := range required {
		mod, ok := snap.Modules[m]
		if !ok {
			return fail(name, "module %s has no data", m)
		}
		if m == scoring.ModHTFMA && mod.Signal != snap.Bias {
			return fail(name, "higher timeframe MA is %s, bias %s", mod.Signal, snap.Bias)
		}
		switch mod.Kind {
		case models.KindScoring:
			if mod.Signal != snap.Bias {
				return fail(name, "module %s votes %s, bias %s", m, mod.Signal, snap.Bias)
			}
		case models.KindValidation:
			if !mod.Pass {
				return fail(name, "module %s did not pass", m)
			}
		}
	}
	return pass(name)
}

func ValidateSideGap(snap *models.Snapshot, strat models.StrategyConfig) ValidationResult {
	gap := snap.Scores[snap.Bias] - snap.Scores[snap.Bias.Opposite()]
	if gap < strat.Entry.SideBiasTolerance {
		return fail("side_gap", "score gap %.2f < %.2f", gap, strat.Entry.SideBiasTolerance)
	}
	return pass("side_gap")
}

// ValidateVolatility blocks DEAD and EXTREME regimes. A missing module does not block.
func ValidateVolatility(snap *models.Snapshot, _ models.StrategyConfig) ValidationResult {
	mod, ok := snap.Modules[scoring.ModVolatility]
	if !ok {
		return pass("volatility")
	}
	if mod.Label == scoring.RegimeDead || mod.Label == scoring.RegimeExtreme {
		return fail("volatility", "volatility regime %s", mod.Label)
	}
	return pass("volatility")
}

func ValidateSpread(snap *models.Snapshot, strat models.StrategyConfig) ValidationResult {
	mod, ok := snap.Modules[scoring.ModSpread]
	if !ok || strat.Entry.MaxSpreadPct <= 0 {
		return pass("spread")
	}
	if s := mod.Meta["spreadPct"]; s > strat.Entry.MaxSpreadPct {
		return fail("spread", "spread %.4f%% > %.4f%%", s, strat.Entry.MaxSpreadPct)
	}
	return pass("spread")
}

// ValidateFunding blocks entries paying an extreme funding rate: longs when funding is
// extremely positive, shorts when it is extremely negative.
func ValidateFunding(snap *models.Snapshot, strat models.StrategyConfig) ValidationResult {
	mod, ok := snap.Modules[scoring.ModFunding]
	limit := strat.Entry.AvoidWhen.FundingExtreme
	if !ok || limit <= 0 {
		return pass("funding")
	}
	rate := mod.Meta["rate"]
	if rate*snap.Bias.Sign() >= limit {
		return fail("funding", "funding rate %.6f is extreme for %s", rate, snap.Bias)
	}
	return pass("funding")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
