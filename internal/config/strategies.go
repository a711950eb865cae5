package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"binance-futures-bot/internal/models"

	"gopkg.in/yaml.v3"
)

type strategiesFile struct {
	Defaults   *models.StrategyConfig  `yaml:"defaults"`
	Strategies []models.StrategyConfig `yaml:"strategies"`
}

// LoadStrategies reads the per-symbol strategy YAML file. Entries inherit unset values from
// the optional "defaults" block and then from built-in defaults.
func LoadStrategies(path string) (map[string]models.StrategyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies: %w", err)
	}
	return ParseStrategies(data)
}

// ParseStrategies decodes and validates a strategies document.
func ParseStrategies(data []byte) (map[string]models.StrategyConfig, error) {
	var doc strategiesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse strategies: %w", err)
	}

	out := make(map[string]models.StrategyConfig, len(doc.Strategies))
	for _, s := range doc.Strategies {
		s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
		if s.Symbol == "" {
			return nil, fmt.Errorf("strategy %q: symbol is required", s.Name)
		}
		if _, dup := out[s.Symbol]; dup {
			return nil, fmt.Errorf("strategy for %s defined twice", s.Symbol)
		}
		if doc.Defaults != nil {
			mergeStrategy(&s, *doc.Defaults)
		}
		mergeStrategy(&s, DefaultStrategy())
		if err := ValidateStrategy(s); err != nil {
			return nil, err
		}
		out[s.Symbol] = s
	}
	return out, nil
}

// DefaultStrategy is the baseline every strategy is completed with.
func DefaultStrategy() models.StrategyConfig {
	return models.StrategyConfig{
		Name:         "default",
		Timeframe:    "15m",
		HTFTimeframe: "4h",
		CandleLimit:  200,
		Entry: models.EntryConfig{
			Lookback:          3,
			MinScore:          55,
			MinModules:        0.5,
			SideBiasTolerance: 5,
			CooldownMin:       30,
			MaxSpreadPct:      0.1,
			CheckExchange:     true,
			AvoidWhen:         models.AvoidWhen{FundingExtreme: 0.001},
		},
		Capital: models.CapitalConfig{Account: 1000, RiskPerTradePct: 1, Leverage: 5},
		Exits: models.ExitConfig{
			SL: models.StopLossConfig{Type: "atr", ATRMult: 1.5, Pct: 1, DefaultPct: 1},
			TP: models.TakeProfitConfig{Levels: []models.TPLevelConfig{
				{R: 1, SizePct: 50},
				{R: 2, SizePct: 50},
			}},
		},
		Analysis: models.AnalysisConfig{
			Weights: map[string]float64{
				"trend": 1.5, "rsi": 1, "adx": 1, "volume": 0.5, "liquidations": 0.5, "htfMA": 1,
			},
			BiasThreshold: 50,
		},
	}
}

// mergeStrategy copies every zero-valued field of dst from src.
func mergeStrategy(dst *models.StrategyConfig, src models.StrategyConfig) {
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Timeframe == "" {
		dst.Timeframe = src.Timeframe
	}
	if dst.HTFTimeframe == "" {
		dst.HTFTimeframe = src.HTFTimeframe
	}
	if dst.CandleLimit == 0 {
		dst.CandleLimit = src.CandleLimit
	}

	e, se := &dst.Entry, src.Entry
	if e.Lookback == 0 {
		e.Lookback = se.Lookback
	}
	if e.MinScore == 0 {
		e.MinScore = se.MinScore
	}
	if e.MinModules == 0 {
		e.MinModules = se.MinModules
	}
	if e.RequiredModules == nil {
		e.RequiredModules = se.RequiredModules
	}
	if !e.RequireHTFAgreement {
		e.RequireHTFAgreement = se.RequireHTFAgreement
	}
	if e.SideBiasTolerance == 0 {
		e.SideBiasTolerance = se.SideBiasTolerance
	}
	if e.CooldownMin == 0 {
		e.CooldownMin = se.CooldownMin
	}
	if e.MaxSpreadPct == 0 {
		e.MaxSpreadPct = se.MaxSpreadPct
	}
	if !e.CheckExchange {
		e.CheckExchange = se.CheckExchange
	}
	if e.AvoidWhen.FundingExtreme == 0 {
		e.AvoidWhen.FundingExtreme = se.AvoidWhen.FundingExtreme
	}

	c, sc := &dst.Capital, src.Capital
	if c.Account == 0 {
		c.Account = sc.Account
	}
	if c.RiskPerTradePct == 0 {
		c.RiskPerTradePct = sc.RiskPerTradePct
	}
	if c.Leverage == 0 {
		c.Leverage = sc.Leverage
	}

	x, sx := &dst.Exits, src.Exits
	if x.SL.Type == "" {
		x.SL.Type = sx.SL.Type
	}
	if x.SL.Pct == 0 {
		x.SL.Pct = sx.SL.Pct
	}
	if x.SL.ATRMult == 0 {
		x.SL.ATRMult = sx.SL.ATRMult
	}
	if x.SL.DefaultPct == 0 {
		x.SL.DefaultPct = sx.SL.DefaultPct
	}
	if len(x.TP.Levels) == 0 {
		x.TP.Levels = append([]models.TPLevelConfig(nil), sx.TP.Levels...)
	}
	if !x.Trailing.Enabled && sx.Trailing.Enabled {
		x.Trailing = sx.Trailing
	}
	if x.OppositeCountExit == 0 {
		x.OppositeCountExit = sx.OppositeCountExit
	}

	z, sz := &dst.Sizing, src.Sizing
	if z.MaxAdds == 0 {
		z.MaxAdds = sz.MaxAdds
	}
	if z.AddOnAdverseMovePct == 0 {
		z.AddOnAdverseMovePct = sz.AddOnAdverseMovePct
	}
	if z.AddMultiplier == 0 {
		z.AddMultiplier = sz.AddMultiplier
	}

	a, sa := &dst.Analysis, src.Analysis
	if len(a.Weights) == 0 {
		a.Weights = make(map[string]float64, len(sa.Weights))
		for k, v := range sa.Weights {
			a.Weights[k] = v
		}
	}
	if a.BiasThreshold == 0 {
		a.BiasThreshold = sa.BiasThreshold
	}
}

// ValidateStrategy checks a completed strategy for values the core cannot work with.
func ValidateStrategy(s models.StrategyConfig) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("strategy %s: "+format, append([]any{s.Symbol}, args...)...)
	}
	if s.Entry.Lookback <= 0 {
		return fail("entry.lookback must be positive")
	}
	if s.Entry.MinModules < 0 || s.Entry.MinModules > 1 {
		return fail("entry.min_modules is a ratio in [0,1], got %v", s.Entry.MinModules)
	}
	if s.Capital.Leverage <= 0 || s.Capital.Leverage > 125 {
		return fail("capital.leverage out of range: %d", s.Capital.Leverage)
	}
	if s.Capital.Account <= 0 || s.Capital.RiskPerTradePct <= 0 {
		return fail("capital.account and capital.risk_per_trade_pct must be positive")
	}
	switch s.Exits.SL.Type {
	case "pct", "atr":
	default:
		return fail("exits.sl.type must be pct or atr, got %q", s.Exits.SL.Type)
	}
	for i, l := range s.Exits.TP.Levels {
		if (l.R <= 0 && l.Pct <= 0) || l.SizePct <= 0 || math.IsNaN(l.SizePct) {
			return fail("exits.tp.levels[%d] needs r or pct and a positive size_pct", i)
		}
	}
	if s.Exits.Trailing.Enabled && s.Exits.Trailing.TrailStepPct <= 0 {
		return fail("exits.trailing.trail_step_pct must be positive when trailing is enabled")
	}
	if s.Sizing.MaxAdds > 0 && (s.Sizing.AddOnAdverseMovePct <= 0 || s.Sizing.AddMultiplier <= 0) {
		return fail("sizing.add_on_adverse_move_pct and sizing.add_multiplier are required with max_adds")
	}
	return nil
}
