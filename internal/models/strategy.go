package models

// StrategyConfig is the per-symbol trading configuration loaded from the strategies file.
type StrategyConfig struct {
	Symbol       string         `yaml:"symbol" json:"symbol"`
	Name         string         `yaml:"name" json:"name"`
	Timeframe    string         `yaml:"timeframe" json:"timeframe"`
	HTFTimeframe string         `yaml:"htf_timeframe" json:"htfTimeframe"`
	CandleLimit  int            `yaml:"candle_limit" json:"candleLimit"`
	Entry        EntryConfig    `yaml:"entry" json:"entry"`
	Capital      CapitalConfig  `yaml:"capital" json:"capital"`
	Exits        ExitConfig     `yaml:"exits" json:"exits"`
	Sizing       SizingConfig   `yaml:"sizing" json:"sizing"`
	Analysis     AnalysisConfig `yaml:"analysis" json:"analysis"`
}

// EntryConfig drives the entry gate.
type EntryConfig struct {
	Lookback            int       `yaml:"lookback" json:"lookback"`
	MinScore            float64   `yaml:"min_score" json:"minScore"`
	MinModules          float64   `yaml:"min_modules" json:"minModules"` // coverage ratio in [0,1]
	RequiredModules     []string  `yaml:"required_modules" json:"requiredModules"`
	RequireHTFAgreement bool      `yaml:"require_htf_agreement" json:"requireHtfAgreement"`
	SideBiasTolerance   float64   `yaml:"side_bias_tolerance" json:"sideBiasTolerance"`
	CooldownMin         float64   `yaml:"cooldown_min" json:"cooldownMin"`
	MaxSpreadPct        float64   `yaml:"max_spread_pct" json:"maxSpreadPct"`
	CheckExchange       bool      `yaml:"check_exchange" json:"checkExchange"`
	AvoidWhen           AvoidWhen `yaml:"avoid_when" json:"avoidWhen"`
}

// AvoidWhen lists market conditions that block entries.
type AvoidWhen struct {
	FundingExtreme float64 `yaml:"funding_extreme" json:"fundingExtreme"`
}

// CapitalConfig sizes positions.
type CapitalConfig struct {
	Account         float64 `yaml:"account" json:"account"`
	RiskPerTradePct float64 `yaml:"risk_per_trade_pct" json:"riskPerTradePct"`
	Leverage        int     `yaml:"leverage" json:"leverage"`
}

// ExitConfig groups stop-loss, take-profit and trailing settings.
type ExitConfig struct {
	SL                StopLossConfig   `yaml:"sl" json:"sl"`
	TP                TakeProfitConfig `yaml:"tp" json:"tp"`
	Trailing          TrailingConfig   `yaml:"trailing" json:"trailing"`
	OppositeCountExit int              `yaml:"opposite_count_exit" json:"oppositeCountExit"`
}

// StopLossConfig selects the stop model: "pct" of price or "atr" multiple.
type StopLossConfig struct {
	Type       string  `yaml:"type" json:"type"`
	Pct        float64 `yaml:"pct" json:"pct"`
	ATRMult    float64 `yaml:"atr_mult" json:"atrMult"`
	DefaultPct float64 `yaml:"default_pct" json:"defaultPct"`
}

// TakeProfitConfig is the take-profit grid template.
type TakeProfitConfig struct {
	Levels []TPLevelConfig `yaml:"levels" json:"levels"`
}

// TPLevelConfig places a level at R multiples of the stop distance, or at Pct of price.
type TPLevelConfig struct {
	R       float64 `yaml:"r" json:"r"`
	Pct     float64 `yaml:"pct" json:"pct"`
	SizePct float64 `yaml:"size_pct" json:"sizePct"`
}

// TrailingConfig values are ROI percentages.
type TrailingConfig struct {
	Enabled       bool    `yaml:"enabled" json:"enabled"`
	StartAfterPct float64 `yaml:"start_after_pct" json:"startAfterPct"`
	TrailStepPct  float64 `yaml:"trail_step_pct" json:"trailStepPct"`
}

// SizingConfig controls DCA adds.
type SizingConfig struct {
	MaxAdds             int     `yaml:"max_adds" json:"maxAdds"`
	AddOnAdverseMovePct float64 `yaml:"add_on_adverse_move_pct" json:"addOnAdverseMovePct"`
	AddMultiplier       float64 `yaml:"add_multiplier" json:"addMultiplier"`
}

// AnalysisConfig weights the scoring modules.
type AnalysisConfig struct {
	Weights       map[string]float64 `yaml:"weights" json:"weights"`
	BiasThreshold float64            `yaml:"bias_threshold" json:"biasThreshold"`
}
