package models

import (
	"fmt"
	"time"
)

// ModuleKind separates modules that vote on direction from modules that only gate entries.
type ModuleKind string

const (
	KindScoring    ModuleKind = "scoring"
	KindValidation ModuleKind = "validation"
)

// Decision is the aggregator's verdict for a snapshot.
type Decision string

const (
	DecisionEnterLong  Decision = "ENTER_LONG"
	DecisionEnterShort Decision = "ENTER_SHORT"
	DecisionWait       Decision = "WAIT"
)

// ModuleSnapshot is one module's contribution to a snapshot.
type ModuleSnapshot struct {
	Kind     ModuleKind         `json:"kind"`
	Signal   Side               `json:"signal"`
	Strength float64            `json:"strength"`
	Pass     bool               `json:"pass"`
	Meta     map[string]float64 `json:"meta,omitempty"`
	Label    string             `json:"label,omitempty"`
}

// Snapshot is an immutable analysis record.
type Snapshot struct {
	ID        int64                     `json:"id"`
	Time      time.Time                 `json:"time"`
	Symbol    string                    `json:"symbol"`
	Timeframe string                    `json:"timeframe"`
	Modules   map[string]ModuleSnapshot `json:"modules"`
	Scores    map[Side]float64          `json:"scores"`
	Filled    int                       `json:"filled"`
	Total     int                       `json:"total"`
	Bias      Side                      `json:"bias"`
	Decision  Decision                  `json:"decision"`
}

// Coverage renders the "filled/total" coverage string.
func (s *Snapshot) Coverage() string {
	return fmt.Sprintf("%d/%d", s.Filled, s.Total)
}

// CoverageRatio returns filled/total, 0 when no scoring modules ran.
func (s *Snapshot) CoverageRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Filled) / float64(s.Total)
}

// Ref builds the reference stored on a position opened from this snapshot.
func (s *Snapshot) Ref() *AnalysisRef {
	scores := make(map[Side]float64, len(s.Scores))
	for k, v := range s.Scores {
		scores[k] = v
	}
	return &AnalysisRef{
		Time:      s.Time,
		Timeframe: s.Timeframe,
		Bias:      s.Bias,
		Scores:    scores,
		Coverage:  s.Coverage(),
	}
}
