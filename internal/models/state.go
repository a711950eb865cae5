package models

import "time"

// Side is the direction of a position or an analysis bias.
type Side string

const (
	Long    Side = "LONG"
	Short   Side = "SHORT"
	Neutral Side = "NEUTRAL"
)

// Sign returns +1 for LONG, -1 for SHORT and 0 otherwise.
func (s Side) Sign() float64 {
	switch s {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

// Opposite returns the other trading side. NEUTRAL maps to itself.
func (s Side) Opposite() Side {
	switch s {
	case Long:
		return Short
	case Short:
		return Long
	}
	return Neutral
}

// EntryOrderSide is the exchange order side that opens or adds to the position.
func (s Side) EntryOrderSide() string {
	if s == Short {
		return "SELL"
	}
	return "BUY"
}

// ExitOrderSide is the exchange order side that reduces the position.
func (s Side) ExitOrderSide() string {
	if s == Short {
		return "BUY"
	}
	return "SELL"
}

// PositionStatus is the ledger status of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// CloseReason records what terminated a position.
type CloseReason string

const (
	CloseSL           CloseReason = "SL"
	CloseTP           CloseReason = "TP"
	CloseDesync       CloseReason = "DESYNC"
	CloseExitOpposite CloseReason = "EXIT_OPPOSITE"
	CloseManual       CloseReason = "MANUAL"
)

// AdjustmentType enumerates the audit records kept on a position.
type AdjustmentType string

const (
	AdjOpen           AdjustmentType = "OPEN"
	AdjAdd            AdjustmentType = "ADD"
	AdjSLSet          AdjustmentType = "SL_SET"
	AdjSLUpdate       AdjustmentType = "SL_UPDATE"
	AdjTPSet          AdjustmentType = "TP_SET"
	AdjTPUpdate       AdjustmentType = "TP_UPDATE"
	AdjTPHit          AdjustmentType = "TP_HIT"
	AdjSLHit          AdjustmentType = "SL_HIT"
	AdjClose          AdjustmentType = "CLOSE"
	AdjOppositeSignal AdjustmentType = "OPPOSITE_SIGNAL"
)

// MaxAdjustments bounds the adjustment ring buffer.
const MaxAdjustments = 20

// Fill is a single execution recorded against a take-profit level.
type Fill struct {
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
	Fee      float64   `json:"fee"`
	FeeAsset string    `json:"feeAsset,omitempty"`
}

// TakeProfit is one level of the take-profit grid.
type TakeProfit struct {
	Price   float64 `json:"price"`
	SizePct float64 `json:"sizePct"`
	Filled  bool    `json:"filled"`
	Fills   []Fill  `json:"fills,omitempty"`
	Cum     float64 `json:"cum"`
	OrderID int64   `json:"orderId,omitempty"`
}

// FilledQty sums the recorded fills of the level.
func (tp TakeProfit) FilledQty() float64 {
	var sum float64
	for _, f := range tp.Fills {
		sum += f.Qty
	}
	return sum
}

// Trailing is the trailing-stop sub-state. Anchor and the stop target are ROI percentages.
type Trailing struct {
	Active      bool      `json:"active"`
	Anchor      float64   `json:"anchor"`
	StopROI     float64   `json:"stopRoi"`
	StopPrice   float64   `json:"stopPrice"`
	ActivatedAt time.Time `json:"activatedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PositionAdd is a DCA add executed by the monitor.
type PositionAdd struct {
	Price   float64   `json:"price"`
	Qty     float64   `json:"qty"`
	Size    float64   `json:"size"`
	ROI     float64   `json:"roi"`
	OrderID int64     `json:"orderId,omitempty"`
	Time    time.Time `json:"time"`
}

// Adjustment is an audit record on a position.
type Adjustment struct {
	Type   AdjustmentType `json:"type"`
	Price  float64        `json:"price,omitempty"`
	Size   float64        `json:"size,omitempty"`
	TPs    []TakeProfit   `json:"tps,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Ts     time.Time      `json:"ts"`
}

// AnalysisRef points at the snapshot that triggered the entry.
type AnalysisRef struct {
	Time      time.Time        `json:"time"`
	Timeframe string           `json:"timeframe"`
	Bias      Side             `json:"bias"`
	Scores    map[Side]float64 `json:"scores,omitempty"`
	Coverage  string           `json:"coverage"`
}

// PositionMeta carries the risk parameters the position was opened with.
type PositionMeta struct {
	Leverage   int     `json:"leverage"`
	RiskPct    float64 `json:"riskPct"`
	Strategy   string  `json:"strategy"`
	BaseMargin float64 `json:"baseMargin"`
}

// Position is the ledger record of one position lifecycle.
type Position struct {
	ID               string         `json:"id"`
	Symbol           string         `json:"symbol"`
	Side             Side           `json:"side"`
	EntryPrice       float64        `json:"entryPrice"`
	Qty              float64        `json:"qty"`
	Size             float64        `json:"size"`
	Leverage         int            `json:"leverage"`
	Status           PositionStatus `json:"status"`
	StopPrice        float64        `json:"stopPrice"`
	InitialStopPrice float64        `json:"initialStopPrice"`
	StopOrderID      int64          `json:"stopOrderId,omitempty"`
	StopFilled       bool           `json:"stopFilled"`
	TakeProfits      []TakeProfit   `json:"takeProfits"`
	Trailing         *Trailing      `json:"trailing,omitempty"`
	Adds             []PositionAdd  `json:"adds,omitempty"`
	Adjustments      []Adjustment   `json:"adjustments"`
	AnalysisRef      *AnalysisRef   `json:"analysisRef,omitempty"`
	Meta             PositionMeta   `json:"meta"`
	PendingClose     CloseReason    `json:"pendingClose,omitempty"`
	OpenedAt         time.Time      `json:"openedAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	ClosedAt         *time.Time     `json:"closedAt,omitempty"`
	FinalPnl         *float64       `json:"finalPnl,omitempty"`
	ClosedBy         CloseReason    `json:"closedBy,omitempty"`
}

// IsOpen reports whether the position is still OPEN.
func (p *Position) IsOpen() bool {
	return p != nil && p.Status == StatusOpen
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.TakeProfits = cloneTakeProfits(p.TakeProfits)
	if p.Trailing != nil {
		t := *p.Trailing
		c.Trailing = &t
	}
	if p.Adds != nil {
		c.Adds = append([]PositionAdd(nil), p.Adds...)
	}
	if p.Adjustments != nil {
		c.Adjustments = make([]Adjustment, len(p.Adjustments))
		for i, a := range p.Adjustments {
			a.TPs = cloneTakeProfits(a.TPs)
			c.Adjustments[i] = a
		}
	}
	if p.AnalysisRef != nil {
		ref := *p.AnalysisRef
		c.AnalysisRef = &ref
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	if p.FinalPnl != nil {
		v := *p.FinalPnl
		c.FinalPnl = &v
	}
	return &c
}

func cloneTakeProfits(tps []TakeProfit) []TakeProfit {
	if tps == nil {
		return nil
	}
	out := make([]TakeProfit, len(tps))
	for i, tp := range tps {
		tp.Fills = append([]Fill(nil), tp.Fills...)
		out[i] = tp
	}
	return out
}
