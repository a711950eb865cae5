package models

import "time"

// Order types used by the bot.
const (
	OrderTypeMarket           = "MARKET"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Order statuses reported on the user-data stream.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
)

// IncomeRealizedPnl is the income type the cooldown hub polls.
const IncomeRealizedPnl = "REALIZED_PNL"

// Candle is one OHLCV record keyed by symbol, interval and open time.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// BookTicker is the best bid/ask of a symbol.
type BookTicker struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	BidQty float64 `json:"bidQty"`
	Ask    float64 `json:"ask"`
	AskQty float64 `json:"askQty"`
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price.
func (b BookTicker) SpreadPct() float64 {
	mid := (b.Bid + b.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (b.Ask - b.Bid) / mid * 100
}

// MarkTick is the latest mark-price state of a symbol.
type MarkTick struct {
	Symbol          string    `json:"symbol"`
	MarkPrice       float64   `json:"markPrice"`
	IndexPrice      float64   `json:"indexPrice"`
	FundingRate     float64   `json:"fundingRate"`
	NextFundingTime time.Time `json:"nextFundingTime"`
	Time            time.Time `json:"time"`
}

// LiquidationEvent is a normalized force-order record.
type LiquidationEvent struct {
	Symbol string
	Side   string // BUY means shorts were liquidated
	Price  float64
	Qty    float64
	Time   time.Time
}

// LiquidationBucket aggregates liquidations over one minute.
type LiquidationBucket struct {
	Symbol     string    `json:"symbol"`
	Start      time.Time `json:"start"`
	BuysValue  float64   `json:"buysValue"`
	SellsValue float64   `json:"sellsValue"`
	TotalValue float64   `json:"totalValue"`
	Count      int       `json:"count"`
}

// SymbolFilters holds the exchange quantization rules of a symbol.
type SymbolFilters struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// PositionRisk is the live exchange view of a position (one-way mode).
type PositionRisk struct {
	Symbol           string
	PositionAmt      float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedProfit float64
	IsolatedMargin   float64
	Leverage         int
}

// IsFlat reports whether the exchange shows no position.
func (p *PositionRisk) IsFlat() bool {
	return p == nil || p.PositionAmt == 0
}

// OpenOrder is a resting order on the exchange.
type OpenOrder struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          string
	Type          string
	Status        string
	Price         float64
	StopPrice     float64
	OrigQty       float64
	ExecutedQty   float64
	ReduceOnly    bool
	ClosePosition bool
	Time          time.Time
}

// IsStop reports whether the order is a stop-loss order.
func (o OpenOrder) IsStop() bool {
	return o.Type == OrderTypeStopMarket || o.Type == "STOP"
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY / SELL
	Type          string
	Quantity      float64
	StopPrice     float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the exchange acknowledgement of a placed order.
type OrderResult struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Status        string
	AvgPrice      float64
	ExecutedQty   float64
	StopPrice     float64
}

// Income is one income-history record.
type Income struct {
	Symbol     string
	IncomeType string
	Income     float64
	Asset      string
	Time       time.Time
	TranID     int64
}

// OrderFill is the normalized form of an ORDER_TRADE_UPDATE event.
type OrderFill struct {
	OrderID         int64
	ClientOrderID   string
	Symbol          string
	Status          string
	Side            string
	OrderType       string // original order type, e.g. STOP_MARKET
	LastPrice       float64
	LastQty         float64
	CumQty          float64
	AvgPrice        float64
	Commission      float64
	CommissionAsset string
	ReduceOnly      bool
	RealizedProfit  float64
	EventTime       time.Time
}
