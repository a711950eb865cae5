package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"binance-futures-bot/internal/models"

	"go.uber.org/zap"
)

type simPosition struct {
	amt      float64 // signed, positive for long
	entry    float64
	leverage int
}

// SimExchange 在内存中模拟 U 本位合约交易所：市价单立即按标记价格(含滑点)成交，
// 止损/止盈条件单在 SetMarkPrice 推动价格穿越触发价时成交。每次成交都会像用户数据流
// 一样推送一条 OrderFill 事件，用于 dry-run 模式和测试。
type SimExchange struct {
	mu sync.Mutex

	tickSize float64
	stepSize float64
	minQty   float64
	takerFee float64
	slippage float64

	marks     map[string]models.MarkTick
	positions map[string]*simPosition
	leverage  map[string]int
	orders    map[int64]*models.OpenOrder
	orderSeq  int64
	income    []models.Income
	klines    map[string][]models.Candle
	books     map[string]models.BookTicker
	failures  map[string]error
	calls     map[string]int

	events chan models.OrderFill
	now    func() time.Time
	logger *zap.Logger
}

// NewSimExchange creates a simulator with the given quantization and cost parameters.
func NewSimExchange(cfg models.SimConfig, logger *zap.Logger) *SimExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	tick, step := cfg.TickSize, cfg.StepSize
	if tick <= 0 {
		tick = 0.01
	}
	if step <= 0 {
		step = 0.001
	}
	return &SimExchange{
		tickSize:  tick,
		stepSize:  step,
		minQty:    cfg.MinQty,
		takerFee:  cfg.TakerFeeRate,
		slippage:  cfg.SlippageRate,
		marks:     make(map[string]models.MarkTick),
		positions: make(map[string]*simPosition),
		leverage:  make(map[string]int),
		orders:    make(map[int64]*models.OpenOrder),
		orderSeq:  1000,
		klines:    make(map[string][]models.Candle),
		books:     make(map[string]models.BookTicker),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
		events:    make(chan models.OrderFill, 4096),
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the simulator's time source.
func (e *SimExchange) WithClock(now func() time.Time) *SimExchange {
	e.now = now
	return e
}

// Events is the simulated user-data stream.
func (e *SimExchange) Events() <-chan models.OrderFill {
	return e.events
}

// SetSlippage changes the slippage rate applied to market fills.
func (e *SimExchange) SetSlippage(rate float64) {
	e.mu.Lock()
	e.slippage = rate
	e.mu.Unlock()
}

// FailNext makes the next call of op ("PlaceOrder", "GetPositionRisk", ...) return err.
func (e *SimExchange) FailNext(op string, err error) {
	e.mu.Lock()
	e.failures[op] = err
	e.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (e *SimExchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// SetPosition overwrites the simulated position of symbol.
func (e *SimExchange) SetPosition(symbol string, amt, entry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amt == 0 {
		delete(e.positions, symbol)
		return
	}
	e.positions[symbol] = &simPosition{amt: amt, entry: entry, leverage: e.leverageFor(symbol)}
}

// SetKlines stores candle history served by GetKlines.
func (e *SimExchange) SetKlines(symbol, interval string, candles []models.Candle) {
	e.mu.Lock()
	e.klines[symbol+"@"+interval] = candles
	e.mu.Unlock()
}

// SetBook stores the book ticker served by GetBookTicker.
func (e *SimExchange) SetBook(book models.BookTicker) {
	e.mu.Lock()
	e.books[book.Symbol] = book
	e.mu.Unlock()
}

// SetMarkPrice moves the mark price and fills every conditional order it crosses.
func (e *SimExchange) SetMarkPrice(symbol string, price float64) {
	e.mu.Lock()
	e.marks[symbol] = models.MarkTick{Symbol: symbol, MarkPrice: price, IndexPrice: price, Time: e.now()}

	var ids []int64
	for id, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.OrderStatusNew {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fills []models.OrderFill
	for _, id := range ids {
		o := e.orders[id]
		if !triggered(o, price) {
			continue
		}
		if f, ok := e.fillLocked(o, o.StopPrice); ok {
			fills = append(fills, f)
		}
	}
	e.mu.Unlock()
	e.emit(fills)
}

func triggered(o *models.OpenOrder, price float64) bool {
	switch o.Type {
	case models.OrderTypeStopMarket:
		if o.Side == "SELL" {
			return price <= o.StopPrice
		}
		return price >= o.StopPrice
	case models.OrderTypeTakeProfitMarket:
		if o.Side == "SELL" {
			return price >= o.StopPrice
		}
		return price <= o.StopPrice
	}
	return false
}

// fillLocked executes o at basePrice. Must be called with the lock held.
func (e *SimExchange) fillLocked(o *models.OpenOrder, basePrice float64) (models.OrderFill, bool) {
	pos := e.positions[o.Symbol]
	qty := o.OrigQty
	if o.ReduceOnly || o.ClosePosition {
		if pos == nil || pos.amt == 0 || sideOf(pos.amt) == o.Side {
			o.Status = models.OrderStatusExpired
			return models.OrderFill{}, false
		}
		if o.ClosePosition || qty > math.Abs(pos.amt) {
			qty = math.Abs(pos.amt)
		}
	}

	price := basePrice
	if o.Side == "BUY" {
		price *= 1 + e.slippage
	} else {
		price *= 1 - e.slippage
	}
	fee := price * qty * e.takerFee

	realized := e.applyFillLocked(o.Symbol, o.Side, qty, price)
	if realized != 0 {
		e.income = append(e.income, models.Income{
			Symbol:     o.Symbol,
			IncomeType: models.IncomeRealizedPnl,
			Income:     realized,
			Asset:      "USDT",
			Time:       e.now(),
			TranID:     int64(len(e.income) + 1),
		})
	}

	o.Status = models.OrderStatusFilled
	o.ExecutedQty = qty
	return models.OrderFill{
		OrderID:         o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Status:          models.OrderStatusFilled,
		Side:            o.Side,
		OrderType:       o.Type,
		LastPrice:       price,
		LastQty:         qty,
		CumQty:          qty,
		AvgPrice:        price,
		Commission:      fee,
		CommissionAsset: "USDT",
		ReduceOnly:      o.ReduceOnly,
		RealizedProfit:  realized,
		EventTime:       e.now(),
	}, true
}

// applyFillLocked updates the position and returns the realized PnL of the reduced part.
func (e *SimExchange) applyFillLocked(symbol, side string, qty, price float64) float64 {
	signed := qty
	if side == "SELL" {
		signed = -qty
	}
	pos := e.positions[symbol]
	if pos == nil || pos.amt == 0 {
		e.positions[symbol] = &simPosition{amt: signed, entry: price, leverage: e.leverageFor(symbol)}
		return 0
	}
	if sideOf(pos.amt) == side {
		total := math.Abs(pos.amt) + qty
		pos.entry = (pos.entry*math.Abs(pos.amt) + price*qty) / total
		pos.amt += signed
		return 0
	}

	closing := math.Min(qty, math.Abs(pos.amt))
	dir := 1.0
	if pos.amt < 0 {
		dir = -1
	}
	realized := (price - pos.entry) * closing * dir
	pos.amt += signed
	if math.Abs(pos.amt) < 1e-12 {
		delete(e.positions, symbol)
	} else if sideOf(pos.amt) == side {
		pos.entry = price
	}
	return realized
}

func sideOf(amt float64) string {
	if amt > 0 {
		return "BUY"
	}
	return "SELL"
}

func (e *SimExchange) leverageFor(symbol string) int {
	if l := e.leverage[symbol]; l > 0 {
		return l
	}
	return 1
}

func (e *SimExchange) emit(fills []models.OrderFill) {
	for _, f := range fills {
		select {
		case e.events <- f:
		default:
			e.logger.Warn("simulated user stream full, dropping fill", zap.Int64("orderId", f.OrderID))
		}
	}
}

// enter counts op and returns a queued failure for it, if any.
func (e *SimExchange) enter(op string) error {
	e.calls[op]++
	if err, ok := e.failures[op]; ok {
		delete(e.failures, op)
		return err
	}
	return nil
}

func (e *SimExchange) GetMarkPrice(ctx context.Context, symbol string) (models.MarkTick, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetMarkPrice"); err != nil {
		return models.MarkTick{}, err
	}
	m, ok := e.marks[symbol]
	if !ok {
		return models.MarkTick{}, fmt.Errorf("%w: mark price for %s", ErrNotFound, symbol)
	}
	return m, nil
}

func (e *SimExchange) GetPositionRisk(ctx context.Context, symbol string) (*models.PositionRisk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetPositionRisk"); err != nil {
		return nil, err
	}
	risk := &models.PositionRisk{Symbol: symbol, Leverage: e.leverageFor(symbol)}
	pos := e.positions[symbol]
	if pos == nil {
		return risk, nil
	}
	mark := e.marks[symbol].MarkPrice
	if mark == 0 {
		mark = pos.entry
	}
	risk.PositionAmt = pos.amt
	risk.EntryPrice = pos.entry
	risk.MarkPrice = mark
	risk.UnrealizedProfit = (mark - pos.entry) * pos.amt
	risk.IsolatedMargin = math.Abs(pos.amt) * pos.entry / float64(pos.leverage)
	risk.Leverage = pos.leverage
	return risk, nil
}

func (e *SimExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOpenOrders"); err != nil {
		return nil, err
	}
	out := make([]models.OpenOrder, 0)
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.OrderStatusNew {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (e *SimExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	e.mu.Lock()
	if err := e.enter("PlaceOrder"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if req.Quantity <= 0 {
		e.mu.Unlock()
		return nil, &models.Error{Code: -4003, Msg: "Quantity less than or equal to zero."}
	}

	e.orderSeq++
	o := &models.OpenOrder{
		Symbol:        req.Symbol,
		OrderID:       e.orderSeq,
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderStatusNew,
		StopPrice:     req.StopPrice,
		OrigQty:       req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		Time:          e.now(),
	}
	e.orders[o.OrderID] = o

	res := &models.OrderResult{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		StopPrice:     o.StopPrice,
	}

	var fills []models.OrderFill
	if req.Type == models.OrderTypeMarket {
		mark, ok := e.marks[req.Symbol]
		if !ok {
			delete(e.orders, o.OrderID)
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: no mark price for %s", ErrNotFound, req.Symbol)
		}
		f, filled := e.fillLocked(o, mark.MarkPrice)
		if filled {
			fills = append(fills, f)
			res.AvgPrice = f.AvgPrice
			res.ExecutedQty = f.LastQty
		}
		res.Status = o.Status
	}
	e.mu.Unlock()
	e.emit(fills)
	return res, nil
}

func (e *SimExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CancelOrder"); err != nil {
		return err
	}
	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol || o.Status != models.OrderStatusNew {
		return fmt.Errorf("%w: order %d", ErrNotFound, orderID)
	}
	o.Status = models.OrderStatusCanceled
	return nil
}

func (e *SimExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CancelAllOpenOrders"); err != nil {
		return err
	}
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.OrderStatusNew {
			o.Status = models.OrderStatusCanceled
		}
	}
	return nil
}

func (e *SimExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("SetLeverage"); err != nil {
		return err
	}
	e.leverage[symbol] = leverage
	if pos := e.positions[symbol]; pos != nil {
		pos.leverage = leverage
	}
	return nil
}

// GetSymbolFilters 为模拟盘提供固定的交易规则，避免网络调用
func (e *SimExchange) GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetSymbolFilters"); err != nil {
		return nil, err
	}
	return &models.SymbolFilters{
		Symbol:   symbol,
		TickSize: e.tickSize,
		StepSize: e.stepSize,
		MinQty:   e.minQty,
	}, nil
}

func (e *SimExchange) GetBookTicker(ctx context.Context, symbol string) (models.BookTicker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[symbol]; ok {
		return b, nil
	}
	m, ok := e.marks[symbol]
	if !ok {
		return models.BookTicker{}, fmt.Errorf("%w: book for %s", ErrNotFound, symbol)
	}
	return models.BookTicker{Symbol: symbol, Bid: m.MarkPrice - e.tickSize, Ask: m.MarkPrice + e.tickSize}, nil
}

func (e *SimExchange) GetIncome(ctx context.Context, symbol, incomeType string, since time.Time) ([]models.Income, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetIncome"); err != nil {
		return nil, err
	}
	var out []models.Income
	for _, in := range e.income {
		if in.Symbol == symbol && in.IncomeType == incomeType && !in.Time.Before(since) {
			out = append(out, in)
		}
	}
	return out, nil
}

func (e *SimExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.klines[symbol+"@"+interval]
	if !ok {
		return nil, fmt.Errorf("%w: klines %s %s", ErrNotFound, symbol, interval)
	}
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]models.Candle(nil), c...), nil
}

func (e *SimExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	return e.now(), nil
}
