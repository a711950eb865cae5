package trading

import (
	"context"
	"errors"
	"fmt"
	"math"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrEntryFailed means the entry market order was not accepted; nothing else was placed.
	ErrEntryFailed = errors.New("trading: entry order failed")
	// ErrQuantityTooSmall means the quantity quantized to zero under the symbol filters.
	ErrQuantityTooSmall = errors.New("trading: quantity below exchange minimum")
)

// realignThreshold is the relative slippage of the average fill that triggers re-placing
// the stop and take-profit orders.
const realignThreshold = 0.0005

// Client order id prefixes: e=entry s=stop t=take profit a=add c=close.
const (
	TagEntry = "e"
	TagStop  = "s"
	TagTP    = "t"
	TagAdd   = "a"
	TagClose = "c"
)

// NewClientOrderID returns a compact unique client order id carrying tag.
func NewClientOrderID(tag string) string {
	id := uuid.New()
	return "fb" + tag + base62.EncodeToString(id[:])
}

// Executor turns a prepared plan into exchange orders.
type Executor struct {
	ex     exchange.Exchange
	logger *zap.Logger
}

func NewExecutor(ex exchange.Exchange, logger *zap.Logger) *Executor {
	return &Executor{ex: ex, logger: logger.Named("executor")}
}

// Execute opens the position of plan at market and protects it with a stop and the
// take-profit grid. currentPrice is the fresh mark price the entry was decided on.
// The returned position is not yet stored in the ledger.
func (e *Executor) Execute(ctx context.Context, plan *Plan, currentPrice float64) (*models.Position, error) {
	sym := plan.Symbol
	log := e.logger.With(zap.String("symbol", sym), zap.String("side", string(plan.Side)))

	if err := e.ex.SetLeverage(ctx, sym, plan.Leverage); err != nil {
		log.Warn("设置杠杆失败，继续使用交易所当前杠杆", zap.Int("leverage", plan.Leverage), zap.Error(err))
	}

	filters, err := e.ex.GetSymbolFilters(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("get filters %s: %w", sym, err)
	}
	qty := exchange.AdjustQuantity(plan.Qty, plan.Entry, filters)
	if qty <= 0 {
		return nil, fmt.Errorf("%w: %s qty %.8f step %v min %v", ErrQuantityTooSmall, sym, plan.Qty, filters.StepSize, filters.MinQty)
	}

	// 清理上一次失败尝试遗留的挂单
	if err := e.ex.CancelAllOpenOrders(ctx, sym); err != nil {
		log.Warn("取消遗留挂单失败", zap.Error(err))
	}

	res, err := e.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        sym,
		Side:          plan.Side.EntryOrderSide(),
		Type:          models.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: NewClientOrderID(TagEntry),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEntryFailed, sym, err)
	}
	entry := plan.Entry
	if res.AvgPrice > 0 {
		entry = res.AvgPrice
	}
	if res.ExecutedQty > 0 {
		qty = res.ExecutedQty
	}
	log.Info("开仓市价单已成交", zap.Int64("orderId", res.OrderID), zap.Float64("avgPrice", entry), zap.Float64("qty", qty))

	stop := e.chooseStop(plan, currentPrice, log)
	pos := &models.Position{
		Symbol:      sym,
		Side:        plan.Side,
		EntryPrice:  entry,
		Qty:         qty,
		Size:        qty * entry,
		Leverage:    plan.Leverage,
		TakeProfits: cloneLevels(plan.TakeProfits),
		Meta: models.PositionMeta{
			Leverage:   plan.Leverage,
			RiskPct:    plan.RiskPct,
			Strategy:   plan.Strategy,
			BaseMargin: plan.BaseMargin,
		},
	}
	e.placeProtection(ctx, pos, stop, filters, log)

	// 滑点校正: 按实际均价重新推导止损止盈，保持原百分比距离
	live, err := exchange.FreshPositionRisk(ctx, e.ex, sym)
	if err != nil {
		log.Warn("读取实际持仓失败，跳过滑点校正", zap.Error(err))
		return pos, nil
	}
	if live.IsFlat() {
		log.Warn("开仓后交易所未显示持仓")
		return pos, nil
	}
	pos.Qty = math.Abs(live.PositionAmt)
	pos.Size = pos.Qty * live.EntryPrice
	if live.EntryPrice > 0 && math.Abs(live.EntryPrice-plan.Entry)/plan.Entry > realignThreshold {
		log.Info("成交均价偏离计划入场价，重新挂止损止盈",
			zap.Float64("planned", plan.Entry), zap.Float64("actual", live.EntryPrice))
		if err := e.ex.CancelAllOpenOrders(ctx, sym); err != nil {
			log.Warn("取消保护单失败", zap.Error(err))
		}
		ratio := live.EntryPrice / plan.Entry
		if stop > 0 {
			stop *= ratio
		}
		for i := range pos.TakeProfits {
			pos.TakeProfits[i].Price *= ratio
			pos.TakeProfits[i].OrderID = 0
		}
		pos.StopPrice, pos.StopOrderID = 0, 0
		e.placeProtection(ctx, pos, stop, filters, log)
	}
	pos.EntryPrice = live.EntryPrice
	pos.InitialStopPrice = pos.StopPrice
	return pos, nil
}

// chooseStop returns the configured stop when it is finite and on the protective side of
// both the planned entry and the current price, otherwise the default stop under the same
// rule, otherwise 0 (no stop).
func (e *Executor) chooseStop(plan *Plan, currentPrice float64, log *zap.Logger) float64 {
	valid := func(stop float64) bool {
		if !isFinite(stop) || stop <= 0 {
			return false
		}
		ok := stopProtects(plan.Side, stop, plan.Entry)
		if currentPrice > 0 {
			ok = ok && stopProtects(plan.Side, stop, currentPrice)
		}
		return ok
	}
	if valid(plan.StopPrice) {
		return plan.StopPrice
	}
	if valid(plan.DefaultStop) {
		log.Warn("止损价无效，使用默认止损", zap.Float64("configured", plan.StopPrice), zap.Float64("default", plan.DefaultStop))
		return plan.DefaultStop
	}
	log.Error("止损价与默认止损均无效，未挂止损", zap.Float64("configured", plan.StopPrice), zap.Float64("default", plan.DefaultStop))
	return 0
}

// stopProtects reports whether stop sits on the losing side of ref for side.
func stopProtects(side models.Side, stop, ref float64) bool {
	if side == models.Long {
		return stop < ref
	}
	return stop > ref
}

// placeProtection places the stop (when > 0) and every take-profit level of pos, writing
// the resulting prices and order ids back into pos.
func (e *Executor) placeProtection(ctx context.Context, pos *models.Position, stop float64, filters *models.SymbolFilters, log *zap.Logger) {
	if stop > 0 {
		price := exchange.AdjustPrice(stop, filters)
		id, err := PlaceStop(ctx, e.ex, pos.Symbol, pos.Side, pos.Qty, price)
		if err != nil {
			log.Error("止损单下单失败", zap.Float64("stop", price), zap.Error(err))
		} else {
			pos.StopPrice, pos.StopOrderID = price, id
		}
	}

	for i, q := range AllocateTakeProfits(pos.Qty, pos.TakeProfits, filters) {
		tp := &pos.TakeProfits[i]
		if q <= 0 {
			continue
		}
		tp.Price = exchange.AdjustPrice(tp.Price, filters)
		res, err := e.ex.PlaceOrder(ctx, models.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          pos.Side.ExitOrderSide(),
			Type:          models.OrderTypeTakeProfitMarket,
			Quantity:      q,
			StopPrice:     tp.Price,
			ReduceOnly:    true,
			ClientOrderID: NewClientOrderID(TagTP),
		})
		if err != nil {
			log.Error("止盈单下单失败", zap.Int("level", i), zap.Float64("price", tp.Price), zap.Error(err))
			continue
		}
		tp.OrderID = res.OrderID
	}
}

// PlaceStop places a reduce-only stop-market order closing qty of the position.
func PlaceStop(ctx context.Context, ex exchange.Exchange, symbol string, side models.Side, qty, stopPrice float64) (int64, error) {
	res, err := ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          side.ExitOrderSide(),
		Type:          models.OrderTypeStopMarket,
		Quantity:      qty,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClientOrderID: NewClientOrderID(TagStop),
	})
	if err != nil {
		return 0, err
	}
	return res.OrderID, nil
}

// AllocateTakeProfits splits total across levels by sizePct, flooring each to the step.
// The last level takes the remainder so the allocation never exceeds total.
func AllocateTakeProfits(total float64, tps []models.TakeProfit, filters *models.SymbolFilters) []float64 {
	out := make([]float64, len(tps))
	if len(tps) == 0 || total <= 0 {
		return out
	}
	var step *models.SymbolFilters
	if filters != nil {
		// 各档只按步长取整，最小下单量由交易所校验
		step = &models.SymbolFilters{StepSize: filters.StepSize}
	}
	totalDec := decimal.NewFromFloat(total)
	allocated := decimal.Zero
	for i := 0; i < len(tps)-1; i++ {
		q := exchange.AdjustQuantity(total*tps[i].SizePct/100, 0, step)
		qd := decimal.NewFromFloat(q)
		if allocated.Add(qd).GreaterThan(totalDec) {
			continue
		}
		out[i] = q
		allocated = allocated.Add(qd)
	}
	rest, _ := totalDec.Sub(allocated).Float64()
	out[len(tps)-1] = exchange.AdjustQuantity(rest, 0, step)
	return out
}

func cloneLevels(tps []models.TakeProfit) []models.TakeProfit {
	out := make([]models.TakeProfit, len(tps))
	copy(out, tps)
	return out
}
