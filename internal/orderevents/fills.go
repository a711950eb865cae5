package orderevents

import (
	"context"
	"errors"
	"fmt"
	"math"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/ledger"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/notify"
	"binance-futures-bot/internal/trading"

	"go.uber.org/zap"
)

// closeContext accumulates the realized PnL of a closing position until the exchange
// confirms it flat. It belongs to exactly one ledger position.
type closeContext struct {
	positionID string
	tp         float64
	sl         float64
	leftover   float64
	// tpEvent is the PnL of the take-profit event that triggered the finalize, used when the
	// recorded take-profit fills sum to ~0.
	tpEvent float64
	reason  models.CloseReason
	closed  bool
	// accounted holds the forced-close orders already folded into leftover.
	accounted map[int64]bool
}

func (p *Processor) contextFor(symbol, positionID string, reason models.CloseReason) *closeContext {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	c, ok := p.closing[symbol]
	if !ok || c.closed || c.positionID != positionID {
		c = &closeContext{positionID: positionID, reason: reason, accounted: make(map[int64]bool)}
		p.closing[symbol] = c
	}
	return c
}

// PendingPnl returns the SL and leftover PnL already realized for the position that has
// not been finalized yet.
func (p *Processor) PendingPnl(symbol, positionID string) float64 {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	c, ok := p.closing[symbol]
	if !ok || c.closed || c.positionID != positionID {
		return 0
	}
	return c.sl + c.leftover
}

// DiscardClose forgets the close context of a position the ledger closed elsewhere, e.g.
// by the desync sweep.
func (p *Processor) DiscardClose(symbol, positionID string) {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	if c, ok := p.closing[symbol]; ok && c.positionID == positionID {
		c.closed = true
		delete(p.closing, symbol)
	}
}

func (p *Processor) existingContext(symbol string) *closeContext {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	return p.closing[symbol]
}

func (p *Processor) dropContext(symbol string) {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	delete(p.closing, symbol)
}

func (p *Processor) handleStopFill(ctx context.Context, f models.OrderFill, exec execution) error {
	sym := f.Symbol
	log := p.logger.With(zap.String("symbol", sym), zap.Int64("orderId", f.OrderID))
	pos, err := p.ledger.GetOpenPosition(sym)
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", sym, err)
	}
	if pos == nil {
		log.Warn("止损成交但账本无持仓，清理挂单与残余仓位", zap.Float64("price", exec.price))
		if err := p.ex.CancelAllOpenOrders(ctx, sym); err != nil {
			log.Warn("取消挂单失败", zap.Error(err))
		}
		p.closeLeftover(ctx, sym, log)
		return nil
	}

	if _, err := p.ledger.MarkStopFilled(sym, exec.price); err != nil && !errors.Is(err, ledger.ErrNoOpenPosition) {
		return err
	}
	c := p.contextFor(sym, pos.ID, models.CloseSL)
	c.sl += (exec.price - pos.EntryPrice) * exec.qty * pos.Side.Sign()
	c.reason = models.CloseSL
	log.Info("止损单已成交", zap.Float64("price", exec.price), zap.Float64("qty", exec.qty), zap.Float64("slPnl", c.sl))

	if err := p.ex.CancelAllOpenOrders(ctx, sym); err != nil {
		log.Warn("取消剩余止盈单失败", zap.Error(err))
	}
	if res := p.closeLeftover(ctx, sym, log); res != nil && res.ExecutedQty > 0 && res.AvgPrice > 0 {
		c.leftover += (res.AvgPrice - pos.EntryPrice) * res.ExecutedQty * pos.Side.Sign()
		c.accounted[res.OrderID] = true
	}
	return p.tryFinalize(ctx, sym)
}

// closeLeftover force-closes whatever the exchange still holds for symbol with a
// reduce-only market order. A fill the exchange reports asynchronously comes back through
// the MARKET path.
func (p *Processor) closeLeftover(ctx context.Context, symbol string, log *zap.Logger) *models.OrderResult {
	live, err := exchange.FreshPositionRisk(ctx, p.ex, symbol)
	if err != nil {
		log.Warn("读取交易所仓位失败", zap.Error(err))
		return nil
	}
	if live.IsFlat() {
		return nil
	}
	side := models.Long
	if live.PositionAmt < 0 {
		side = models.Short
	}
	qty := math.Abs(live.PositionAmt)
	log.Warn("交易所仍有残余仓位，市价强平", zap.Float64("positionAmt", live.PositionAmt))
	res, err := p.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          side.ExitOrderSide(),
		Type:          models.OrderTypeMarket,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: trading.NewClientOrderID(trading.TagClose),
	})
	if err != nil {
		log.Error("残余仓位强平失败", zap.Error(err))
		return nil
	}
	return res
}

func (p *Processor) handleTakeProfitFill(ctx context.Context, f models.OrderFill, exec execution) error {
	sym := f.Symbol
	log := p.logger.With(zap.String("symbol", sym), zap.Int64("orderId", f.OrderID))
	pos, res, err := p.ledger.RecordTakeProfitFill(sym, ledger.TPFill{
		OrderID:        f.OrderID,
		Price:          exec.price,
		Qty:            exec.qty,
		CumQty:         f.CumQty,
		Fee:            f.Commission,
		FeeAsset:       f.CommissionAsset,
		Time:           f.EventTime,
		FallbackMaxPct: p.opts.TPFallbackMaxPct,
	})
	switch {
	case errors.Is(err, ledger.ErrNoOpenPosition):
		log.Warn("止盈成交但账本无持仓", zap.Float64("price", exec.price))
		return nil
	case errors.Is(err, ledger.ErrNoTakeProfitMatch):
		log.Warn("止盈成交无法匹配任何档位", zap.Float64("price", exec.price), zap.Float64("qty", exec.qty))
		return p.finalizeIfFlat(ctx, sym, f, exec, false)
	case err != nil:
		return err
	}
	if res.Duplicate {
		log.Debug("重复的止盈成交", zap.Int("level", res.Index))
		return nil
	}
	log.Info("止盈档位成交",
		zap.Int("level", res.Index),
		zap.Float64("price", exec.price),
		zap.Float64("qty", exec.qty),
		zap.Float64("cum", res.Level.Cum),
		zap.Bool("allFilled", res.AllFilled))

	if res.FirstFill && len(pos.TakeProfits) >= 2 && !res.AllFilled && !p.trailing(sym) {
		p.moveStopToBreakEven(ctx, pos, log)
	}

	if res.AllFilled {
		c := p.contextFor(sym, pos.ID, models.CloseTP)
		c.reason = models.CloseTP
		c.tpEvent = p.marketPnl(sym, f.RealizedProfit, exec)
		return p.tryFinalize(ctx, sym)
	}
	return p.finalizeIfFlat(ctx, sym, f, exec, true)
}

// finalizeIfFlat closes the position as TP when the exchange is already flat even though
// not every level reported a fill. A fill the ledger could not attribute to a level is
// counted as leftover PnL.
func (p *Processor) finalizeIfFlat(ctx context.Context, sym string, f models.OrderFill, exec execution, recorded bool) error {
	live, err := exchange.FreshPositionRisk(ctx, p.ex, sym)
	if err != nil || !live.IsFlat() {
		return nil
	}
	pos, err := p.ledger.GetOpenPosition(sym)
	if err != nil || pos == nil {
		return err
	}
	c := p.contextFor(sym, pos.ID, models.CloseTP)
	c.reason = models.CloseTP
	if recorded {
		c.tpEvent = p.marketPnl(sym, f.RealizedProfit, exec)
	} else {
		c.leftover += p.marketPnl(sym, f.RealizedProfit, exec)
	}
	return p.tryFinalize(ctx, sym)
}

func (p *Processor) trailing(symbol string) bool {
	return p.opts.TrailingEnabled != nil && p.opts.TrailingEnabled(symbol)
}

// moveStopToBreakEven replaces the stop with one at the entry price for the remaining
// exchange quantity.
func (p *Processor) moveStopToBreakEven(ctx context.Context, pos *models.Position, log *zap.Logger) {
	sym := pos.Symbol
	live, err := exchange.FreshPositionRisk(ctx, p.ex, sym)
	if err != nil || live.IsFlat() {
		return
	}
	filters, err := p.ex.GetSymbolFilters(ctx, sym)
	if err != nil {
		log.Warn("读取交易规则失败，保本止损未设置", zap.Error(err))
		return
	}
	if _, err := exchange.CancelStopOrders(ctx, p.ex, sym); err != nil {
		log.Warn("取消原止损单失败", zap.Error(err))
	}
	price := exchange.AdjustPrice(pos.EntryPrice, filters)
	qty := exchange.AdjustQuantity(math.Abs(live.PositionAmt), 0, &models.SymbolFilters{StepSize: filters.StepSize})
	id, err := trading.PlaceStop(ctx, p.ex, sym, pos.Side, qty, price)
	if err != nil {
		log.Error("保本止损下单失败", zap.Float64("price", price), zap.Error(err))
		return
	}
	if _, err := p.ledger.UpdateStop(sym, price, id, "break_even"); err != nil {
		log.Warn("记录保本止损失败", zap.Error(err))
		return
	}
	log.Info("首档止盈成交，止损移至保本", zap.Float64("stop", price), zap.Float64("qty", qty))
}

func (p *Processor) handleMarketFill(ctx context.Context, f models.OrderFill, exec execution) error {
	sym := f.Symbol
	pnl := f.RealizedProfit

	pos, err := p.ledger.GetOpenPosition(sym)
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", sym, err)
	}
	if c := p.existingContext(sym); c != nil && !c.closed {
		if pos != nil && pos.ID == c.positionID {
			if !c.accounted[f.OrderID] {
				c.leftover += p.marketPnl(sym, pnl, exec)
			}
			return p.tryFinalize(ctx, sym)
		}
		// 上一仓位已在别处结算
		p.dropContext(sym)
	}

	if pos == nil || (f.Side != pos.Side.ExitOrderSide() && !f.ReduceOnly) {
		// 开仓、加仓或无关成交
		return nil
	}
	reason := pos.PendingClose
	if reason == "" {
		reason = models.CloseManual
	}
	c := p.contextFor(sym, pos.ID, reason)
	c.leftover += p.marketPnl(sym, pnl, exec)
	p.logger.Info("平仓市价单成交",
		zap.String("symbol", sym),
		zap.String("reason", string(reason)),
		zap.Float64("price", exec.price),
		zap.Float64("qty", exec.qty))
	return p.tryFinalize(ctx, sym)
}

// marketPnl prefers the exchange-reported realized PnL and derives it from the ledger entry
// otherwise.
func (p *Processor) marketPnl(sym string, realized float64, exec execution) float64 {
	if realized != 0 {
		return realized
	}
	pos, _ := p.ledger.GetOpenPosition(sym)
	if pos == nil {
		return 0
	}
	return (exec.price - pos.EntryPrice) * exec.qty * pos.Side.Sign()
}

const pnlEpsilon = 1e-9

// tryFinalize closes the ledger position once the exchange reports exactly zero.
func (p *Processor) tryFinalize(ctx context.Context, sym string) error {
	c := p.existingContext(sym)
	if c == nil || c.closed {
		return nil
	}
	live, err := exchange.FreshPositionRisk(ctx, p.ex, sym)
	if err != nil {
		return fmt.Errorf("fresh position %s: %w", sym, err)
	}
	if live.PositionAmt != 0 {
		p.logger.Debug("交易所仍有持仓，暂不结算", zap.String("symbol", sym), zap.Float64("positionAmt", live.PositionAmt))
		return nil
	}

	pos, err := p.ledger.GetOpenPosition(sym)
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", sym, err)
	}
	if pos == nil || pos.ID != c.positionID {
		p.dropContext(sym)
		return nil
	}
	tp := 0.0
	for _, l := range pos.TakeProfits {
		if len(l.Fills) > 0 {
			tp = ledger.TakeProfitPnl(pos)
			break
		}
	}
	if c.reason == models.CloseTP && math.Abs(tp) < pnlEpsilon {
		tp = c.tpEvent
	}
	c.tp = tp
	total := c.tp + c.sl + c.leftover

	closed, err := p.ledger.ClosePositionHistory(sym, total, c.reason)
	if errors.Is(err, ledger.ErrNoOpenPosition) {
		c.closed = true
		p.dropContext(sym)
		return nil
	}
	if err != nil {
		return err
	}
	c.closed = true
	p.dropContext(sym)

	if err := p.ex.CancelAllOpenOrders(ctx, sym); err != nil {
		p.logger.Warn("平仓后取消挂单失败", zap.String("symbol", sym), zap.Error(err))
	}
	p.logger.Sugar().Infof("仓位结算完成 %s %s pnl=%.8f (tp=%.8f sl=%.8f leftover=%.8f)",
		sym, c.reason, *closed.FinalPnl, c.tp, c.sl, c.leftover)
	if p.notifier != nil {
		p.notifier.NotifyTrade(ctx, closed, notify.ActionClosed)
	}
	if p.cooldown != nil {
		p.cooldown.Record(sym, p.now())
	}
	return nil
}
