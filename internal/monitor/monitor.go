package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/ledger"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/trading"

	"go.uber.org/zap"
)

// Monitor manages open positions between order events: opposite-signal exits, DCA adds
// and the trailing stop.
type Monitor struct {
	ledger    *ledger.Ledger
	ex        exchange.Exchange
	snapshots trading.SnapshotReader
	prices    trading.PriceSource
	roiSource string
	logger    *zap.Logger

	locks sync.Map // symbol -> *sync.Mutex
}

func New(l *ledger.Ledger, ex exchange.Exchange, snapshots trading.SnapshotReader, prices trading.PriceSource,
	roiSource string, logger *zap.Logger) *Monitor {
	if roiSource == "" {
		roiSource = ROIAuto
	}
	return &Monitor{
		ledger:    l,
		ex:        ex,
		snapshots: snapshots,
		prices:    prices,
		roiSource: roiSource,
		logger:    logger.Named("monitor"),
	}
}

func (m *Monitor) lockFor(symbol string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(symbol, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Tick runs one monitoring pass for strat.Symbol. It does nothing unless the ledger has an
// OPEN position, the exchange shows a live position and a fresh mark price is available.
func (m *Monitor) Tick(ctx context.Context, strat models.StrategyConfig) error {
	sym := strat.Symbol
	mu := m.lockFor(sym)
	if !mu.TryLock() {
		return nil
	}
	defer mu.Unlock()

	pos, err := m.ledger.GetOpenPosition(sym)
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", sym, err)
	}
	if pos == nil {
		return nil
	}
	live, err := exchange.FreshPositionRisk(ctx, m.ex, sym)
	if err != nil {
		return fmt.Errorf("fresh position %s: %w", sym, err)
	}
	if live.IsFlat() {
		m.logger.Debug("账本有持仓但交易所无仓位，等待对账", zap.String("symbol", sym))
		return nil
	}
	price, err := m.prices.Price(ctx, sym)
	if err != nil || price <= 0 {
		m.logger.Debug("无最新标记价格，跳过本轮", zap.String("symbol", sym), zap.Error(err))
		return nil
	}
	log := m.logger.With(zap.String("symbol", sym), zap.String("side", string(pos.Side)))

	if n := strat.Exits.OppositeCountExit; n > 0 {
		exited, err := m.exitOnOpposite(ctx, pos, live, price, n, log)
		if err != nil {
			return err
		}
		if exited {
			return nil
		}
	}

	if strat.Sizing.MaxAdds > 0 {
		updated, err := m.maybeAdd(ctx, pos, price, strat, log)
		if err != nil {
			log.Error("加仓失败", zap.Error(err))
		} else if updated != nil {
			pos = updated
		}
	}

	if strat.Exits.Trailing.Enabled && pos.EntryPrice > 0 {
		if err := m.maybeTrail(ctx, pos, price, strat.Exits.Trailing, log); err != nil {
			log.Error("移动止损失败", zap.Error(err))
		}
	}
	return nil
}

func leverageOf(pos *models.Position) int {
	if pos.Leverage > 0 {
		return pos.Leverage
	}
	return pos.Meta.Leverage
}

// exitOnOpposite market-closes the position when the last n snapshots all oppose it. The
// close itself is finalized by the order event processor when the fill arrives.
func (m *Monitor) exitOnOpposite(ctx context.Context, pos *models.Position, live *models.PositionRisk, price float64, n int, log *zap.Logger) (bool, error) {
	snaps, err := m.snapshots.LastSnapshots(ctx, pos.Symbol, n)
	if err != nil {
		return false, fmt.Errorf("read snapshots %s: %w", pos.Symbol, err)
	}
	if len(snaps) < n {
		return false, nil
	}
	opposite := pos.Side.Opposite()
	for _, s := range snaps {
		if s.Bias != opposite {
			return false, nil
		}
	}

	log.Info("连续反向信号，市价平仓", zap.Int("count", n), zap.Float64("price", price))
	if _, err := exchange.CancelStopOrders(ctx, m.ex, pos.Symbol); err != nil {
		log.Warn("取消止损单失败", zap.Error(err))
	}
	if _, err := m.ledger.MarkPendingClose(pos.Symbol, models.CloseExitOpposite, price); err != nil {
		return false, err
	}
	_, err = m.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.ExitOrderSide(),
		Type:          models.OrderTypeMarket,
		Quantity:      math.Abs(live.PositionAmt),
		ReduceOnly:    true,
		ClientOrderID: trading.NewClientOrderID(trading.TagClose),
	})
	if err != nil {
		return false, fmt.Errorf("opposite exit %s: %w", pos.Symbol, err)
	}
	return true, nil
}

// maybeAdd opens a DCA add when the position is down at least addOnAdverseMovePct ROI and
// the add budget is not used up. It returns the refreshed ledger copy after an add.
func (m *Monitor) maybeAdd(ctx context.Context, pos *models.Position, price float64, strat models.StrategyConfig, log *zap.Logger) (*models.Position, error) {
	sizing := strat.Sizing
	if len(pos.Adds) >= sizing.MaxAdds || sizing.AddOnAdverseMovePct <= 0 {
		return nil, nil
	}
	live, err := exchange.FreshPositionRisk(ctx, m.ex, pos.Symbol)
	if err != nil || live.IsFlat() {
		return nil, err
	}
	lev := leverageOf(pos)
	roi := ROIPercent(live, pos.EntryPrice, price, pos.Side, lev, m.roiSource)
	if roi > -sizing.AddOnAdverseMovePct {
		return nil, nil
	}

	baseMargin := pos.Meta.BaseMargin
	if baseMargin <= 0 && lev > 0 {
		baseMargin = pos.EntryPrice * pos.Qty / float64(lev)
	}
	mult := sizing.AddMultiplier
	if mult <= 0 {
		mult = 1
	}
	notional := baseMargin * mult * float64(lev)
	filters, err := m.ex.GetSymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	qty := exchange.AdjustQuantity(notional/price, price, filters)
	if qty <= 0 {
		log.Warn("加仓数量低于交易所最小值", zap.Float64("notional", notional))
		return nil, nil
	}

	res, err := m.ex.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.EntryOrderSide(),
		Type:          models.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: trading.NewClientOrderID(trading.TagAdd),
	})
	if err != nil {
		return nil, fmt.Errorf("add order %s: %w", pos.Symbol, err)
	}
	fillPrice, fillQty := price, qty
	if res.AvgPrice > 0 {
		fillPrice = res.AvgPrice
	}
	if res.ExecutedQty > 0 {
		fillQty = res.ExecutedQty
	}
	updated, err := m.ledger.RecordAdd(pos.Symbol, models.PositionAdd{
		Price:   fillPrice,
		Qty:     fillQty,
		Size:    fillPrice * fillQty,
		ROI:     roi,
		OrderID: res.OrderID,
	})
	if err != nil {
		return nil, err
	}
	log.Info("亏损加仓已成交",
		zap.Float64("roi", roi),
		zap.Float64("price", fillPrice),
		zap.Float64("qty", fillQty),
		zap.Int("adds", len(updated.Adds)))

	if updated.StopPrice > 0 {
		if err := m.replaceStop(ctx, updated, updated.StopPrice, "add"); err != nil {
			log.Warn("加仓后刷新止损失败", zap.Error(err))
		}
	}
	return m.ledger.GetOpenPosition(pos.Symbol)
}

// maybeTrail advances the trailing state and tightens the stop when the target improves it.
func (m *Monitor) maybeTrail(ctx context.Context, pos *models.Position, price float64, cfg models.TrailingConfig, log *zap.Logger) error {
	live, err := exchange.FreshPositionRisk(ctx, m.ex, pos.Symbol)
	if err != nil || live.IsFlat() {
		return err
	}
	lev := leverageOf(pos)
	roi := ROIPercent(live, pos.EntryPrice, price, pos.Side, lev, m.roiSource)
	next, changed := NextTrailing(pos.Trailing, roi, cfg)
	if !next.Active {
		return nil
	}

	filters, err := m.ex.GetSymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	target := exchange.AdjustPrice(PriceForROI(pos.EntryPrice, pos.Side, lev, next.StopROI), filters)
	if improves(pos.Side, target, pos.StopPrice) && protective(pos.Side, target, price) {
		if err := m.replaceStop(ctx, pos, target, "trailing"); err != nil {
			return err
		}
		next.StopPrice = target
		changed = true
		log.Info("移动止损上调",
			zap.Float64("roi", roi),
			zap.Float64("anchor", next.Anchor),
			zap.Float64("stopRoi", next.StopROI),
			zap.Float64("stop", target))
	}
	if !changed {
		return nil
	}
	_, err = m.ledger.UpdateTrailing(pos.Symbol, next)
	return err
}

// replaceStop cancels the resting stop and places one at price for the live quantity.
func (m *Monitor) replaceStop(ctx context.Context, pos *models.Position, price float64, reason string) error {
	live, err := exchange.FreshPositionRisk(ctx, m.ex, pos.Symbol)
	if err != nil {
		return err
	}
	if live.IsFlat() {
		return nil
	}
	if _, err := exchange.CancelStopOrders(ctx, m.ex, pos.Symbol); err != nil {
		return fmt.Errorf("cancel stop %s: %w", pos.Symbol, err)
	}
	id, err := trading.PlaceStop(ctx, m.ex, pos.Symbol, pos.Side, math.Abs(live.PositionAmt), price)
	if err != nil {
		return fmt.Errorf("place stop %s: %w", pos.Symbol, err)
	}
	_, err = m.ledger.UpdateStop(pos.Symbol, price, id, reason)
	return err
}
