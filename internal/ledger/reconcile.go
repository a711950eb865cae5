package ledger

import (
	"context"
	"errors"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/notify"

	"go.uber.org/zap"
)

// ReconcileOptions configures the desync sweep.
type ReconcileOptions struct {
	// Grace skips positions updated more recently than this; fills for them may still be in flight.
	Grace    time.Duration
	Notifier notify.TradeNotifier
	// PendingPnl returns PnL already realized for the position but not yet booked, e.g. a
	// stop fill whose finalize could not confirm the exchange flat.
	PendingPnl func(symbol, positionID string) float64
	// OnClosed runs for every position the sweep closes.
	OnClosed func(*models.Position)
}

// ReconcilePositions closes every OPEN ledger position whose exchange position is flat,
// with closedBy=DESYNC and finalPnl taken from the recorded take-profit fills plus any
// pending PnL.
func (l *Ledger) ReconcilePositions(ctx context.Context, ex exchange.Exchange, opts ReconcileOptions) ([]*models.Position, error) {
	open, err := l.repo.ListOpen()
	if err != nil {
		return nil, err
	}
	now := l.now()
	var closed []*models.Position
	for _, p := range open {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		if opts.Grace > 0 && now.Sub(p.UpdatedAt) < opts.Grace {
			continue
		}
		risk, err := exchange.FreshPositionRisk(ctx, ex, p.Symbol)
		if err != nil {
			l.logger.Warn("对账时获取交易所仓位失败", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		if !risk.IsFlat() {
			continue
		}

		pnl := TakeProfitPnl(p)
		if opts.PendingPnl != nil {
			pnl += opts.PendingPnl(p.Symbol, p.ID)
		}
		pos, err := l.ClosePositionHistory(p.Symbol, pnl, models.CloseDesync)
		if errors.Is(err, ErrNoOpenPosition) {
			// closed concurrently by the event processor
			continue
		}
		if err != nil {
			l.logger.Error("对账平仓失败", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		l.logger.Warn("检测到仓位不同步：交易所已无持仓，账本强制平仓",
			zap.String("symbol", p.Symbol), zap.String("id", p.ID), zap.Float64("finalPnl", *pos.FinalPnl))
		if err := ex.CancelAllOpenOrders(ctx, p.Symbol); err != nil {
			l.logger.Warn("取消残留订单失败", zap.String("symbol", p.Symbol), zap.Error(err))
		}
		if opts.Notifier != nil {
			opts.Notifier.NotifyTrade(ctx, pos, notify.ActionClosed)
		}
		if opts.OnClosed != nil {
			opts.OnClosed(pos)
		}
		closed = append(closed, pos)
	}
	return closed, nil
}
