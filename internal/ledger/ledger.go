package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/metrics"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/persistence"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoOpenPosition is returned by mutations that require an OPEN position.
	ErrNoOpenPosition = errors.New("ledger: no open position")
	// ErrNoTakeProfitMatch is returned when a fill is too far from every take-profit level.
	ErrNoTakeProfitMatch = errors.New("ledger: fill does not match any take-profit level")
)

const (
	coalesceWindow   = 30 * time.Second
	coalescePriceGap = 0.001
)

// Ledger is the authoritative record of position lifecycles. Every mutation is a no-op
// when the stored state already matches the request.
type Ledger struct {
	repo   persistence.PositionRepository
	now    func() time.Time
	logger *zap.Logger
}

// New creates a ledger over repo.
func New(repo persistence.PositionRepository, logger *zap.Logger) *Ledger {
	return &Ledger{repo: repo, now: time.Now, logger: logger.Named("ledger")}
}

// WithClock overrides the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// OpenPosition stores pos as the OPEN position of its symbol. If one already exists the
// existing record is returned with created=false.
func (l *Ledger) OpenPosition(pos *models.Position) (stored *models.Position, created bool, err error) {
	now := l.now()
	p := pos.Clone()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Status = models.StatusOpen
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now
	if p.InitialStopPrice == 0 {
		p.InitialStopPrice = p.StopPrice
	}
	p.TakeProfits = NormalizeTPPlan(p.TakeProfits)
	p.Adjustments = nil
	appendAdjustment(p, models.Adjustment{Type: models.AdjOpen, Price: p.EntryPrice, Size: p.Size, Ts: now})
	if p.StopPrice > 0 {
		appendAdjustment(p, models.Adjustment{Type: models.AdjSLSet, Price: p.StopPrice, Ts: now})
	}
	if len(p.TakeProfits) > 0 {
		appendAdjustment(p, models.Adjustment{Type: models.AdjTPSet, TPs: p.TakeProfits, Ts: now})
	}

	if err := l.repo.Create(p); err != nil {
		if errors.Is(err, persistence.ErrOpenPositionExists) {
			existing, ferr := l.repo.FindOpen(p.Symbol)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				l.logger.Warn("已存在未平仓记录，返回现有仓位", zap.String("symbol", p.Symbol), zap.String("id", existing.ID))
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("create position %s: %w", p.Symbol, err)
	}
	metrics.PositionsOpened.WithLabelValues(p.Symbol).Inc()
	l.logger.Info("仓位已记录",
		zap.String("symbol", p.Symbol),
		zap.String("id", p.ID),
		zap.String("side", string(p.Side)),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("qty", p.Qty),
		zap.Float64("stop", p.StopPrice))
	return p, true, nil
}

// GetOpenPosition returns the OPEN position of symbol, or (nil, nil).
func (l *Ledger) GetOpenPosition(symbol string) (*models.Position, error) {
	return l.repo.FindOpen(symbol)
}

// ListOpen returns all OPEN positions.
func (l *Ledger) ListOpen() ([]*models.Position, error) {
	return l.repo.ListOpen()
}

// History returns the positions of symbol, newest first.
func (l *Ledger) History(symbol string, limit int) ([]*models.Position, error) {
	return l.repo.ListBySymbol(symbol, limit)
}

// mutateOpen applies fn to the OPEN position of symbol inside one repository transaction.
// fn may return persistence.ErrNoChange to skip the write.
func (l *Ledger) mutateOpen(symbol string, fn func(p *models.Position, now time.Time) error) (*models.Position, error) {
	open, err := l.repo.FindOpen(symbol)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, ErrNoOpenPosition
	}
	now := l.now()
	return l.repo.Update(open.ID, func(p *models.Position) error {
		if !p.IsOpen() {
			return ErrNoOpenPosition
		}
		if err := fn(p, now); err != nil {
			return err
		}
		p.UpdatedAt = now
		return nil
	})
}

// UpdateStop records a new stop price (and the order carrying it). Equal prices are a
// no-op apart from refreshing the order id.
func (l *Ledger) UpdateStop(symbol string, price float64, orderID int64, reason string) (*models.Position, error) {
	return l.mutateOpen(symbol, func(p *models.Position, now time.Time) error {
		if p.StopPrice == price {
			if orderID == 0 || orderID == p.StopOrderID {
				return persistence.ErrNoChange
			}
			p.StopOrderID = orderID
			return nil
		}
		p.StopPrice = price
		if orderID != 0 {
			p.StopOrderID = orderID
		}
		appendAdjustment(p, models.Adjustment{Type: models.AdjSLUpdate, Price: price, Reason: reason, Ts: now})
		return nil
	})
}

// UpdateTakeProfits replaces the take-profit plan. A structurally equal plan is a no-op.
func (l *Ledger) UpdateTakeProfits(symbol string, tps []models.TakeProfit, reason string) (*models.Position, error) {
	plan := NormalizeTPPlan(tps)
	return l.mutateOpen(symbol, func(p *models.Position, now time.Time) error {
		if takeProfitsEqual(p.TakeProfits, plan) {
			return persistence.ErrNoChange
		}
		next := make([]models.TakeProfit, len(plan))
		copy(next, plan)
		// keep fill history of levels that survive the update
		for i := range next {
			if i < len(p.TakeProfits) && len(next[i].Fills) == 0 {
				next[i].Fills = p.TakeProfits[i].Fills
				next[i].Cum = math.Max(next[i].Cum, p.TakeProfits[i].Cum)
			}
		}
		p.TakeProfits = next
		var price float64
		for _, tp := range next {
			if !tp.Filled {
				price = tp.Price
				break
			}
		}
		appendAdjustment(p, models.Adjustment{Type: models.AdjTPUpdate, Price: price, TPs: next, Reason: reason, Ts: now})
		return nil
	})
}

// TPFill describes one take-profit execution.
type TPFill struct {
	OrderID  int64
	Price    float64 // average fill price
	Qty      float64 // quantity executed by this order
	CumQty   float64 // exchange cumulative filled quantity
	Fee      float64
	FeeAsset string
	Time     time.Time
	// FallbackMaxPct bounds the nearest-level fallback as a percentage of entry; 0 = unbounded.
	FallbackMaxPct float64
}

// TPFillResult reports how a fill was applied.
type TPFillResult struct {
	Index     int
	Fallback  bool
	Duplicate bool
	FirstFill bool
	AllFilled bool
	Level     models.TakeProfit
}

// RecordTakeProfitFill attributes f to a take-profit level (order id, then price within
// tolerance, then nearest level), appends the fill and advances cum monotonically.
func (l *Ledger) RecordTakeProfitFill(symbol string, f TPFill) (*models.Position, TPFillResult, error) {
	var res TPFillResult
	p, err := l.mutateOpen(symbol, func(p *models.Position, now time.Time) error {
		res = TPFillResult{}
		if len(p.TakeProfits) == 0 {
			return ErrNoTakeProfitMatch
		}
		idx, fallback, ok := matchTakeProfit(p, f)
		if !ok {
			return ErrNoTakeProfitMatch
		}
		res.Index, res.Fallback = idx, fallback

		firstFill := true
		for _, tp := range p.TakeProfits {
			if len(tp.Fills) > 0 {
				firstFill = false
				break
			}
		}

		tp := &p.TakeProfits[idx]
		for _, existing := range tp.Fills {
			if existing.Qty == f.Qty && existing.Price == f.Price && existing.Time.Equal(f.Time) {
				res.Duplicate = true
				res.Level = *tp
				res.AllFilled = allFilled(p.TakeProfits)
				return persistence.ErrNoChange
			}
		}

		prevCum := tp.Cum
		if f.Qty > 0 {
			tp.Fills = append(tp.Fills, models.Fill{Qty: f.Qty, Price: f.Price, Time: f.Time, Fee: f.Fee, FeeAsset: f.FeeAsset})
		}
		tp.Cum = math.Max(prevCum, math.Max(f.CumQty, tp.FilledQty()))
		tp.Filled = true
		if f.OrderID != 0 && tp.OrderID == 0 {
			tp.OrderID = f.OrderID
		}
		appendAdjustment(p, models.Adjustment{Type: models.AdjTPHit, Price: f.Price, Size: f.Qty, Ts: now})

		res.FirstFill = firstFill
		res.AllFilled = allFilled(p.TakeProfits)
		res.Level = *tp
		return nil
	})
	if err != nil {
		return nil, res, err
	}
	if res.Fallback {
		l.logger.Warn("止盈成交未匹配到容差内档位，已回退到最近档位",
			zap.String("symbol", symbol), zap.Float64("price", f.Price), zap.Int("level", res.Index))
	}
	return p, res, nil
}

// matchTakeProfit picks the level for f.
func matchTakeProfit(p *models.Position, f TPFill) (idx int, fallback, ok bool) {
	if f.OrderID != 0 {
		for i, tp := range p.TakeProfits {
			if tp.OrderID == f.OrderID {
				return i, false, true
			}
		}
	}
	tolerance := math.Max(0.01, p.EntryPrice*0.001)
	best, bestDist := -1, math.Inf(1)
	for i, tp := range p.TakeProfits {
		d := math.Abs(tp.Price - f.Price)
		// unfilled levels win ties so a second fill at the same price moves on
		if d < bestDist || (d == bestDist && best >= 0 && p.TakeProfits[best].Filled && !tp.Filled) {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return 0, false, false
	}
	if bestDist <= tolerance {
		return best, false, true
	}
	if f.FallbackMaxPct > 0 && p.EntryPrice > 0 && bestDist/p.EntryPrice*100 > f.FallbackMaxPct {
		return 0, false, false
	}
	return best, true, true
}

func allFilled(tps []models.TakeProfit) bool {
	if len(tps) == 0 {
		return false
	}
	for _, tp := range tps {
		if !tp.Filled {
			return false
		}
	}
	return true
}

// MarkStopFilled flags the stop as filled and records SL_HIT once.
func (l *Ledger) MarkStopFilled(symbol string, price float64) (*models.Position, error) {
	return l.mutateOpen(symbol, func(p *models.Position, now time.Time) error {
		if p.StopFilled {
			return persistence.ErrNoChange
		}
		p.StopFilled = true
		appendAdjustment(p, models.Adjustment{Type: models.AdjSLHit, Price: price, Ts: now})
		return nil
	})
}

// RecordAdd appends a DCA add and folds it into the average entry, quantity and size.
// An add with an order id that is already recorded is a no-op.
func (l *Ledger) RecordAdd(symbol string, add models.PositionAdd) (*models.Position, error) {
	return l.mutateOpen(symbol, func(p *models.Position, now time.Time) error {
		if add.Qty <= 0 {
			return persistence.ErrNoChange
		}
		for _, a := range p.Adds {
			if add.OrderID != 0 && a.OrderID == add.OrderID {
				return persistence.ErrNoChange
			}
		}
		if add.Time.IsZero() {
			add.Time = now
		}
		newQty := p.Qty + add.Qty
		if newQty > 0 {
			p.EntryPrice = (p.EntryPrice*p.Qty + add.Price*add.Qty) / newQty
		}
		p.Qty = newQty
		if add.Size == 0 {
			add.Size = add.Price * add.Qty
		}
		p.Size += add.Size
		p.Adds = append(p.Adds, add)
		appendAdjustment(p, models.Adjustment{Type: models.AdjAdd, Price: add.Price, Size: add.Size, Ts: now})
		return nil
	})
}

// UpdateTrailing stores the trailing sub-state; an identical state is a no-op.
func (l *Ledger) UpdateTrailing(symbol string, t models.Trailing) (*models.Position, error) {
	return l.mutateOpen(symbol, func(p *models.Position, now time.Time) error {
		if p.Trailing != nil && trailingEqual(*p.Trailing, t) {
			return persistence.ErrNoChange
		}
		t.UpdatedAt = now
		if t.ActivatedAt.IsZero() {
			t.ActivatedAt = now
		}
		p.Trailing = &t
		return nil
	})
}

func trailingEqual(a, b models.Trailing) bool {
	return a.Active == b.Active && a.Anchor == b.Anchor && a.StopROI == b.StopROI && a.StopPrice == b.StopPrice
}

// MarkPendingClose records that the bot has issued a market close for reason. An
// opposite-signal exit also records OPPOSITE_SIGNAL.
func (l *Ledger) MarkPendingClose(symbol string, reason models.CloseReason, price float64) (*models.Position, error) {
	return l.mutateOpen(symbol, func(p *models.Position, now time.Time) error {
		if p.PendingClose == reason {
			return persistence.ErrNoChange
		}
		p.PendingClose = reason
		if reason == models.CloseExitOpposite {
			appendAdjustment(p, models.Adjustment{Type: models.AdjOppositeSignal, Price: price, Reason: string(reason), Ts: now})
		}
		return nil
	})
}

// ClosePositionHistory closes the OPEN position of symbol exactly once. A second call
// returns ErrNoOpenPosition.
func (l *Ledger) ClosePositionHistory(symbol string, finalPnl float64, closedBy models.CloseReason) (*models.Position, error) {
	pnl := exchange.RoundPnl(finalPnl)
	p, err := l.mutateOpen(symbol, func(p *models.Position, now time.Time) error {
		closedAt := now
		p.Status = models.StatusClosed
		p.ClosedAt = &closedAt
		p.FinalPnl = &pnl
		p.ClosedBy = closedBy
		p.PendingClose = ""
		appendAdjustment(p, models.Adjustment{Type: models.AdjClose, Size: pnl, Reason: string(closedBy), Ts: now})
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PositionsClosed.WithLabelValues(symbol, string(closedBy)).Inc()
	l.logger.Info("仓位已平仓",
		zap.String("symbol", symbol),
		zap.String("id", p.ID),
		zap.String("closedBy", string(closedBy)),
		zap.Float64("finalPnl", pnl))
	return p, nil
}

// appendAdjustment adds adj to the ring buffer. SL_UPDATE and TP_UPDATE overwrite the latest
// entry of the same type unless both more than 30s and more than 0.1% price separate them.
func appendAdjustment(p *models.Position, adj models.Adjustment) {
	if adj.Type == models.AdjSLUpdate || adj.Type == models.AdjTPUpdate {
		for i := len(p.Adjustments) - 1; i >= 0; i-- {
			last := p.Adjustments[i]
			if last.Type != adj.Type {
				continue
			}
			elapsed := adj.Ts.Sub(last.Ts)
			gap := 0.0
			if last.Price != 0 {
				gap = math.Abs(adj.Price-last.Price) / math.Abs(last.Price)
			}
			if !(elapsed > coalesceWindow && gap > coalescePriceGap) {
				// keeps the original timestamp
				adj.Ts = last.Ts
				p.Adjustments[i] = adj
				return
			}
			break
		}
	}
	p.Adjustments = append(p.Adjustments, adj)
	if n := len(p.Adjustments); n > models.MaxAdjustments {
		p.Adjustments = append([]models.Adjustment(nil), p.Adjustments[n-models.MaxAdjustments:]...)
	}
}
