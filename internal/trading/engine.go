package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/ledger"
	"binance-futures-bot/internal/metrics"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/notify"

	"go.uber.org/zap"
)

// Skip reasons reported by Tick.
const (
	SkipBusy             = "busy"
	SkipActivePosition   = "active_position"
	SkipExchangePosition = "exchange_position"
	SkipCooldown         = "cooldown"
	SkipNotEnoughData    = "insufficient_snapshots"
	SkipNoMajority       = "no_majority"
	SkipRecentDisagrees  = "recent_disagrees"
	SkipNoPrice          = "no_price"
)

// SnapshotReader serves the newest analysis snapshots, oldest first.
type SnapshotReader interface {
	LastSnapshots(ctx context.Context, symbol string, n int) ([]models.Snapshot, error)
}

// CooldownChecker reports whether symbol closed a position less than d ago.
type CooldownChecker interface {
	InCooldown(symbol string, d time.Duration) bool
}

// PriceSource returns a fresh mark price.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// TickResult is the outcome of one entry attempt. Exactly one of Position and Skip is set
// unless the attempt failed with an error.
type TickResult struct {
	Position *models.Position
	Skip     string
	Detail   string
}

// Engine is the entry gate: it decides per symbol whether to open a position.
type Engine struct {
	ledger     *ledger.Ledger
	ex         exchange.Exchange
	snapshots  SnapshotReader
	cooldown   CooldownChecker
	prices     PriceSource
	executor   *Executor
	notifier   notify.TradeNotifier
	validators []Validator
	logger     *zap.Logger

	locks sync.Map // symbol -> *sync.Mutex
}

func NewEngine(l *ledger.Ledger, ex exchange.Exchange, snapshots SnapshotReader, cooldown CooldownChecker,
	prices PriceSource, notifier notify.TradeNotifier, logger *zap.Logger) *Engine {
	return &Engine{
		ledger:     l,
		ex:         ex,
		snapshots:  snapshots,
		cooldown:   cooldown,
		prices:     prices,
		executor:   NewExecutor(ex, logger),
		notifier:   notifier,
		validators: DefaultValidators(),
		logger:     logger.Named("engine"),
	}
}

func (e *Engine) lockFor(symbol string) *sync.Mutex {
	m, _ := e.locks.LoadOrStore(symbol, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (e *Engine) skip(symbol, reason, detail string) TickResult {
	metrics.EntrySkips.WithLabelValues(symbol, reason).Inc()
	e.logger.Info("跳过开仓", zap.String("symbol", symbol), zap.String("reason", reason), zap.String("detail", detail))
	return TickResult{Skip: reason, Detail: detail}
}

// Tick runs one entry attempt for strat.Symbol. Attempts for the same symbol never
// overlap; a tick arriving while another runs is skipped.
func (e *Engine) Tick(ctx context.Context, strat models.StrategyConfig) (TickResult, error) {
	sym := strat.Symbol
	mu := e.lockFor(sym)
	if !mu.TryLock() {
		return e.skip(sym, SkipBusy, "previous attempt still running"), nil
	}
	defer mu.Unlock()

	open, err := e.ledger.GetOpenPosition(sym)
	if err != nil {
		return TickResult{}, fmt.Errorf("read ledger %s: %w", sym, err)
	}
	if open != nil {
		return TickResult{Skip: SkipActivePosition}, nil
	}
	if strat.Entry.CheckExchange {
		risk, err := e.ex.GetPositionRisk(ctx, sym)
		if err != nil {
			return TickResult{}, fmt.Errorf("read exchange position %s: %w", sym, err)
		}
		if !risk.IsFlat() {
			return e.skip(sym, SkipExchangePosition, fmt.Sprintf("positionAmt=%v", risk.PositionAmt)), nil
		}
	}

	if e.cooldown != nil && strat.Entry.CooldownMin > 0 {
		d := time.Duration(strat.Entry.CooldownMin * float64(time.Minute))
		if e.cooldown.InCooldown(sym, d) {
			return e.skip(sym, SkipCooldown, d.String()), nil
		}
	}

	lookback := strat.Entry.Lookback
	snaps, err := e.snapshots.LastSnapshots(ctx, sym, lookback)
	if err != nil {
		return TickResult{}, fmt.Errorf("read snapshots %s: %w", sym, err)
	}
	if len(snaps) < lookback || len(snaps) == 0 {
		return e.skip(sym, SkipNotEnoughData, fmt.Sprintf("%d/%d", len(snaps), lookback)), nil
	}
	biases := make([]models.Side, len(snaps))
	for i, s := range snaps {
		biases[i] = s.Bias
	}
	side := MajorityBias(biases)
	latest := snaps[len(snaps)-1]
	if side == models.Neutral {
		return e.skip(sym, SkipNoMajority, fmt.Sprint(biases)), nil
	}
	if latest.Bias != side {
		return e.skip(sym, SkipRecentDisagrees, fmt.Sprintf("majority %s, latest %s", side, latest.Bias)), nil
	}

	if r, ok := RunValidators(e.validators, &latest, strat); !ok {
		return e.skip(sym, r.Name, r.Reason), nil
	}

	price, err := e.prices.Price(ctx, sym)
	if err != nil || price <= 0 {
		return e.skip(sym, SkipNoPrice, fmt.Sprint(err)), nil
	}

	plan, err := Prepare(side, price, &latest, strat)
	if err != nil {
		return TickResult{}, err
	}
	e.logger.Info("开仓信号通过校验",
		zap.String("symbol", sym),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Float64("qty", plan.Qty),
		zap.Float64("stop", plan.EffectiveStop()),
		zap.Float64("score", latest.Scores[side]),
		zap.String("coverage", latest.Coverage()))

	pos, err := e.executor.Execute(ctx, plan, price)
	if err != nil {
		return TickResult{}, err
	}
	pos.AnalysisRef = latest.Ref()

	stored, created, err := e.ledger.OpenPosition(pos)
	if err != nil {
		return TickResult{}, err
	}
	if created && e.notifier != nil {
		e.notifier.NotifyTrade(ctx, stored, notify.ActionOpen)
	}
	return TickResult{Position: stored}, nil
}
