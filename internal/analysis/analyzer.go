package analysis

import (
	"context"
	"fmt"
	"time"

	"binance-futures-bot/internal/marketdata"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/scoring"

	"go.uber.org/zap"
)

// liquidationWindow is how far back liquidation buckets feed the liquidations module.
const liquidationWindow = 15 * time.Minute

// SnapshotStore persists snapshots and serves liquidation buckets.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
	LiquidationBuckets(ctx context.Context, symbol string, since time.Time) ([]models.LiquidationBucket, error)
}

// FundingSource reports the latest funding rate of a symbol.
type FundingSource interface {
	FundingRate(symbol string) (float64, bool)
}

// Analyzer gathers module inputs, evaluates the registry and stores the snapshot.
type Analyzer struct {
	feed    *marketdata.Feed
	funding FundingSource
	store   SnapshotStore
	modules []scoring.Module
	now     func() time.Time
	logger  *zap.Logger
}

func NewAnalyzer(feed *marketdata.Feed, funding FundingSource, store SnapshotStore, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		feed:    feed,
		funding: funding,
		store:   store,
		modules: scoring.Registry(),
		now:     time.Now,
		logger:  logger.Named("analysis"),
	}
}

// WithClock overrides the time source (tests).
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// Run produces and stores one snapshot for the strategy's symbol. Only the primary candle
// series is required; every other input degrades to a null module result.
func (a *Analyzer) Run(ctx context.Context, strat models.StrategyConfig) (*models.Snapshot, error) {
	sym := strat.Symbol
	candles, err := a.feed.Candles(ctx, sym, strat.Timeframe, strat.CandleLimit)
	if err != nil {
		return nil, err
	}
	in := scoring.Input{Symbol: sym, Candles: candles}

	if strat.HTFTimeframe != "" {
		htf, err := a.feed.Candles(ctx, sym, strat.HTFTimeframe, strat.CandleLimit)
		if err != nil {
			a.logger.Warn("获取高周期K线失败", zap.String("symbol", sym), zap.Error(err))
		} else {
			in.HTFCandles = htf
		}
	}
	if book, err := a.feed.Book(ctx, sym); err != nil {
		a.logger.Warn("获取盘口失败", zap.String("symbol", sym), zap.Error(err))
	} else {
		in.Book = &book
	}
	if a.funding != nil {
		if rate, ok := a.funding.FundingRate(sym); ok {
			in.FundingRate = &rate
		}
	}
	now := a.now()
	if buckets, err := a.store.LiquidationBuckets(ctx, sym, now.Add(-liquidationWindow)); err != nil {
		a.logger.Warn("读取爆仓聚合数据失败", zap.String("symbol", sym), zap.Error(err))
	} else {
		in.Liquidations = buckets
	}

	snap := Aggregate(sym, strat.Timeframe, now, scoring.Evaluate(a.modules, in), strat.Analysis)
	if err := a.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot %s: %w", sym, err)
	}
	a.logger.Debug("analysis snapshot",
		zap.String("symbol", sym),
		zap.String("bias", string(snap.Bias)),
		zap.String("decision", string(snap.Decision)),
		zap.Float64("long", snap.Scores[models.Long]),
		zap.Float64("short", snap.Scores[models.Short]),
		zap.String("coverage", snap.Coverage()))
	return snap, nil
}
