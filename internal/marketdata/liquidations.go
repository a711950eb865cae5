package marketdata

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/wsstream"

	"go.uber.org/zap"
)

const forceOrderPath = "/ws/!forceOrder@arr"

// BucketSink persists completed liquidation buckets.
type BucketSink interface {
	UpsertLiquidationBucket(ctx context.Context, b models.LiquidationBucket) error
}

// BucketAggregator folds liquidation events into one-minute buckets per symbol.
type BucketAggregator struct {
	mu      sync.Mutex
	buckets map[string]*models.LiquidationBucket
}

func NewBucketAggregator() *BucketAggregator {
	return &BucketAggregator{buckets: make(map[string]*models.LiquidationBucket)}
}

// Add folds ev into its symbol's bucket. When ev starts a new minute the previous bucket
// is returned as completed.
func (a *BucketAggregator) Add(ev models.LiquidationEvent) (completed *models.LiquidationBucket) {
	start := ev.Time.Truncate(time.Minute)
	value := ev.Price * ev.Qty

	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.buckets[ev.Symbol]
	if cur != nil && !cur.Start.Equal(start) {
		if start.Before(cur.Start) {
			// late event for an already flushed minute
			return nil
		}
		done := *cur
		completed = &done
		cur = nil
	}
	if cur == nil {
		cur = &models.LiquidationBucket{Symbol: ev.Symbol, Start: start}
		a.buckets[ev.Symbol] = cur
	}
	if ev.Side == "BUY" {
		cur.BuysValue += value
	} else {
		cur.SellsValue += value
	}
	cur.TotalValue += value
	cur.Count++
	return completed
}

// FlushBefore removes and returns every bucket whose minute ended at or before now.
func (a *BucketAggregator) FlushBefore(now time.Time) []models.LiquidationBucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.LiquidationBucket
	for sym, b := range a.buckets {
		if !b.Start.Add(time.Minute).After(now) {
			out = append(out, *b)
			delete(a.buckets, sym)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// LiquidationStream subscribes to the force-order stream and writes minute buckets.
type LiquidationStream struct {
	wsBase  string
	symbols map[string]bool
	agg     *BucketAggregator
	sink    BucketSink
	opts    wsstream.Options
	logger  *zap.Logger
}

// NewLiquidationStream tracks liquidations of symbols (all symbols when empty).
func NewLiquidationStream(wsBase string, symbols []string, sink BucketSink, opts wsstream.Options, logger *zap.Logger) *LiquidationStream {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	opts.Name = "force-order"
	return &LiquidationStream{
		wsBase:  strings.TrimRight(wsBase, "/"),
		symbols: set,
		agg:     NewBucketAggregator(),
		sink:    sink,
		opts:    opts,
		logger:  logger.Named("liquidations"),
	}
}

// Run blocks until ctx is cancelled. Buckets are also flushed once a minute so quiet
// symbols do not hold a completed bucket indefinitely.
func (s *LiquidationStream) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, b := range s.agg.FlushBefore(now) {
					s.store(ctx, b)
				}
			}
		}
	}()
	wsstream.Run(ctx, wsstream.Static(s.wsBase+forceOrderPath), func(msg []byte) { s.handle(ctx, msg) }, s.opts, s.logger)
}

func (s *LiquidationStream) handle(ctx context.Context, msg []byte) {
	ev, ok := ParseForceOrder(msg)
	if !ok {
		return
	}
	if len(s.symbols) > 0 && !s.symbols[ev.Symbol] {
		return
	}
	if done := s.agg.Add(ev); done != nil {
		s.store(ctx, *done)
	}
}

func (s *LiquidationStream) store(ctx context.Context, b models.LiquidationBucket) {
	if err := s.sink.UpsertLiquidationBucket(ctx, b); err != nil {
		s.logger.Warn("保存爆仓聚合数据失败", zap.String("symbol", b.Symbol), zap.Error(err))
	}
}

// ParseForceOrder normalizes one forceOrder payload.
func ParseForceOrder(msg []byte) (models.LiquidationEvent, bool) {
	var ev models.ForceOrderEvent
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Order.Symbol == "" {
		return models.LiquidationEvent{}, false
	}
	o := ev.Order
	price, _ := strconv.ParseFloat(o.AvgPrice, 64)
	if price <= 0 {
		price, _ = strconv.ParseFloat(o.Price, 64)
	}
	qty, _ := strconv.ParseFloat(o.CumFilledQty, 64)
	if qty <= 0 {
		qty, _ = strconv.ParseFloat(o.OrigQty, 64)
	}
	if price <= 0 || qty <= 0 {
		return models.LiquidationEvent{}, false
	}
	ts := o.TradeTime
	if ts == 0 {
		ts = ev.EventTime
	}
	return models.LiquidationEvent{
		Symbol: o.Symbol,
		Side:   o.Side,
		Price:  price,
		Qty:    qty,
		Time:   time.UnixMilli(ts),
	}, true
}
