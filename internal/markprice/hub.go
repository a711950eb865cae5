package markprice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/metrics"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/wsstream"

	"go.uber.org/zap"
)

// ErrNoPrice is returned when neither the stream nor the REST fallback produced a price.
var ErrNoPrice = errors.New("markprice: no price available")

const (
	defaultStale     = 7 * time.Second
	defaultColdStart = 1200 * time.Millisecond
	streamPath       = "/ws/!markPrice@arr@1s"
)

type entry struct {
	tick     models.MarkTick
	received time.Time
}

// Hub serves mark prices for every symbol from one shared stream subscription.
type Hub struct {
	rest      exchange.Exchange
	wsBase    string
	stale     time.Duration
	coldStart time.Duration
	wsOpts    wsstream.Options
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.RWMutex
	ticks   map[string]entry
	waiters map[string]chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. rest serves the one-shot cold-start fallback. Zero durations
// use a 7s staleness limit and a 1.2s cold-start wait.
func NewHub(rest exchange.Exchange, wsBase string, stale, coldStart time.Duration, wsOpts wsstream.Options, logger *zap.Logger) *Hub {
	if stale <= 0 {
		stale = defaultStale
	}
	if coldStart <= 0 {
		coldStart = defaultColdStart
	}
	wsOpts.Name = "mark-price"
	return &Hub{
		rest:      rest,
		wsBase:    strings.TrimRight(wsBase, "/"),
		stale:     stale,
		coldStart: coldStart,
		wsOpts:    wsOpts,
		now:       time.Now,
		logger:    logger.Named("markprice"),
		ticks:     make(map[string]entry),
		waiters:   make(map[string]chan struct{}),
	}
}

// WithClock overrides the time source (tests).
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Start subscribes to the mark price stream until Stop or ctx cancellation.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		wsstream.Run(ctx, wsstream.Static(h.wsBase+streamPath), h.handle, h.wsOpts, h.logger)
	}()
	h.logger.Info("标记价格订阅已启动")
}

// Stop ends the subscription and waits for the stream goroutine.
func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.logger.Info("标记价格订阅已停止")
}

func (h *Hub) handle(msg []byte) {
	var events []models.MarkPriceEvent
	if err := json.Unmarshal(msg, &events); err != nil {
		h.logger.Debug("无法解析标记价格消息", zap.Error(err))
		return
	}
	for _, ev := range events {
		price, err := strconv.ParseFloat(ev.MarkPrice, 64)
		if err != nil || price <= 0 {
			continue
		}
		index, _ := strconv.ParseFloat(ev.IndexPrice, 64)
		funding, _ := strconv.ParseFloat(ev.FundingRate, 64)
		h.Update(models.MarkTick{
			Symbol:          ev.Symbol,
			MarkPrice:       price,
			IndexPrice:      index,
			FundingRate:     funding,
			NextFundingTime: time.UnixMilli(ev.NextFundingTime),
			Time:            time.UnixMilli(ev.EventTime),
		})
	}
}

// Update stores tick and wakes any cold-start waiter for its symbol.
func (h *Hub) Update(tick models.MarkTick) {
	h.mu.Lock()
	h.ticks[tick.Symbol] = entry{tick: tick, received: h.now()}
	if ch, ok := h.waiters[tick.Symbol]; ok {
		close(ch)
		delete(h.waiters, tick.Symbol)
	}
	h.mu.Unlock()
}

// Latest returns the last tick of symbol if it is not stale.
func (h *Hub) Latest(symbol string) (models.MarkTick, bool) {
	h.mu.RLock()
	e, ok := h.ticks[symbol]
	h.mu.RUnlock()
	if !ok || h.now().Sub(e.received) > h.stale {
		return models.MarkTick{}, false
	}
	return e.tick, true
}

// FundingRate returns the last known funding rate of symbol, stale or not.
func (h *Hub) FundingRate(symbol string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.ticks[symbol]
	return e.tick.FundingRate, ok
}

// Price returns a fresh mark price. Without one it waits for the next tick up to the
// cold-start timeout, then falls back to a single REST call.
func (h *Hub) Price(ctx context.Context, symbol string) (float64, error) {
	if t, ok := h.Latest(symbol); ok {
		return t.MarkPrice, nil
	}

	h.mu.Lock()
	ch, ok := h.waiters[symbol]
	if !ok {
		ch = make(chan struct{})
		h.waiters[symbol] = ch
	}
	h.mu.Unlock()

	timer := time.NewTimer(h.coldStart)
	defer timer.Stop()
	select {
	case <-ch:
		if t, ok := h.Latest(symbol); ok {
			return t.MarkPrice, nil
		}
	case <-timer.C:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	if h.rest == nil {
		return 0, ErrNoPrice
	}
	metrics.MarkPriceFallbacks.Inc()
	tick, err := h.rest.GetMarkPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoPrice, err)
	}
	if tick.MarkPrice <= 0 {
		return 0, ErrNoPrice
	}
	tick.Symbol = symbol
	h.Update(tick)
	h.logger.Debug("标记价格冷启动回退到 REST", zap.String("symbol", symbol), zap.Float64("price", tick.MarkPrice))
	return tick.MarkPrice, nil
}
