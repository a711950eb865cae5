package orderevents

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

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

const (
	defaultDedupTTL   = 5 * time.Minute
	defaultBufferSize = 1024
	janitorInterval   = time.Minute
)

// CooldownRecorder is told when the processor has closed a position.
type CooldownRecorder interface {
	Record(symbol string, t time.Time)
}

// Options tunes the processor.
type Options struct {
	DedupTTL time.Duration
	// TPFallbackMaxPct bounds the nearest-level fallback of take-profit matching; 0 = unbounded.
	TPFallbackMaxPct float64
	BufferSize       int
	// TrailingEnabled reports whether symbol trails its stop. The break-even move after the
	// first take-profit fill is skipped for such symbols.
	TrailingEnabled func(symbol string) bool
}

// Processor consumes order-trade-update fills and keeps the ledger in step with them.
// Events are processed serially: Dispatch queues, a single goroutine started by Start
// drains the queue through Handle.
type Processor struct {
	ledger   *ledger.Ledger
	ex       exchange.Exchange
	notifier notify.TradeNotifier
	cooldown CooldownRecorder
	opts     Options

	dedup *ttlcache.Cache[string, struct{}]
	vwaps *vwapBook

	handleMu sync.Mutex
	ctxMu    sync.Mutex
	closing  map[string]*closeContext

	events   chan models.OrderFill
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now    func() time.Time
	logger *zap.Logger
}

// NewProcessor creates a processor. notifier and cooldown may be nil.
func NewProcessor(l *ledger.Ledger, ex exchange.Exchange, notifier notify.TradeNotifier, cooldown CooldownRecorder, opts Options, logger *zap.Logger) *Processor {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = defaultDedupTTL
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Processor{
		ledger:   l,
		ex:       ex,
		notifier: notifier,
		cooldown: cooldown,
		opts:     opts,
		dedup:    newExpiring[string, struct{}](opts.DedupTTL),
		vwaps:    newVWAPBook(opts.DedupTTL),
		closing:  make(map[string]*closeContext),
		events:   make(chan models.OrderFill, opts.BufferSize),
		stopChan: make(chan struct{}),
		now:      time.Now,
		logger:   logger.Named("orderevents"),
	}
}

// WithClock overrides the time source used for cooldown records (tests).
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Start begins the event loop and the cache janitor.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.eventLoop(ctx)
	go p.janitorLoop(ctx)
	p.logger.Sugar().Info("Order event processor started.")
}

// Stop shuts the loops down and waits for the event in flight to finish.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	p.logger.Sugar().Info("Order event processor stopped.")
}

// Dispatch queues a fill for serial processing. It gives up when ctx is done or the
// processor is stopped, so a full queue never blocks shutdown.
func (p *Processor) Dispatch(ctx context.Context, f models.OrderFill) {
	select {
	case p.events <- f:
	case <-p.stopChan:
	case <-ctx.Done():
		p.logger.Warn("订单事件未入队，处理器正在退出", zap.String("symbol", f.Symbol), zap.Int64("orderId", f.OrderID))
	}
}

func (p *Processor) eventLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case f := <-p.events:
			if err := p.Handle(ctx, f); err != nil {
				p.logger.Sugar().Errorf("处理订单事件失败 %s #%d: %v", f.Symbol, f.OrderID, err)
			}
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) janitorLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.dedup.DeleteExpired()
			p.vwaps.cleanup()
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dedupKey identifies one delivery of an order update.
func dedupKey(f models.OrderFill) string {
	qty := f.CumQty
	if qty == 0 {
		qty = f.LastQty
	}
	return fmt.Sprintf("%d|%s|%g|%d", f.OrderID, f.Status, qty, f.EventTime.UnixMilli())
}

// Handle processes one fill synchronously. A delivery already seen within the dedup
// window is a no-op.
func (p *Processor) Handle(ctx context.Context, f models.OrderFill) error {
	p.handleMu.Lock()
	defer p.handleMu.Unlock()

	if _, seen := p.dedup.GetOrSet(dedupKey(f), struct{}{}); seen {
		metrics.EventsDeduped.Inc()
		p.logger.Debug("duplicate order event ignored", zap.String("symbol", f.Symbol), zap.Int64("orderId", f.OrderID), zap.String("status", f.Status))
		return nil
	}
	metrics.EventsProcessed.WithLabelValues(f.Status).Inc()

	if f.LastQty > 0 && (f.Status == models.OrderStatusPartiallyFilled || f.Status == models.OrderStatusFilled) {
		price := f.LastPrice
		if price <= 0 {
			price = f.AvgPrice
		}
		p.vwaps.add(f.OrderID, price, f.LastQty)
	}

	if f.Status != models.OrderStatusFilled {
		p.logger.Sugar().Infof("订单状态更新 %s #%d %s %s %s last=%.8f@%.8f cum=%.8f",
			f.Symbol, f.OrderID, f.OrderType, f.Side, f.Status, f.LastQty, f.LastPrice, f.CumQty)
		return nil
	}

	exec := p.execution(f)
	switch f.OrderType {
	case models.OrderTypeStopMarket, "STOP":
		return p.handleStopFill(ctx, f, exec)
	case models.OrderTypeTakeProfitMarket, "TAKE_PROFIT":
		return p.handleTakeProfitFill(ctx, f, exec)
	case models.OrderTypeMarket:
		return p.handleMarketFill(ctx, f, exec)
	default:
		p.logger.Sugar().Infof("忽略 %s 类型订单成交 %s #%d", f.OrderType, f.Symbol, f.OrderID)
		return nil
	}
}

// execution is the aggregated average price and quantity of a FILLED order. When partial
// updates were missed the exchange's cumulative figures win.
type execution struct {
	price float64
	qty   float64
}

func (p *Processor) execution(f models.OrderFill) execution {
	v := p.vwaps.take(f.OrderID)
	if v.qty > 0 && v.qty >= f.CumQty-1e-12 {
		return execution{price: v.avg(), qty: v.qty}
	}
	price := f.AvgPrice
	if price <= 0 {
		price = f.LastPrice
	}
	qty := f.CumQty
	if qty <= 0 {
		qty = f.LastQty
	}
	return execution{price: price, qty: qty}
}
