package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"binance-futures-bot/internal/analysis"
	"binance-futures-bot/internal/api"
	"binance-futures-bot/internal/config"
	"binance-futures-bot/internal/cooldown"
	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/ledger"
	"binance-futures-bot/internal/marketdata"
	"binance-futures-bot/internal/markprice"
	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/monitor"
	"binance-futures-bot/internal/notify"
	"binance-futures-bot/internal/orderevents"
	"binance-futures-bot/internal/persistence"
	"binance-futures-bot/internal/reporter"
	"binance-futures-bot/internal/storage"
	"binance-futures-bot/internal/trading"
	"binance-futures-bot/internal/wsstream"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mode 运行模式
type Mode string

const (
	ModeLive   Mode = "live"
	ModeDryRun Mode = "dry-run"
)

// simMirrorInterval 是 dry-run 模式下把实时标记价格同步到模拟交易所的周期
const simMirrorInterval = time.Second

// ErrClockDrift is returned by Start when the local clock is too far from the exchange.
var ErrClockDrift = errors.New("bot: local clock out of sync with exchange")

// Bot 负责装配并运行所有组件: 行情、分析、开仓、持仓监控、订单事件处理与定时任务。
type Bot struct {
	cfg        *models.Config
	strategies map[string]models.StrategyConfig
	mode       Mode

	ex     exchange.Exchange // 交易 (实盘为缓存包装的 LiveExchange, dry-run 为 SimExchange)
	market exchange.Exchange // 公共行情
	sim    *exchange.SimExchange
	live   *exchange.LiveExchange

	repo      persistence.PositionRepository
	store     *storage.Store
	ledger    *ledger.Ledger
	prices    *markprice.Hub
	cooldown  *cooldown.Hub
	analyzer  *analysis.Analyzer
	engine    *trading.Engine
	processor *orderevents.Processor
	monitor   *monitor.Monitor
	reporter  *reporter.Reporter
	notifier  *notify.Notifier
	api       *api.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	cron    *cron.Cron

	closeOnce sync.Once
	logger    *zap.Logger
}

// New builds every component. apiKey/secretKey may be empty in dry-run mode.
func New(cfg *models.Config, strategies map[string]models.StrategyConfig, mode Mode, apiKey, secretKey string, logger *zap.Logger) (*Bot, error) {
	if mode != ModeLive && mode != ModeDryRun {
		return nil, fmt.Errorf("未知的运行模式: %s", mode)
	}
	hasCreds := apiKey != "" && secretKey != ""
	if mode == ModeLive && !hasCreds {
		return nil, errors.New("实盘模式需要设置 API 密钥")
	}

	b := &Bot{
		cfg:        cfg,
		strategies: make(map[string]models.StrategyConfig, len(cfg.Symbols)),
		mode:       mode,
		logger:     logger.Named("bot"),
	}
	for _, sym := range cfg.Symbols {
		b.strategies[sym] = strategyFor(sym, strategies)
	}

	b.live = exchange.NewLiveExchange(apiKey, secretKey, cfg, logger)
	b.market = b.live
	if mode == ModeDryRun {
		b.sim = exchange.NewSimExchange(cfg.Sim, logger.Named("sim"))
		b.ex = b.sim
	} else {
		b.ex = exchange.NewCachedExchange(b.live,
			time.Duration(cfg.PositionCacheTTLMs)*time.Millisecond,
			time.Duration(cfg.OpenOrdersCacheTTLMs)*time.Millisecond)
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("打开仓位账本失败: %w", err)
	}
	b.repo = repo
	store, err := storage.InitDB(cfg.SQLitePath)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("打开分析数据库失败: %w", err)
	}
	b.store = store

	senders := []notify.Sender{notify.NewLogSender(logger)}
	notifyTimeout := time.Duration(cfg.Notify.TimeoutSec) * time.Second
	if cfg.Notify.WebhookURL != "" {
		discord, err := notify.NewDiscordSender(cfg.Notify.WebhookURL, notifyTimeout)
		if err != nil {
			b.logger.Warn("Discord 通知初始化失败，仅记录日志", zap.Error(err))
		} else {
			senders = append(senders, discord)
		}
	}
	b.notifier = notify.NewNotifier(logger, notifyTimeout, senders...)

	b.ledger = ledger.New(repo, logger)
	b.prices = markprice.NewHub(b.market, cfg.WSBaseURL,
		time.Duration(cfg.MarkPriceStaleMs)*time.Millisecond,
		time.Duration(cfg.MarkPriceColdStartMs)*time.Millisecond,
		b.streamOptions("markprice"), logger)
	b.cooldown = cooldown.NewHub(b.ex, cfg.Symbols, hasCreds || mode == ModeDryRun, logger)
	b.analyzer = analysis.NewAnalyzer(marketdata.NewFeed(b.market), b.prices, store, logger)
	b.engine = trading.NewEngine(b.ledger, b.ex, store, b.cooldown, b.prices, b.notifier, logger)
	b.processor = orderevents.NewProcessor(b.ledger, b.ex, b.notifier, b.cooldown, orderevents.Options{
		DedupTTL:         time.Duration(cfg.DedupTTLSec) * time.Second,
		TPFallbackMaxPct: cfg.TPFallbackMaxPct,
		TrailingEnabled:  b.trailingEnabled,
	}, logger)
	b.monitor = monitor.New(b.ledger, b.ex, store, b.prices, cfg.ROISource, logger)
	b.reporter = reporter.New(b.ledger, b.prices, cfg.Symbols, logger)
	if cfg.API.Enabled {
		b.api = api.NewServer(cfg.API.Addr, b.ledger, store, logger)
	}
	return b, nil
}

func strategyFor(sym string, strategies map[string]models.StrategyConfig) models.StrategyConfig {
	if s, ok := strategies[sym]; ok {
		return s
	}
	s := config.DefaultStrategy()
	s.Symbol = sym
	return s
}

func (b *Bot) trailingEnabled(symbol string) bool {
	s, ok := b.strategies[symbol]
	return ok && s.Exits.Trailing.Enabled
}

func (b *Bot) streamOptions(name string) wsstream.Options {
	return wsstream.Options{
		Name:         name,
		PingInterval: time.Duration(b.cfg.WebSocketPingIntervalSec) * time.Second,
		PongWait:     time.Duration(b.cfg.WebSocketPongTimeoutSec) * time.Second,
	}
}

// Start 检查时间同步后启动所有后台任务
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("机器人已在运行")
	}
	b.mu.Unlock()

	// 1. 检查时间同步
	drift, err := checkTimeDrift(ctx, b.market, time.Duration(b.cfg.MaxTimeDriftMs)*time.Millisecond, time.Now)
	if err != nil {
		return err
	}
	b.logger.Info("时间同步检查通过", zap.Duration("drift", drift))

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	b.mu.Lock()
	b.running = true
	b.cancel = cancel
	b.group = g
	b.mu.Unlock()

	// 2. 订单事件与行情
	b.processor.Start(gctx)
	b.prices.Start(gctx)

	if b.mode == ModeLive {
		us := exchange.NewUserStream(b.live, b.cfg.WSBaseURL, b.streamOptions("userdata"), b.processor.Dispatch, b.logger)
		g.Go(func() error { us.Run(gctx); return nil })
	} else {
		g.Go(func() error { b.pumpSimEvents(gctx); return nil })
		g.Go(func() error { b.mirrorMarks(gctx); return nil })
	}

	liq := marketdata.NewLiquidationStream(b.cfg.WSBaseURL, b.cfg.Symbols, b.store, b.streamOptions("forceorder"), b.logger)
	g.Go(func() error { liq.Run(gctx); return nil })

	// 3. 每个交易对的分析、开仓与监控循环
	for _, sym := range b.cfg.Symbols {
		strat := b.strategies[sym]
		g.Go(func() error {
			b.loop(gctx, b.cfg.AnalysisIntervalSec, func(ctx context.Context) { b.analyze(ctx, strat) })
			return nil
		})
		g.Go(func() error {
			b.loop(gctx, b.cfg.EntryIntervalSec, func(ctx context.Context) { b.enter(ctx, strat) })
			return nil
		})
		g.Go(func() error {
			b.loop(gctx, b.cfg.MonitorIntervalSec, func(ctx context.Context) {
				if err := b.monitor.Tick(ctx, strat); err != nil && ctx.Err() == nil {
					b.logger.Warn("持仓监控失败", zap.String("symbol", strat.Symbol), zap.Error(err))
				}
			})
			return nil
		})
	}

	// 4. 定时任务
	c, err := b.scheduleJobs(gctx)
	if err != nil {
		cancel()
		_ = g.Wait()
		b.processor.Stop()
		b.prices.Stop()
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		return err
	}
	b.mu.Lock()
	b.cron = c
	b.mu.Unlock()
	c.Start()

	if b.api != nil {
		g.Go(func() error { return b.api.Run(gctx) })
	}

	b.logger.Info("合约机器人已启动", zap.String("mode", string(b.mode)), zap.Strings("symbols", b.cfg.Symbols))
	return nil
}

// checkTimeDrift fails when |server - local| exceeds max.
func checkTimeDrift(ctx context.Context, ex exchange.Exchange, max time.Duration, now func() time.Time) (time.Duration, error) {
	serverTime, err := ex.GetServerTime(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取币安服务器时间失败: %w", err)
	}
	drift := serverTime.Sub(now())
	if max > 0 && (drift > max || drift < -max) {
		return drift, fmt.Errorf("%w: 偏差 %s, 请同步系统时钟(NTP)", ErrClockDrift, drift)
	}
	return drift, nil
}

// loop runs fn immediately and then every intervalSec seconds until ctx is done.
func (b *Bot) loop(ctx context.Context, intervalSec int, fn func(context.Context)) {
	if intervalSec <= 0 {
		intervalSec = 1
	}
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bot) analyze(ctx context.Context, strat models.StrategyConfig) {
	snap, err := b.analyzer.Run(ctx, strat)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("行情分析失败", zap.String("symbol", strat.Symbol), zap.Error(err))
		}
		return
	}
	b.logger.Debug("分析完成",
		zap.String("symbol", snap.Symbol),
		zap.String("bias", string(snap.Bias)),
		zap.String("coverage", snap.Coverage()))
}

func (b *Bot) enter(ctx context.Context, strat models.StrategyConfig) {
	res, err := b.engine.Tick(ctx, strat)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Warn("开仓失败", zap.String("symbol", strat.Symbol), zap.Error(err))
		}
		return
	}
	if res.Position != nil {
		b.logger.Info("已开仓",
			zap.String("symbol", res.Position.Symbol),
			zap.String("side", string(res.Position.Side)),
			zap.Float64("entry", res.Position.EntryPrice),
			zap.Float64("qty", res.Position.Qty))
	}
}

func (b *Bot) scheduleJobs(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	grace := time.Duration(b.cfg.ReconcileGraceSec) * time.Second
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"reconcile", b.cfg.ReconcileSpec, func() {
			closed, err := b.ledger.ReconcilePositions(ctx, b.ex, ledger.ReconcileOptions{
				Grace:      grace,
				Notifier:   b.notifier,
				PendingPnl: b.processor.PendingPnl,
				OnClosed: func(p *models.Position) {
					b.processor.DiscardClose(p.Symbol, p.ID)
					b.cooldown.Record(p.Symbol, time.Now())
				},
			})
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("仓位对账失败", zap.Error(err))
			}
			if len(closed) > 0 {
				b.logger.Info("对账关闭了不同步的仓位", zap.Int("count", len(closed)))
			}
		}},
		{"cooldown", b.cfg.CooldownPollSpec, func() { b.cooldown.Poll(ctx) }},
		{"report", b.cfg.ReportSpec, b.reporter.Report},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("定时任务 %s (%q) 无效: %w", j.name, j.spec, err)
		}
	}
	return c, nil
}

// pumpSimEvents feeds the simulator's fills into the processor like a user-data stream.
func (b *Bot) pumpSimEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.sim.Events():
			b.processor.Dispatch(ctx, f)
		}
	}
}

// mirrorMarks copies live mark prices into the simulator, which triggers its resting
// stop and take-profit orders.
func (b *Bot) mirrorMarks(ctx context.Context) {
	ticker := time.NewTicker(simMirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range b.cfg.Symbols {
				if tick, ok := b.prices.Latest(sym); ok && tick.MarkPrice > 0 {
					b.sim.SetMarkPrice(sym, tick.MarkPrice)
				}
			}
		}
	}
}

// Stop 停止所有后台任务并关闭存储。挂单与仓位保留在交易所，由止损/止盈单保护。
func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		b.closeStores()
		return
	}
	b.running = false
	cancel, g, c := b.cancel, b.group, b.cron
	b.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	cancel()
	if err := g.Wait(); err != nil {
		b.logger.Warn("后台任务退出异常", zap.Error(err))
	}
	b.processor.Stop()
	b.prices.Stop()
	b.reporter.Report()
	b.closeStores()
	b.logger.Info("合约机器人已停止")
}

func (b *Bot) closeStores() {
	b.closeOnce.Do(func() {
		if err := b.store.Close(); err != nil {
			b.logger.Warn("关闭分析数据库失败", zap.Error(err))
		}
		if err := b.repo.Close(); err != nil {
			b.logger.Warn("关闭仓位账本失败", zap.Error(err))
		}
	})
}
