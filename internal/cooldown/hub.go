package cooldown

import (
	"context"
	"sync"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"

	"go.uber.org/zap"
)

const lookback = 24 * time.Hour

// Hub derives each symbol's last-closed time from realized-PnL income, so cooldowns
// survive restarts and cover closes the bot did not see.
type Hub struct {
	ex      exchange.Exchange
	symbols []string
	enabled bool
	now     func() time.Time
	logger  *zap.Logger

	mu   sync.RWMutex
	last map[string]time.Time

	disabledOnce sync.Once
}

// NewHub creates a hub for symbols. Without credentials the hub never polls.
func NewHub(ex exchange.Exchange, symbols []string, hasCredentials bool, logger *zap.Logger) *Hub {
	return &Hub{
		ex:      ex,
		symbols: symbols,
		enabled: hasCredentials,
		now:     time.Now,
		logger:  logger.Named("cooldown"),
		last:    make(map[string]time.Time),
	}
}

// WithClock overrides the time source (tests).
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Enabled reports whether the hub polls the exchange.
func (h *Hub) Enabled() bool { return h.enabled }

// Poll refreshes last-closed times from the income history of the last 24h. A failing
// symbol is logged and skipped.
func (h *Hub) Poll(ctx context.Context) {
	if !h.enabled {
		h.disabledOnce.Do(func() {
			h.logger.Warn("未配置交易所 API 凭证，冷却期轮询不会启动")
		})
		return
	}
	since := h.now().Add(-lookback)
	for _, symbol := range h.symbols {
		incomes, err := h.ex.GetIncome(ctx, symbol, models.IncomeRealizedPnl, since)
		if err != nil {
			h.logger.Warn("获取已实现盈亏记录失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		var newest time.Time
		for _, inc := range incomes {
			if inc.Symbol != "" && inc.Symbol != symbol {
				continue
			}
			if inc.Time.After(newest) {
				newest = inc.Time
			}
		}
		if !newest.IsZero() {
			h.Record(symbol, newest)
		}
	}
}

// Record sets the last-closed time of symbol if t is newer than what is known.
func (h *Hub) Record(symbol string, t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.After(h.last[symbol]) {
		h.last[symbol] = t
	}
}

// LastClosed returns the last-closed time of symbol.
func (h *Hub) LastClosed(symbol string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.last[symbol]
	return t, ok
}

// InCooldown reports whether symbol closed less than d ago.
func (h *Hub) InCooldown(symbol string, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	last, ok := h.LastClosed(symbol)
	if !ok {
		return false
	}
	return h.now().Sub(last) < d
}
