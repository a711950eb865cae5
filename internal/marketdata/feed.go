package marketdata

import (
	"context"
	"fmt"
	"time"

	"binance-futures-bot/internal/exchange"
	"binance-futures-bot/internal/models"
)

// Feed 从交易所读取K线和盘口数据，并统一为内部模型
type Feed struct {
	ex  exchange.Exchange
	now func() time.Time
}

// NewFeed creates a feed over ex.
func NewFeed(ex exchange.Exchange) *Feed {
	return &Feed{ex: ex, now: time.Now}
}

// WithClock overrides the time source (tests).
func (f *Feed) WithClock(now func() time.Time) *Feed {
	f.now = now
	return f
}

// Candles returns up to limit closed candles, oldest first. The candle still being
// formed is dropped.
func (f *Feed) Candles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	candles, err := f.ex.GetKlines(ctx, symbol, interval, limit+1)
	if err != nil {
		return nil, fmt.Errorf("下载K线数据失败 %s %s: %w", symbol, interval, err)
	}
	now := f.now()
	if n := len(candles); n > 0 && candles[n-1].CloseTime.After(now) {
		candles = candles[:n-1]
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// Book returns the best bid/ask of symbol.
func (f *Feed) Book(ctx context.Context, symbol string) (models.BookTicker, error) {
	return f.ex.GetBookTicker(ctx, symbol)
}
