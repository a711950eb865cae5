package exchange

import (
	"context"
	"errors"
	"time"

	"binance-futures-bot/internal/models"
)

// ErrNotFound is returned when the exchange knows nothing about the requested symbol or order.
var ErrNotFound = errors.New("exchange: not found")

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 实盘 (LiveExchange)、模拟盘 (SimExchange) 以及缓存包装 (CachedExchange) 均实现该接口。
type Exchange interface {
	GetMarkPrice(ctx context.Context, symbol string) (models.MarkTick, error)
	GetPositionRisk(ctx context.Context, symbol string) (*models.PositionRisk, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error)
	GetBookTicker(ctx context.Context, symbol string) (models.BookTicker, error)
	GetIncome(ctx context.Context, symbol, incomeType string, since time.Time) ([]models.Income, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetServerTime(ctx context.Context) (time.Time, error)
}

// UserStreamAPI manages the listen key of the user-data stream.
type UserStreamAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// Invalidator is implemented by exchanges that cache reads per symbol.
type Invalidator interface {
	Invalidate(symbol string)
}

// FreshPositionRisk reads the live position bypassing any read cache. Terminal decisions
// (finalizing a close, trailing, adding) must use it.
func FreshPositionRisk(ctx context.Context, ex Exchange, symbol string) (*models.PositionRisk, error) {
	if inv, ok := ex.(Invalidator); ok {
		inv.Invalidate(symbol)
	}
	return ex.GetPositionRisk(ctx, symbol)
}

// CancelStopOrders cancels every resting stop-loss order of symbol and returns how many
// were cancelled.
func CancelStopOrders(ctx context.Context, ex Exchange, symbol string) (int, error) {
	orders, err := ex.GetOpenOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if !o.IsStop() {
			continue
		}
		if err := ex.CancelOrder(ctx, symbol, o.OrderID); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}
