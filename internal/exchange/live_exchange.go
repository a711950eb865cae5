package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"binance-futures-bot/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Binance error codes that mean "nothing to do" rather than failure.
const (
	codeNoNeedToChangeMargin   = -4046
	codeNoNeedToChangePosition = -4059
	codeUnknownOrder           = -2011
)

// LiveExchange 实现了 Exchange 接口，通过 go-binance 的 U 本位合约客户端与币安交互。
// 所有 REST 调用都经过令牌桶限流。
type LiveExchange struct {
	client  *futures.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.RWMutex
	filters map[string]*models.SymbolFilters
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。
func NewLiveExchange(apiKey, secretKey string, cfg *models.Config, logger *zap.Logger) *LiveExchange {
	futures.UseTestnet = cfg.IsTestnet
	client := binance.NewFuturesClient(apiKey, secretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	burst := int(cfg.RESTRateLimit)
	if burst < 1 {
		burst = 1
	}
	return &LiveExchange{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RESTRateLimit), burst),
		logger:  logger,
		filters: make(map[string]*models.SymbolFilters),
	}
}

func (e *LiveExchange) wait(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// apiCode extracts the Binance error code, 0 if err is not an API error.
func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (e *LiveExchange) GetMarkPrice(ctx context.Context, symbol string) (models.MarkTick, error) {
	if err := e.wait(ctx); err != nil {
		return models.MarkTick{}, err
	}
	res, err := e.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.MarkTick{}, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	for _, p := range res {
		if p.Symbol != symbol {
			continue
		}
		return models.MarkTick{
			Symbol:          p.Symbol,
			MarkPrice:       parseFloat(p.MarkPrice),
			FundingRate:     parseFloat(p.LastFundingRate),
			NextFundingTime: time.UnixMilli(p.NextFundingTime),
			Time:            time.UnixMilli(p.Time),
		}, nil
	}
	return models.MarkTick{}, fmt.Errorf("%w: premium index %s", ErrNotFound, symbol)
}

func (e *LiveExchange) GetPositionRisk(ctx context.Context, symbol string) (*models.PositionRisk, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	res, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("position risk %s: %w", symbol, err)
	}
	risk := &models.PositionRisk{Symbol: symbol}
	for _, p := range res {
		if p.Symbol != symbol {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		risk.Leverage = lev
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		risk.PositionAmt = amt
		risk.EntryPrice = parseFloat(p.EntryPrice)
		risk.MarkPrice = parseFloat(p.MarkPrice)
		risk.UnrealizedProfit = parseFloat(p.UnRealizedProfit)
		risk.IsolatedMargin = parseFloat(p.IsolatedMargin)
		break
	}
	return risk, nil
}

func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	res, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", symbol, err)
	}
	out := make([]models.OpenOrder, 0, len(res))
	for _, o := range res {
		typ := string(o.OrigType)
		if typ == "" {
			typ = string(o.Type)
		}
		out = append(out, models.OpenOrder{
			Symbol:        o.Symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          string(o.Side),
			Type:          typ,
			Status:        string(o.Status),
			Price:         parseFloat(o.Price),
			StopPrice:     parseFloat(o.StopPrice),
			OrigQty:       parseFloat(o.OrigQuantity),
			ExecutedQty:   parseFloat(o.ExecutedQuantity),
			ReduceOnly:    o.ReduceOnly,
			ClosePosition: o.ClosePosition,
			Time:          time.UnixMilli(o.Time),
		})
	}
	return out, nil
}

func (e *LiveExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(formatFloat(req.Quantity)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(formatFloat(req.StopPrice)).WorkingType(futures.WorkingTypeMarkPrice)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("下单失败",
			zap.String("symbol", req.Symbol),
			zap.String("side", req.Side),
			zap.String("type", req.Type),
			zap.Float64("qty", req.Quantity),
			zap.Float64("stopPrice", req.StopPrice),
			zap.Error(err))
		return nil, fmt.Errorf("place %s %s: %w", req.Type, req.Symbol, err)
	}
	e.logger.Info("下单成功",
		zap.String("symbol", req.Symbol),
		zap.String("type", req.Type),
		zap.Int64("orderId", res.OrderID),
		zap.String("status", string(res.Status)))
	return &models.OrderResult{
		Symbol:        res.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Status:        string(res.Status),
		AvgPrice:      parseFloat(res.AvgPrice),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		StopPrice:     parseFloat(res.StopPrice),
	}, nil
}

func (e *LiveExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		if apiCode(err) == codeUnknownOrder {
			return fmt.Errorf("%w: order %d", ErrNotFound, orderID)
		}
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

func (e *LiveExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	if err := e.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("cancel all %s: %w", symbol, err)
	}
	return nil
}

func (e *LiveExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		switch apiCode(err) {
		case codeNoNeedToChangeMargin, codeNoNeedToChangePosition:
			return nil
		}
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	return nil
}

// GetSymbolFilters returns the tick/step/min rules of symbol, loading exchangeInfo once.
func (e *LiveExchange) GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	e.mu.RLock()
	f, ok := e.filters[symbol]
	e.mu.RUnlock()
	if ok {
		cp := *f
		return &cp, nil
	}

	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range info.Symbols {
		sf := &models.SymbolFilters{Symbol: s.Symbol}
		for _, flt := range s.Filters {
			switch flt["filterType"] {
			case "PRICE_FILTER":
				sf.TickSize = filterValue(flt, "tickSize")
			case "LOT_SIZE":
				sf.StepSize = filterValue(flt, "stepSize")
				sf.MinQty = filterValue(flt, "minQty")
			case "MIN_NOTIONAL":
				sf.MinNotional = filterValue(flt, "notional")
			}
		}
		e.filters[s.Symbol] = sf
	}
	f, ok = e.filters[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: symbol %s", ErrNotFound, symbol)
	}
	cp := *f
	return &cp, nil
}

func filterValue(f map[string]interface{}, key string) float64 {
	if s, ok := f[key].(string); ok {
		return parseFloat(s)
	}
	return 0
}

func (e *LiveExchange) GetBookTicker(ctx context.Context, symbol string) (models.BookTicker, error) {
	if err := e.wait(ctx); err != nil {
		return models.BookTicker{}, err
	}
	res, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.BookTicker{}, fmt.Errorf("book ticker %s: %w", symbol, err)
	}
	for _, b := range res {
		if b.Symbol == symbol {
			return models.BookTicker{
				Symbol: b.Symbol,
				Bid:    parseFloat(b.BidPrice),
				BidQty: parseFloat(b.BidQuantity),
				Ask:    parseFloat(b.AskPrice),
				AskQty: parseFloat(b.AskQuantity),
			}, nil
		}
	}
	return models.BookTicker{}, fmt.Errorf("%w: book ticker %s", ErrNotFound, symbol)
}

func (e *LiveExchange) GetIncome(ctx context.Context, symbol, incomeType string, since time.Time) ([]models.Income, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	res, err := e.client.NewGetIncomeHistoryService().
		Symbol(symbol).
		IncomeType(incomeType).
		StartTime(since.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("income %s: %w", symbol, err)
	}
	out := make([]models.Income, 0, len(res))
	for _, in := range res {
		out = append(out, models.Income{
			Symbol:     in.Symbol,
			IncomeType: in.IncomeType,
			Income:     parseFloat(in.Income),
			Asset:      in.Asset,
			Time:       time.UnixMilli(in.Time),
			TranID:     in.TranID,
		})
	}
	return out, nil
}

func (e *LiveExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	res, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}
	out := make([]models.Candle, 0, len(res))
	for _, k := range res {
		out = append(out, models.Candle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return out, nil
}

func (e *LiveExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	if err := e.wait(ctx); err != nil {
		return time.Time{}, err
	}
	ms, err := e.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// CreateListenKey 创建一个新的 listenKey 用于用户数据流
func (e *LiveExchange) CreateListenKey(ctx context.Context) (string, error) {
	if err := e.wait(ctx); err != nil {
		return "", err
	}
	key, err := e.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	return key, nil
}

// KeepAliveListenKey 延长 listenKey 的有效期
func (e *LiveExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	if err := e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}
