package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"binance-futures-bot/internal/models"
	"binance-futures-bot/internal/wsstream"

	"go.uber.org/zap"
)

const listenKeyKeepAlive = 30 * time.Minute

// UserStream consumes the user-data stream and forwards order updates as OrderFill values.
type UserStream struct {
	api     UserStreamAPI
	wsBase  string
	opts    wsstream.Options
	onFill  func(context.Context, models.OrderFill)
	logger  *zap.Logger
	current atomic.Value // string
}

// NewUserStream creates a stream that calls onFill for every ORDER_TRADE_UPDATE.
func NewUserStream(api UserStreamAPI, wsBase string, opts wsstream.Options, onFill func(context.Context, models.OrderFill), logger *zap.Logger) *UserStream {
	opts.Name = "user-data"
	return &UserStream{
		api:    api,
		wsBase: strings.TrimRight(wsBase, "/"),
		opts:   opts,
		onFill: onFill,
		logger: logger.Named("userstream"),
	}
}

// Run blocks until ctx is cancelled. A fresh listen key is created on every reconnect and
// kept alive every 30 minutes.
func (s *UserStream) Run(ctx context.Context) {
	go s.keepAlive(ctx)
	wsstream.Run(ctx, s.resolveURL, func(msg []byte) { s.handle(ctx, msg) }, s.opts, s.logger)
}

func (s *UserStream) resolveURL(ctx context.Context) (string, error) {
	key, err := s.api.CreateListenKey(ctx)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	s.current.Store(key)
	return s.wsBase + "/ws/" + key, nil
}

func (s *UserStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key, _ := s.current.Load().(string)
			if key == "" {
				continue
			}
			if err := s.api.KeepAliveListenKey(ctx, key); err != nil {
				s.logger.Warn("延长 listenKey 有效期失败", zap.Error(err))
			}
		}
	}
}

func (s *UserStream) handle(ctx context.Context, msg []byte) {
	var env models.StreamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.logger.Warn("无法解析用户数据流消息", zap.Error(err))
		return
	}
	switch env.EventType {
	case "ORDER_TRADE_UPDATE":
		fill, err := ParseOrderUpdate(msg)
		if err != nil {
			s.logger.Warn("无法解析订单更新事件", zap.Error(err))
			return
		}
		s.onFill(ctx, fill)
	case "ACCOUNT_UPDATE":
		var ev models.AccountUpdateEvent
		if err := json.Unmarshal(msg, &ev); err == nil {
			s.logger.Debug("账户更新", zap.String("reason", ev.UpdateData.Reason), zap.Int("positions", len(ev.UpdateData.Positions)))
		}
	case "listenKeyExpired":
		s.logger.Warn("listenKey 已过期，等待重连")
	}
}

// ParseOrderUpdate converts a raw ORDER_TRADE_UPDATE payload into an OrderFill.
func ParseOrderUpdate(data []byte) (models.OrderFill, error) {
	var ev models.OrderUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.OrderFill{}, err
	}
	o := ev.Order
	if o.Symbol == "" || o.OrderID == 0 {
		return models.OrderFill{}, fmt.Errorf("order update missing symbol or order id")
	}
	orderType := o.OrigType
	if orderType == "" {
		orderType = o.OrderType
	}
	return models.OrderFill{
		OrderID:         o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Status:          o.Status,
		Side:            o.Side,
		OrderType:       orderType,
		LastPrice:       num(o.LastFilledPrice),
		LastQty:         num(o.LastFilledQty),
		CumQty:          num(o.CumQty),
		AvgPrice:        num(o.AvgPrice),
		Commission:      num(o.CommissionAmt),
		CommissionAsset: o.CommissionAsset,
		ReduceOnly:      o.IsReduceOnly || o.ClosePosition,
		RealizedProfit:  num(o.RealizedProfit),
		EventTime:       time.UnixMilli(ev.EventTime),
	}, nil
}

func num(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
