package notify

import (
	"context"
	"fmt"
	"time"

	"binance-futures-bot/internal/models"

	"go.uber.org/zap"
)

// Action is the lifecycle transition being announced.
type Action string

const (
	ActionOpen   Action = "OPEN"
	ActionClosed Action = "CLOSED"
)

// Message is the sender-agnostic notification payload.
type Message struct {
	Action     Action
	Symbol     string
	Side       models.Side
	EntryPrice float64
	Qty        float64
	StopPrice  float64
	Leverage   int
	FinalPnl   *float64
	ClosedBy   models.CloseReason
	Time       time.Time
}

// Title renders a one-line summary.
func (m Message) Title() string {
	if m.Action == ActionClosed && m.FinalPnl != nil {
		return fmt.Sprintf("%s %s %s (%s) pnl=%.4f", m.Symbol, m.Side, m.Action, m.ClosedBy, *m.FinalPnl)
	}
	return fmt.Sprintf("%s %s %s @ %.4f", m.Symbol, m.Side, m.Action, m.EntryPrice)
}

// Sender delivers a message to one destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// TradeNotifier is what the trading components depend on.
type TradeNotifier interface {
	NotifyTrade(ctx context.Context, pos *models.Position, action Action)
}

// Notifier fans a trade notification out to every sender. Delivery is best-effort:
// failures are logged and never returned.
type Notifier struct {
	senders []Sender
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotifier creates a notifier. A zero timeout means 5s per sender.
func NewNotifier(logger *zap.Logger, timeout time.Duration, senders ...Sender) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{senders: senders, timeout: timeout, logger: logger.Named("notify")}
}

// NotifyTrade sends the OPEN/CLOSED transition of pos.
func (n *Notifier) NotifyTrade(ctx context.Context, pos *models.Position, action Action) {
	if pos == nil {
		return
	}
	msg := Message{
		Action:     action,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		Qty:        pos.Qty,
		StopPrice:  pos.StopPrice,
		Leverage:   pos.Leverage,
		FinalPnl:   pos.FinalPnl,
		ClosedBy:   pos.ClosedBy,
		Time:       pos.UpdatedAt,
	}
	for _, s := range n.senders {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		if err := s.Send(sctx, msg); err != nil {
			n.logger.Warn("发送交易通知失败", zap.String("sender", s.Name()), zap.String("symbol", pos.Symbol), zap.Error(err))
		}
		cancel()
	}
}

// LogSender writes notifications to the application log.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("symbol", msg.Symbol),
		zap.String("side", string(msg.Side)),
		zap.Float64("entry", msg.EntryPrice),
		zap.Float64("qty", msg.Qty),
		zap.Float64("stop", msg.StopPrice),
	}
	if msg.FinalPnl != nil {
		fields = append(fields, zap.Float64("finalPnl", *msg.FinalPnl), zap.String("closedBy", string(msg.ClosedBy)))
	}
	s.logger.Info("交易通知: "+msg.Title(), fields...)
	return nil
}
