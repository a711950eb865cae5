package wsstream

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Options tunes a stream. Zero values fall back to the defaults below.
type Options struct {
	Name         string
	PongWait     time.Duration // read deadline extended by every pong / message
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	// OnConnect runs after each successful dial, before reading.
	OnConnect func()
}

const (
	defaultPongWait   = 60 * time.Second
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// newBackoff doubles from min up to max, without jitter.
func newBackoff(min, max time.Duration) *backoff.Backoff {
	return &backoff.Backoff{Min: min, Max: max, Factor: 2}
}

// URLFunc returns the URL to dial. It is called before every connection attempt so that
// streams needing a fresh credential (listen keys) can renew it.
type URLFunc func(ctx context.Context) (string, error)

// Static wraps a fixed URL.
func Static(url string) URLFunc {
	return func(context.Context) (string, error) { return url, nil }
}

// Run keeps a WebSocket connection alive until ctx is cancelled, passing every text
// message to handle. Disconnects are retried with exponential backoff.
func Run(ctx context.Context, urlFn URLFunc, handle func([]byte), opts Options, logger *zap.Logger) {
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	log := logger.With(zap.String("stream", opts.Name))
	retry := newBackoff(opts.MinBackoff, opts.MaxBackoff)

	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := runOnce(ctx, urlFn, handle, opts, log)
		if ctx.Err() != nil {
			return
		}
		if connected {
			retry.Reset()
		}
		delay := retry.Duration()
		log.Warn("WebSocket连接已断开，准备重连", zap.Error(err), zap.Duration("retryIn", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce dials and reads until the connection fails. connected reports whether the
// dial succeeded, which resets the backoff.
func runOnce(ctx context.Context, urlFn URLFunc, handle func([]byte), opts Options, log *zap.Logger) (connected bool, err error) {
	url, err := urlFn(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	log.Info("WebSocket连接成功")
	if opts.OnConnect != nil {
		opts.OnConnect()
	}

	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	// Binance pings the client; answering keeps the server side alive.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					log.Debug("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		handle(msg)
	}
}
