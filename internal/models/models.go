package models

import (
	"fmt"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet      bool     `json:"is_testnet"`      // 是否使用测试网
	DBPath         string   `json:"db_path"`         // 仓位账本 (badger) 目录
	SQLitePath     string   `json:"sqlite_path"`     // 分析快照与爆仓聚合数据库
	LiveAPIURL     string   `json:"live_api_url"`
	LiveWSURL      string   `json:"live_ws_url"`
	TestnetAPIURL  string   `json:"testnet_api_url"`
	TestnetWSURL   string   `json:"testnet_ws_url"`
	Symbols        []string `json:"symbols"`         // 交易对列表，如 ["BTCUSDT", "ETHUSDT"]
	StrategiesPath string   `json:"strategies_path"` // 每个交易对的策略 YAML 文件

	AnalysisIntervalSec int `json:"analysis_interval_sec"`
	EntryIntervalSec    int `json:"entry_interval_sec"`
	MonitorIntervalSec  int `json:"monitor_interval_sec"`

	MarkPriceStaleMs     int     `json:"mark_price_stale_ms"`      // 标记价格过期阈值
	MarkPriceColdStartMs int     `json:"mark_price_cold_start_ms"` // 冷启动等待首个推送的超时
	PositionCacheTTLMs   int     `json:"position_cache_ttl_ms"`
	OpenOrdersCacheTTLMs int     `json:"open_orders_cache_ttl_ms"`
	DedupTTLSec          int     `json:"dedup_ttl_sec"`
	RESTRateLimit        float64 `json:"rest_rate_limit"` // 每秒 REST 请求数
	MaxTimeDriftMs       int64   `json:"max_time_drift_ms"`

	ReconcileSpec     string `json:"reconcile_spec"` // cron 表达式，例如 "@every 1m"
	ReconcileGraceSec int    `json:"reconcile_grace_sec"`
	CooldownPollSpec  string `json:"cooldown_poll_spec"`
	ReportSpec        string `json:"report_spec"`

	TPFallbackMaxPct float64 `json:"tp_fallback_max_pct"` // 止盈最近档位回退匹配的最大距离 (0 表示不限制)
	ROISource        string  `json:"roi_source"`          // auto | margin | price

	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"`
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`

	API       APIConfig    `json:"api"`
	Notify    NotifyConfig `json:"notify"`
	Sim       SimConfig    `json:"sim"`
	LogConfig LogConfig    `json:"log"`

	BaseURL   string `json:"base_url"`    // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// APIConfig 只读状态接口配置
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// NotifyConfig 交易通知配置
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url"`
	TimeoutSec int    `json:"timeout_sec"`
}

// SimConfig 模拟交易所 (dry-run) 参数
type SimConfig struct {
	TakerFeeRate float64 `json:"taker_fee_rate"` // 吃单手续费率
	SlippageRate float64 `json:"slippage_rate"`  // 滑点率
	TickSize     float64 `json:"tick_size"`
	StepSize     float64 `json:"step_size"`
	MinQty       float64 `json:"min_qty"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Error 定义了币安API返回的错误信息结构
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// StreamEnvelope 用于在解析具体负载前识别用户数据流事件类型
type StreamEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// OrderUpdateEvent 是从用户数据流接收到的 ORDER_TRADE_UPDATE 事件
type OrderUpdateEvent struct {
	EventType       string          `json:"e"` // "ORDER_TRADE_UPDATE"
	EventTime       int64           `json:"E"`
	TransactionTime int64           `json:"T"`
	Order           OrderUpdateInfo `json:"o"`
}

// OrderUpdateInfo 包含了订单更新的具体信息
type OrderUpdateInfo struct {
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	OrigQty         string `json:"q"`
	Price           string `json:"p"`
	AvgPrice        string `json:"ap"`
	StopPrice       string `json:"sp"`
	ExecutionType   string `json:"x"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	LastFilledQty   string `json:"l"`
	CumQty          string `json:"z"`
	LastFilledPrice string `json:"L"`
	CommissionAmt   string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeTime       int64  `json:"T"`
	TradeID         int64  `json:"t"`
	IsReduceOnly    bool   `json:"R"`
	OrigType        string `json:"ot"`
	PositionSide    string `json:"ps"`
	ClosePosition   bool   `json:"cp"`
	RealizedProfit  string `json:"rp"`
}

// AccountUpdateEvent 代表了 ACCOUNT_UPDATE 事件，目前只做记录
type AccountUpdateEvent struct {
	EventType       string            `json:"e"`
	EventTime       int64             `json:"E"`
	TransactionTime int64             `json:"T"`
	UpdateData      AccountUpdateData `json:"a"`
}

// AccountUpdateData 包含账户更新中的余额和仓位信息。
type AccountUpdateData struct {
	Reason    string           `json:"m"`
	Positions []PositionUpdate `json:"P"`
}

// PositionUpdate 代表单个仓位的更新。
type PositionUpdate struct {
	Symbol         string `json:"s"`
	PositionAmount string `json:"pa"`
	EntryPrice     string `json:"ep"`
	UnrealizedPnl  string `json:"up"`
	PositionSide   string `json:"ps"`
}

// MarkPriceEvent is one element of the !markPrice@arr stream payload.
type MarkPriceEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// ForceOrderEvent is a liquidation order pushed on the !forceOrder@arr stream.
type ForceOrderEvent struct {
	EventType string         `json:"e"`
	EventTime int64          `json:"E"`
	Order     ForceOrderInfo `json:"o"`
}

// ForceOrderInfo carries the liquidation order details.
type ForceOrderInfo struct {
	Symbol       string `json:"s"`
	Side         string `json:"S"`
	OrderType    string `json:"o"`
	OrigQty      string `json:"q"`
	Price        string `json:"p"`
	AvgPrice     string `json:"ap"`
	Status       string `json:"X"`
	LastFilled   string `json:"l"`
	CumFilledQty string `json:"z"`
	TradeTime    int64  `json:"T"`
}
