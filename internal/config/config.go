package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"binance-futures-bot/internal/models"
)

const (
	defaultLiveAPIURL    = "https://fapi.binance.com"
	defaultLiveWSURL     = "wss://fstream.binance.com"
	defaultTestnetAPIURL = "https://testnet.binancefuture.com"
	defaultTestnetWSURL  = "wss://stream.binancefuture.com"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，随后补齐默认值
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default and resolves the endpoint URLs.
func ApplyDefaults(cfg *models.Config) {
	setStr := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}

	setStr(&cfg.LiveAPIURL, defaultLiveAPIURL)
	setStr(&cfg.LiveWSURL, defaultLiveWSURL)
	setStr(&cfg.TestnetAPIURL, defaultTestnetAPIURL)
	setStr(&cfg.TestnetWSURL, defaultTestnetWSURL)
	setStr(&cfg.DBPath, "data/ledger")
	setStr(&cfg.SQLitePath, "data/analysis.db")
	setStr(&cfg.StrategiesPath, "strategies.yaml")
	setStr(&cfg.ReconcileSpec, "@every 1m")
	setStr(&cfg.CooldownPollSpec, "@every 30s")
	setStr(&cfg.ReportSpec, "@every 5m")
	setStr(&cfg.ROISource, "auto")
	setStr(&cfg.API.Addr, ":8080")

	setInt(&cfg.AnalysisIntervalSec, 60)
	setInt(&cfg.EntryIntervalSec, 30)
	setInt(&cfg.MonitorIntervalSec, 10)
	setInt(&cfg.MarkPriceStaleMs, 7000)
	setInt(&cfg.MarkPriceColdStartMs, 1200)
	setInt(&cfg.PositionCacheTTLMs, 1200)
	setInt(&cfg.OpenOrdersCacheTTLMs, 2000)
	setInt(&cfg.DedupTTLSec, 300)
	setInt(&cfg.ReconcileGraceSec, 30)
	setInt(&cfg.WebSocketPingIntervalSec, 30)
	setInt(&cfg.WebSocketPongTimeoutSec, 60)
	setInt(&cfg.Notify.TimeoutSec, 5)

	if cfg.RESTRateLimit <= 0 {
		cfg.RESTRateLimit = 10
	}
	if cfg.MaxTimeDriftMs <= 0 {
		cfg.MaxTimeDriftMs = 1000
	}
	if cfg.Sim.TickSize <= 0 {
		cfg.Sim.TickSize = 0.01
	}
	if cfg.Sim.StepSize <= 0 {
		cfg.Sim.StepSize = 0.001
	}

	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
	}

	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// Validate rejects configurations the bot cannot run with.
func Validate(cfg *models.Config) error {
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol is required")
	}
	switch cfg.ROISource {
	case "auto", "margin", "price":
	default:
		return fmt.Errorf("config: roi_source must be auto, margin or price, got %q", cfg.ROISource)
	}
	if cfg.TPFallbackMaxPct < 0 {
		return fmt.Errorf("config: tp_fallback_max_pct must not be negative")
	}
	return nil
}

// Credentials 从环境变量读取 API 密钥 (.env 由 godotenv 在 main 中加载)
func Credentials(testnet bool) (apiKey, secretKey string) {
	if testnet {
		return os.Getenv("BINANCE_TESTNET_API_KEY"), os.Getenv("BINANCE_TESTNET_SECRET_KEY")
	}
	return os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY")
}
