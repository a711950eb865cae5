package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"binance-futures-bot/internal/bot"
	"binance-futures-bot/internal/config"
	"binance-futures-bot/internal/logger"
	"binance-futures-bot/internal/models"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or dry-run")
	strategiesPath := flag.String("strategies", "", "path to the strategies YAML (overrides strategies_path)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 加载 .env 和配置文件时就需要日志，先用默认配置
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *strategiesPath != "" {
		cfg.StrategiesPath = *strategiesPath
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	strategies, err := config.LoadStrategies(cfg.StrategiesPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.S().Fatalf("无法加载策略文件: %v", err)
		}
		logger.S().Warnf("策略文件 %s 不存在，所有交易对使用默认策略。", cfg.StrategiesPath)
	}

	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	apiKey, secretKey := config.Credentials(cfg.IsTestnet)
	b, err := bot.New(cfg, strategies, bot.Mode(*mode), apiKey, secretKey, log)
	if err != nil {
		logger.S().Fatalf("初始化机器人失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		b.Stop()
		logger.S().Fatalf("机器人启动失败: %v", err)
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	b.Stop()
	logger.S().Info("机器人已成功停止。")
}
