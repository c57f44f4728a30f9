package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gaigenticai/ComplianceAI-sub001/internal/app"
	"github.com/gaigenticai/ComplianceAI-sub001/internal/config"
	"github.com/gaigenticai/ComplianceAI-sub001/pkg/logger"
)

func main() {
	// 解析命令行参数
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(cfg.Logger()); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting service",
		zap.String("service", cfg.Service.Name),
		zap.String("env", cfg.Service.Env),
		zap.Int("http_port", cfg.Service.HTTPPort))

	application := app.New(cfg)

	if err := application.Run(); err != nil {
		logger.Error("failed to start application", zap.Error(err))
		shutdown(application)
		_ = logger.Sync()
		os.Exit(1)
	}

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdown(application)
	logger.Info("service stopped")
}

// shutdown 优雅关闭
func shutdown(application *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown gracefully", zap.Error(err))
	}
}
