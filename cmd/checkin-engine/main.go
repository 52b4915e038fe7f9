package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/config"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/logging"
	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/service"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Dir)
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer logger.Sync()

	// 3. 创建引擎
	engine, err := service.NewEngine(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create engine",
			zap.Error(err),
		)
	}
	defer engine.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动引擎（在 goroutine 中）
	engineErrChan := make(chan error, 1)
	go func() {
		if err := engine.Start(ctx); err != nil {
			engineErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-engineErrChan:
		// Fatal 会直接 os.Exit，跳过 defer 的 engine.Stop()，这里手动收尾
		logger.Error("Engine error",
			zap.Error(err),
		)
		cancel()
		engine.Stop()
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("Check-in engine stopped")
}
