package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Abenedis/aplitapp/common/logger"
	"github.com/Abenedis/aplitapp/internal/config"
	"github.com/Abenedis/aplitapp/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "aplit-telemetry")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting aplit-telemetry service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.Strings("topics", cfg.Telemetry.Topics),
		zap.Bool("server_mqtt_disabled", cfg.Telemetry.DisableServerMQTT),
		zap.String("annotation_backend", cfg.Telemetry.AnnotationBackend),
	)

	// 创建服务
	telemetryService, err := service.NewTelemetryService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create telemetry service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telemetryService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start telemetry service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	if err := telemetryService.Stop(context.Background()); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
