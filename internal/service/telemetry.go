package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Abenedis/aplitapp/common/database"
	mqttcommon "github.com/Abenedis/aplitapp/common/mqtt"
	rediscommon "github.com/Abenedis/aplitapp/common/redis"
	"github.com/Abenedis/aplitapp/internal/config"
	"github.com/Abenedis/aplitapp/internal/consumer"
	httpapi "github.com/Abenedis/aplitapp/internal/http"
	"github.com/Abenedis/aplitapp/internal/metrics"
	"github.com/Abenedis/aplitapp/internal/models"
	"github.com/Abenedis/aplitapp/internal/notify"
	"github.com/Abenedis/aplitapp/internal/repository"
	"github.com/Abenedis/aplitapp/internal/store"
	"github.com/Abenedis/aplitapp/internal/supervisor"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	startupTimeout  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Snapshot websocket 客户端连接时收到的初始数据
type Snapshot struct {
	Devices    []models.Device          `json:"devices"`
	Connection *models.ConnectionStatus `json:"connection,omitempty"`
}

// TelemetryService 遥测服务：持有全部组件并负责启动/停止
type TelemetryService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redis       *redis.Client
	store       *store.DeviceStore
	annotations repository.AnnotationRepository
	hub         *notify.Hub
	metrics     *metrics.Metrics
	pipeline    *consumer.Pipeline
	supervisor  *supervisor.Supervisor // 服务端 MQTT 禁用时为 nil
	handler     http.Handler
	server      *Server
}

// NewTelemetryService 创建遥测服务
func NewTelemetryService(cfg *config.Config, logger *zap.Logger) (*TelemetryService, error) {
	s := &TelemetryService{
		config: cfg,
		logger: logger,
	}

	// 1. 设备存储 + 指标
	s.store = store.NewDeviceStore(cfg.Telemetry.RetentionLimit)
	s.metrics = metrics.New(s.store.Len)

	// 2. 下游通知：websocket（总是启用）+ Redis Stream（可选）
	s.hub = notify.NewHub(logger)
	notifiers := notify.NewMulti(notify.Named{Name: "websocket", Notifier: s.hub})
	notifiers.OnError(s.metrics.RecordNotifyError)

	if cfg.Telemetry.RedisEnabled {
		s.redis = rediscommon.NewRedisClient(&cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		err := rediscommon.Ping(ctx, s.redis)
		cancel()
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		notifiers.Add("redis_stream", notify.NewStreamPublisher(s.redis, cfg.Telemetry.Stream, logger))
	}

	// 3. 设备注解
	annotations, err := s.newAnnotationRepository()
	if err != nil {
		s.close()
		return nil, err
	}
	s.annotations = annotations

	// 4. 入库流水线
	s.pipeline = consumer.NewPipeline(cfg.Telemetry.Topics, s.store, notifiers, s.metrics, logger)

	// 5. Broker 连接
	if !cfg.Telemetry.DisableServerMQTT {
		dialer := mqttcommon.NewDialer(&cfg.MQTT, s.pipeline.HandleMessage, logger)
		s.supervisor = supervisor.New(dialer, supervisor.Options{
			Topics:         cfg.Telemetry.Topics,
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			MaxAttempts:    cfg.Backoff.MaxAttempts,
			BackOff:        supervisor.NewBackOff(cfg.Backoff),
		}, logger)
		s.supervisor.OnStateChange(s.metrics.ObserveConnection)
		s.supervisor.OnStateChange(s.hub.BroadcastConnection)
	} else {
		logger.Info("Server-side MQTT disabled, running query API only")
	}
	s.hub.SetSnapshot(func() any { return s.Snapshot() })

	// 6. HTTP
	s.handler = s.newRouter()
	s.server = NewServer(cfg.HTTPAddr, s.handler, logger)

	return s, nil
}

func (s *TelemetryService) newAnnotationRepository() (repository.AnnotationRepository, error) {
	switch s.config.Telemetry.AnnotationBackend {
	case config.AnnotationRedis:
		if s.redis == nil {
			return nil, fmt.Errorf("redis annotation backend requires REDIS_ENABLED=true")
		}
		return repository.NewRedisAnnotationRepository(store.NewRedisKV(s.redis)), nil
	case config.AnnotationPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		db, err := database.NewPostgresDB(ctx, &s.config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		repo := repository.NewPostgresAnnotationRepository(db, s.logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return repository.NewMemoryAnnotationRepository(), nil
	}
}

func (s *TelemetryService) newRouter() http.Handler {
	// conn 必须是无类型 nil，否则 handler 会把禁用状态当成已启用
	var conn httpapi.ConnectionController
	if s.supervisor != nil {
		conn = s.supervisor
	}

	router := httpapi.NewRouter(s.logger)
	router.RegisterDeviceRoutes(httpapi.NewDeviceHandler(s.store, s.annotations, s.logger))
	router.RegisterConnectionRoutes(httpapi.NewConnectionHandler(conn, s.pipeline, s.config.MQTT.Broker, s.logger))
	router.RegisterHealthRoutes(httpapi.NewHealthHandler(conn, s.store, s.redis, s.logger))
	router.RegisterPushRoutes(s.hub)
	router.RegisterMetricsRoutes(s.metrics.Handler())
	return router
}

// Handler HTTP 入口（测试使用）
func (s *TelemetryService) Handler() http.Handler {
	return s.handler
}

// Pipeline 入库流水线
func (s *TelemetryService) Pipeline() *consumer.Pipeline {
	return s.pipeline
}

// Snapshot 当前全部设备和连接状态
func (s *TelemetryService) Snapshot() Snapshot {
	snap := Snapshot{Devices: s.store.ListDevices()}
	if s.supervisor != nil {
		status := s.supervisor.Status()
		snap.Connection = &status
	}
	return snap
}

// Start 启动 HTTP 服务并发起首次 Broker 连接
// 首次连接失败不会导致启动失败，supervisor 会按退避策略重试
func (s *TelemetryService) Start(ctx context.Context) error {
	s.logger.Info("Starting telemetry service components",
		zap.Strings("topics", s.config.Telemetry.Topics),
		zap.Int("retention_limit", s.store.Retention()),
	)

	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	if s.supervisor != nil {
		if err := s.supervisor.Connect(ctx); err != nil {
			if errors.Is(err, supervisor.ErrStopped) {
				return fmt.Errorf("failed to start MQTT supervisor: %w", err)
			}
			s.logger.Warn("Initial MQTT connection failed, retrying in background", zap.Error(err))
		}
	}

	s.logger.Info("Telemetry service started successfully")
	return nil
}

// Stop 停止服务
func (s *TelemetryService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping telemetry service")

	// 停止重连并断开 Broker
	if s.supervisor != nil {
		s.supervisor.Stop()
	}

	// 关闭HTTP
	var stopErr error
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := s.server.Stop(shutdownCtx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
			stopErr = err
		}
	}

	s.hub.Close()
	s.close()

	s.logger.Info("Telemetry service stopped")
	return stopErr
}

func (s *TelemetryService) close() {
	// 关闭Redis
	if s.redis != nil {
		if err := rediscommon.Close(s.redis); err != nil {
			s.logger.Warn("Error closing redis", zap.Error(err))
		}
		s.redis = nil
	}

	// 关闭数据库
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Warn("Error closing database", zap.Error(err))
		}
		s.db = nil
	}
}
