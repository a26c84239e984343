package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// HealthHandler 健康检查
type HealthHandler struct {
	conn        ConnectionController
	devices     DeviceReader
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewHealthHandler 创建健康检查 Handler；conn/redisClient 可以为 nil
func NewHealthHandler(conn ConnectionController, devices DeviceReader, redisClient *redis.Client, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		conn:        conn,
		devices:     devices,
		redisClient: redisClient,
		logger:      logger,
	}
}

// HealthCheckResponse 健康检查响应
type HealthCheckResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Devices   int               `json:"devices"`
}

// HealthCheck 进程存活即返回 200；broker 断开只体现在 services 中
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	services := make(map[string]string)

	if h.conn != nil {
		state := h.conn.Status().State
		services["mqtt"] = state.String()
		if state != models.Connected {
			status = "degraded"
		}
	} else {
		services["mqtt"] = "disabled"
	}

	// 检查 Redis
	if h.redisClient != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			status = "degraded"
			services["redis"] = "unhealthy: " + err.Error()
			h.logger.Warn("Redis health check failed", zap.Error(err))
		} else {
			services["redis"] = "healthy"
		}
	}

	writeJSON(w, http.StatusOK, HealthCheckResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  services,
		Devices:   len(h.devices.ListDevices()),
	})
}
