package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（websocket、/metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterDeviceRoutes 设备查询、注解、导出
func (r *Router) RegisterDeviceRoutes(h *DeviceHandler) {
	r.Handle("/api/v1/devices", h.ServeHTTP)
	r.Handle("/api/v1/devices/", h.ServeHTTP)
}

// RegisterConnectionRoutes 连接状态、手动重连、发布
func (r *Router) RegisterConnectionRoutes(h *ConnectionHandler) {
	r.Handle("/api/v1/connection", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetConnection(w, req)
	})
	r.Handle("/api/v1/connection/reconnect", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Reconnect(w, req)
	})
	r.Handle("/api/v1/publish", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Publish(w, req)
	})
}

// RegisterHealthRoutes 健康检查
func (r *Router) RegisterHealthRoutes(h *HealthHandler) {
	r.Handle("/health", h.HealthCheck)
	r.Handle("/healthz", h.HealthCheck)
}

// RegisterPushRoutes websocket 推送
func (r *Router) RegisterPushRoutes(ws http.Handler) {
	r.HandleHandler("/api/v1/ws", ws)
}

// RegisterMetricsRoutes Prometheus 指标
func (r *Router) RegisterMetricsRoutes(metrics http.Handler) {
	r.HandleHandler("/metrics", metrics)
}
