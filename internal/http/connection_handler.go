package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Abenedis/aplitapp/internal/consumer"
	"github.com/Abenedis/aplitapp/internal/models"
	"github.com/Abenedis/aplitapp/internal/supervisor"

	"go.uber.org/zap"
)

// ConnectionController Broker 连接控制
type ConnectionController interface {
	Status() models.ConnectionStatus
	Topics() []string
	Reconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
}

// IngestionStats 流水线统计
type IngestionStats interface {
	LastUpdate() time.Time
	Stats() consumer.PipelineStats
}

// ConnectionView GET /api/v1/connection 响应
type ConnectionView struct {
	models.ConnectionStatus
	Enabled    bool                   `json:"enabled"`
	Broker     string                 `json:"broker,omitempty"`
	Topics     []string               `json:"topics,omitempty"`
	LastUpdate *time.Time             `json:"last_update,omitempty"`
	Stats      consumer.PipelineStats `json:"stats"`
}

// ConnectionHandler 连接状态 Handler
// conn 为 nil 表示服务端 MQTT 已禁用
type ConnectionHandler struct {
	conn   ConnectionController
	stats  IngestionStats
	broker string
	logger *zap.Logger
}

// NewConnectionHandler 创建连接 Handler
func NewConnectionHandler(conn ConnectionController, stats IngestionStats, broker string, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		conn:   conn,
		stats:  stats,
		broker: broker,
		logger: logger,
	}
}

// GetConnection GET /api/v1/connection
func (h *ConnectionHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.view()))
}

// Reconnect POST /api/v1/connection/reconnect
func (h *ConnectionHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("server MQTT is disabled"))
		return
	}

	h.logger.Info("Reconnect requested via API", zap.String("remote_addr", r.RemoteAddr))
	if err := h.conn.Reconnect(r.Context()); err != nil {
		// 失败已进入重试流程，返回当前状态
		h.logger.Warn("Manual reconnect failed", zap.Error(err))
		result := Fail(err.Error())
		result.Result = h.view()
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.view()))
}

type publishRequest struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

// Publish POST /api/v1/publish {topic, message}
// message 为字符串时按原文发布，否则按 JSON 发布
func (h *ConnectionHandler) Publish(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("server MQTT is disabled"))
		return
	}

	var req publishRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" || len(req.Message) == 0 {
		writeJSON(w, http.StatusBadRequest, Fail("topic and message are required"))
		return
	}
	if strings.ContainsAny(req.Topic, "+#") {
		writeJSON(w, http.StatusBadRequest, Fail("topic must not contain wildcards"))
		return
	}

	payload := []byte(req.Message)
	var text string
	if err := json.Unmarshal(req.Message, &text); err == nil {
		payload = []byte(text)
	}

	if err := h.conn.Publish(r.Context(), req.Topic, payload); err != nil {
		if errors.Is(err, supervisor.ErrNotConnected) || errors.Is(err, supervisor.ErrStopped) {
			writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
			return
		}
		h.logger.Error("Failed to publish message",
			zap.String("topic", req.Topic),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, Fail("failed to publish message"))
		return
	}

	h.logger.Info("Message published via API",
		zap.String("topic", req.Topic),
		zap.Int("payload_size", len(payload)),
	)
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"topic":   req.Topic,
		"message": string(payload),
	}))
}

func (h *ConnectionHandler) view() ConnectionView {
	view := ConnectionView{
		ConnectionStatus: models.ConnectionStatus{State: models.Disconnected},
		Enabled:          h.conn != nil,
	}
	if h.conn != nil {
		view.ConnectionStatus = h.conn.Status()
		view.Broker = h.broker
		view.Topics = h.conn.Topics()
	}
	if h.stats != nil {
		if last := h.stats.LastUpdate(); !last.IsZero() {
			view.LastUpdate = &last
		}
		view.Stats = h.stats.Stats()
	}
	return view
}
