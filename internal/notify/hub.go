package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 推送消息类型
const (
	MessageSnapshot   = "snapshot"
	MessageDevice     = "device"
	MessageConnection = "connection"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBufferSize = 64
)

// Message websocket 推送的消息
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub 管理 websocket 客户端并广播设备更新和连接状态
// 每个客户端有独立的发送队列，队列满的慢客户端会被断开
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.RWMutex
	clients  map[string]*client
	snapshot func() any
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// SetSnapshot 设置新客户端连接时首先收到的快照
func (h *Hub) SetSnapshot(fn func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// ClientCount 当前客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP 升级为 websocket 并阻塞到客户端断开
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	// 快照入队与注册在同一把锁内，保证客户端先收到快照再收到增量
	h.mu.Lock()
	if h.snapshot != nil {
		if data, err := encode(MessageSnapshot, h.snapshot()); err == nil {
			c.send <- data
		} else {
			h.logger.Error("Failed to encode snapshot", zap.Error(err))
		}
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("Websocket client connected",
		zap.String("client_id", c.id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go h.writePump(c)
	h.readPump(c)
}

// Notify 广播设备更新
func (h *Hub) Notify(_ context.Context, update models.DeviceUpdate) error {
	return h.broadcast(MessageDevice, update)
}

// BroadcastConnection 广播连接状态变化
func (h *Hub) BroadcastConnection(status models.ConnectionStatus) {
	if err := h.broadcast(MessageConnection, status); err != nil {
		h.logger.Error("Failed to broadcast connection status", zap.Error(err))
	}
}

// Close 断开所有客户端
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) broadcast(msgType string, data any) error {
	payload, err := encode(msgType, data)
	if err != nil {
		return err
	}

	var slow []*client
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow websocket client", zap.String("client_id", c.id))
		h.remove(c)
	}
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.logger.Info("Websocket client disconnected", zap.String("client_id", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// 客户端不发送业务消息，读循环只用于检测断开和处理控制帧
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encode(msgType string, data any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}
