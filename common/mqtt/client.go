package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Abenedis/aplitapp/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultConnectTimeout 连接/订阅/发布的默认超时
const DefaultConnectTimeout = 10 * time.Second

// ErrTimeout Broker 操作超时
var ErrTimeout = errors.New("mqtt operation timed out")

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// Session 一次已建立的 Broker 会话
type Session interface {
	Subscribe(ctx context.Context, topic string, qos byte) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(ctx context.Context, topics ...string) error
	IsConnected() bool
	Close()
}

// Dialer 建立 Broker 会话；onLost 在会话意外断开时被调用
type Dialer interface {
	Dial(ctx context.Context, onLost func(error)) (Session, error)
}

// PahoDialer 基于 paho 的 Dialer，每次 Dial 创建新的客户端
// 自动重连由上层 supervisor 负责，这里关闭 paho 自带的重连
type PahoDialer struct {
	config    config.MQTTConfig
	handler   MessageHandler
	logger    *zap.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewDialer 创建 Dialer，所有订阅的消息都交给 handler（只投递一次）
func NewDialer(cfg *config.MQTTConfig, handler MessageHandler, logger *zap.Logger) *PahoDialer {
	return &PahoDialer{
		config:    *cfg,
		handler:   handler,
		logger:    logger,
		newClient: mqtt.NewClient,
	}
}

func (d *PahoDialer) timeout() time.Duration {
	if d.config.ConnectTimeout > 0 {
		return d.config.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// options 构建 paho 客户端参数
func (d *PahoDialer) options(onLost func(error)) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.config.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", d.config.ClientID, uuid.New().String()[:8]))

	if d.config.Username != "" {
		opts.SetUsername(d.config.Username)
	}
	if d.config.Password != "" {
		opts.SetPassword(d.config.Password)
	}
	if d.config.KeepAlive > 0 {
		opts.SetKeepAlive(d.config.KeepAlive)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(d.timeout())
	opts.SetOrderMatters(true)

	// 订阅时不注册回调，所有消息经由默认处理函数（多个模式同时匹配也只投递一次）
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if d.handler == nil {
			return
		}
		if err := d.handler(msg.Topic(), msg.Payload()); err != nil {
			d.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.logger.Warn("MQTT connection lost", zap.Error(err))
		if onLost != nil {
			onLost(err)
		}
	})

	return opts
}

// Dial 连接 Broker，受 ctx 和连接超时约束
func (d *PahoDialer) Dial(ctx context.Context, onLost func(error)) (Session, error) {
	opts := d.options(onLost)
	client := d.newClient(opts)

	d.logger.Info("Connecting to MQTT broker",
		zap.String("broker", d.config.Broker),
		zap.String("client_id", opts.ClientID),
	)

	if err := waitToken(ctx, client.Connect(), d.timeout()); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &Client{
		client:  client,
		timeout: d.timeout(),
	}, nil
}

// Client MQTT会话封装
type Client struct {
	client  mqtt.Client
	timeout time.Duration
}

// Subscribe 订阅主题
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := waitToken(ctx, c.client.Subscribe(topic, qos, nil), c.timeout); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := waitToken(ctx, c.client.Publish(topic, qos, retained, payload), c.timeout); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := waitToken(ctx, c.client.Unsubscribe(topics...), c.timeout); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close 断开连接
func (c *Client) Close() {
	c.client.Disconnect(250) // 250ms等待时间
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
