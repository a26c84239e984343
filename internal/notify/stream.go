package notify

import (
	"context"
	"fmt"
	"time"

	rediscommon "github.com/Abenedis/aplitapp/common/redis"
	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// DefaultStream 遥测更新的默认 Redis Stream
	DefaultStream = "aplit:telemetry:stream"
	// DefaultStreamMaxLen 流的近似最大长度
	DefaultStreamMaxLen  = 10000
	defaultStreamTimeout = 2 * time.Second
)

// StreamPublisher 将设备更新写入 Redis Stream，供其他服务消费
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewStreamPublisher 创建 Stream 发布器
func NewStreamPublisher(client *redis.Client, stream string, logger *zap.Logger) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: DefaultStreamMaxLen,
		logger: logger,
	}
}

// Stream 流名称
func (p *StreamPublisher) Stream() string {
	return p.stream
}

// Notify 发布一条设备更新
func (p *StreamPublisher) Notify(ctx context.Context, update models.DeviceUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStreamTimeout)
	defer cancel()

	id, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, update)
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}

	p.logger.Debug("Published device update to stream",
		zap.String("stream", p.stream),
		zap.String("message_id", id),
		zap.String("device_id", update.Device.String()),
	)
	return nil
}
