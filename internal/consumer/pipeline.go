package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"
	"github.com/Abenedis/aplitapp/internal/normalizer"
	"github.com/Abenedis/aplitapp/internal/notify"
	"github.com/Abenedis/aplitapp/internal/store"
	"github.com/Abenedis/aplitapp/internal/topic"

	"go.uber.org/zap"
)

// 消息处理结果（用于指标标签）
const (
	ResultIngested  = "ingested"
	ResultUnmatched = "unmatched"
	ResultPanic     = "panic"
)

const defaultNotifyTimeout = 2 * time.Second

// Recorder 记录每条消息的处理结果
type Recorder interface {
	RecordMessage(result string)
}

// PipelineStats 处理计数
type PipelineStats struct {
	Received  uint64 `json:"received"`
	Ingested  uint64 `json:"ingested"`
	Unmatched uint64 `json:"unmatched"`
	Panics    uint64 `json:"panics"`
}

// Pipeline 消息入库流水线：主题匹配 -> 负载标准化 -> 写入设备存储 -> 通知下游
type Pipeline struct {
	topics   []string
	store    *store.DeviceStore
	notifier notify.Notifier
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	received   atomic.Uint64
	ingested   atomic.Uint64
	unmatched  atomic.Uint64
	panics     atomic.Uint64
	lastUpdate atomic.Int64
}

// NewPipeline 创建流水线，notifier 和 recorder 可以为 nil
func NewPipeline(
	topics []string,
	deviceStore *store.DeviceStore,
	notifier notify.Notifier,
	recorder Recorder,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		topics:   append([]string(nil), topics...),
		store:    deviceStore,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleMessage MQTT 消息入口，到达时间取当前时间
func (p *Pipeline) HandleMessage(topicName string, payload []byte) error {
	p.OnMessage(topicName, payload, p.now())
	return nil
}

// OnMessage 处理一条消息，返回是否写入了设备存储
// 第一个匹配的订阅模式生效；任何 panic 都在这里被恢复
func (p *Pipeline) OnMessage(topicName string, payload []byte, arrival time.Time) (ingested bool) {
	p.received.Add(1)

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.record(ResultPanic)
			p.logger.Error("Recovered from panic while handling message",
				zap.String("topic", topicName),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			ingested = false
		}
	}()

	// 1. 匹配订阅模式
	pattern, ok := topic.MatchAny(p.topics, topicName)
	if !ok {
		p.unmatched.Add(1)
		p.record(ResultUnmatched)
		p.logger.Debug("Dropping message for unsubscribed topic",
			zap.String("topic", topicName),
		)
		return false
	}

	// 2. 标准化负载
	id, reading := normalizer.Normalize(topicName, payload, arrival)

	// 3. 写入设备存储
	device := p.store.Upsert(id, reading)
	p.advanceLastUpdate(arrival)
	p.ingested.Add(1)
	p.record(ResultIngested)

	p.logger.Debug("Ingested reading",
		zap.String("topic", topicName),
		zap.String("pattern", pattern),
		zap.String("device_id", id.String()),
		zap.Int("payload_size", len(payload)),
		zap.Int("retained", len(device.Readings)),
	)

	// 4. 通知下游
	if p.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultNotifyTimeout)
		err := p.notifier.Notify(ctx, models.DeviceUpdate{
			Topic:   topicName,
			Device:  id,
			Reading: reading,
			Count:   len(device.Readings),
		})
		cancel()
		if err != nil {
			p.logger.Warn("Failed to notify device update",
				zap.String("device_id", id.String()),
				zap.Error(err),
			)
		}
	}

	return true
}

// LastUpdate 最近一次成功入库的时间，尚无数据时为零值
func (p *Pipeline) LastUpdate() time.Time {
	ns := p.lastUpdate.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats 返回处理计数
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Received:  p.received.Load(),
		Ingested:  p.ingested.Load(),
		Unmatched: p.unmatched.Load(),
		Panics:    p.panics.Load(),
	}
}

// Topics 订阅模式
func (p *Pipeline) Topics() []string {
	return append([]string(nil), p.topics...)
}

func (p *Pipeline) advanceLastUpdate(t time.Time) {
	ns := t.UnixNano()
	for {
		cur := p.lastUpdate.Load()
		if ns <= cur || p.lastUpdate.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func (p *Pipeline) record(result string) {
	if p.recorder != nil {
		p.recorder.RecordMessage(result)
	}
}
