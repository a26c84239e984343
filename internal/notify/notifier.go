package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/Abenedis/aplitapp/internal/models"
)

// Notifier 接收设备更新的下游（websocket、Redis Stream 等）
type Notifier interface {
	Notify(ctx context.Context, update models.DeviceUpdate) error
}

// Named 带名称的 Notifier，名称用于日志和指标
type Named struct {
	Name     string
	Notifier Notifier
}

// Multi 依次通知多个下游，单个失败不影响其他下游
type Multi struct {
	notifiers []Named
	onError   func(name string, err error)
}

// NewMulti 创建 fan-out Notifier
func NewMulti(notifiers ...Named) *Multi {
	return &Multi{notifiers: notifiers}
}

// OnError 注册失败回调（用于指标计数）
func (m *Multi) OnError(fn func(name string, err error)) {
	m.onError = fn
}

// Add 追加下游
func (m *Multi) Add(name string, n Notifier) {
	m.notifiers = append(m.notifiers, Named{Name: name, Notifier: n})
}

// Len 下游数量
func (m *Multi) Len() int {
	return len(m.notifiers)
}

// Notify 通知所有下游，返回合并后的错误
func (m *Multi) Notify(ctx context.Context, update models.DeviceUpdate) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notifier.Notify(ctx, update); err != nil {
			if m.onError != nil {
				m.onError(n.Name, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", n.Name, err))
		}
	}
	return errors.Join(errs...)
}

// NotifierFunc 函数适配器
type NotifierFunc func(ctx context.Context, update models.DeviceUpdate) error

// Notify 调用 f
func (f NotifierFunc) Notify(ctx context.Context, update models.DeviceUpdate) error {
	return f(ctx, update)
}
