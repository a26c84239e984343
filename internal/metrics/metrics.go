package metrics

import (
	"net/http"
	"sync"

	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aplit"

// Metrics 遥测服务指标（独立 Registry）
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	connectionState prometheus.Gauge
	connectAttempts *prometheus.CounterVec
	notifyErrors    *prometheus.CounterVec

	mu        sync.Mutex
	lastState models.ConnectionState
}

// New 创建并注册指标；deviceCount 为 nil 时不导出设备数量
func New(deviceCount func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "MQTT messages handled by the ingestion pipeline, by result.",
		}, []string{"result"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Broker connection state (0=disconnected, 1=connecting, 2=connected).",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Broker connection attempts, by result.",
		}, []string{"result"}),
		notifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_errors_total",
			Help:      "Failed device update notifications, by notifier.",
		}, []string{"notifier"}),
		lastState: models.Disconnected,
	}

	m.registry.MustRegister(
		m.messages,
		m.connectionState,
		m.connectAttempts,
		m.notifyErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if deviceCount != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices currently held in the device store.",
		}, func() float64 {
			return float64(deviceCount())
		}))
	}

	return m
}

// RecordMessage 记录一条消息的处理结果
func (m *Metrics) RecordMessage(result string) {
	m.messages.WithLabelValues(result).Inc()
}

// RecordNotifyError 记录下游通知失败
func (m *Metrics) RecordNotifyError(notifier string, _ error) {
	m.notifyErrors.WithLabelValues(notifier).Inc()
}

// ObserveConnection 连接状态变化回调
// Connecting -> Connected 计为 success，Connecting -> Disconnected 计为 failure
func (m *Metrics) ObserveConnection(status models.ConnectionStatus) {
	m.mu.Lock()
	prev := m.lastState
	m.lastState = status.State
	m.mu.Unlock()

	m.connectionState.Set(float64(status.State))

	if prev != models.Connecting {
		return
	}
	switch status.State {
	case models.Connected:
		m.connectAttempts.WithLabelValues("success").Inc()
	case models.Disconnected:
		m.connectAttempts.WithLabelValues("failure").Inc()
	}
}

// Registry 底层 Prometheus Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
