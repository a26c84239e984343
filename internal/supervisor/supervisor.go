package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqttcommon "github.com/Abenedis/aplitapp/common/mqtt"
	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultInitialBackOff = time.Second
	defaultMaxBackOff     = 60 * time.Second
	// DefaultMaxAttempts 自动重试的默认次数上限
	DefaultMaxAttempts = 10
)

var (
	// ErrNotConnected 当前没有可用的 Broker 会话
	ErrNotConnected = errors.New("not connected to broker")
	// ErrStopped Supervisor 已停止
	ErrStopped = errors.New("supervisor stopped")
	// ErrSuperseded 本次连接尝试已被更新的 Reconnect/Disconnect 作废
	ErrSuperseded = errors.New("connection attempt superseded")
)

// Options Supervisor 参数
type Options struct {
	Topics         []string
	QoS            byte
	ConnectTimeout time.Duration
	MaxAttempts    int // 0 表示不限次数
	BackOff        backoff.BackOff
}

type timer interface {
	Stop() bool
}

// Supervisor 维护 Broker 连接的状态机
// Disconnected -> Connecting -> Connected -> Disconnected -> Connecting（退避后）...
// 所有状态转换都在同一把锁内完成；generation 用于丢弃过期的连接尝试和回调
type Supervisor struct {
	dialer      mqttcommon.Dialer
	topics      []string
	qos         byte
	timeout     time.Duration
	maxAttempts int
	logger      *zap.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu         sync.Mutex
	state      models.ConnectionState
	attempts   int
	generation uint64
	session    mqttcommon.Session
	retryTimer timer
	backoff    backoff.BackOff
	lastChange time.Time
	lastErr    error
	lostErr    error // dial 提交结果之前会话已断开
	nextRetry  time.Time
	exhausted  bool
	paused     bool // Disconnect 之后不再自动重试，直到显式 Connect/Reconnect
	stopped    bool
	listeners  []func(models.ConnectionStatus)
	seq        uint64

	// notifyMu 串行化监听器调用，delivered 之前的通知直接丢弃
	notifyMu  sync.Mutex
	delivered uint64
}

// New 创建 Supervisor，初始状态为 Disconnected
func New(dialer mqttcommon.Dialer, opts Options, logger *zap.Logger) *Supervisor {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.BackOff == nil {
		opts.BackOff = DefaultBackOff()
	}

	return &Supervisor{
		dialer:      dialer,
		topics:      append([]string(nil), opts.Topics...),
		qos:         opts.QoS,
		timeout:     opts.ConnectTimeout,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		state:      models.Disconnected,
		backoff:    opts.BackOff,
		lastChange: time.Now(),
	}
}

// OnStateChange 注册状态变化监听器（在锁外调用）
func (s *Supervisor) OnStateChange(fn func(models.ConnectionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Topics 返回订阅的主题模式
func (s *Supervisor) Topics() []string {
	return append([]string(nil), s.topics...)
}

// State 当前连接状态
func (s *Supervisor) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts 当前连续尝试次数
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Status 返回连接诊断快照
func (s *Supervisor) Status() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Connect 发起一次连接；已在 Connecting/Connected 时为空操作
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.state != models.Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.paused = false
	gen := s.beginAttemptLocked()
	status, listeners := s.eventLocked()
	s.mu.Unlock()

	s.emit(listeners, status)
	return s.dial(ctx, gen)
}

// Reconnect 手动重连：关闭现有会话，重置尝试次数和退避，立即连接
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	session := s.teardownLocked()
	s.attempts = 0
	s.backoff.Reset()
	s.exhausted = false
	s.paused = false
	s.lastErr = nil
	gen := s.beginAttemptLocked()
	status, listeners := s.eventLocked()
	s.mu.Unlock()

	s.logger.Info("Manual reconnect requested")
	closeSession(session)
	s.emit(listeners, status)
	return s.dial(ctx, gen)
}

// Disconnect 关闭会话并停止自动重试，之后仍可 Connect/Reconnect
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	session := s.teardownLocked()
	s.paused = true
	status, listeners := s.eventLocked()
	s.mu.Unlock()

	s.unsubscribe(session)
	closeSession(session)
	s.emit(listeners, status)
	s.logger.Info("Disconnected from MQTT broker")
}

// Stop 永久停止（进程退出时调用），之后所有操作返回 ErrStopped
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.Disconnect()
}

// Publish 通过当前会话发布消息
func (s *Supervisor) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	session := s.session
	connected := s.state == models.Connected
	s.mu.Unlock()

	if !connected || session == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return session.Publish(ctx, topic, s.qos, false, payload)
}

// dial 执行一次连接尝试；gen 过期时丢弃结果
func (s *Supervisor) dial(ctx context.Context, gen uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	session, err := s.dialer.Dial(dialCtx, func(err error) {
		s.handleLost(gen, err)
	})
	cancel()
	if err == nil && !session.IsConnected() {
		session.Close()
		session, err = nil, ErrNotConnected
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		closeSession(session)
		return ErrSuperseded
	}

	if err == nil && s.lostErr != nil {
		err = s.lostErr
	}
	if err != nil {
		attempt := s.attempts
		s.lostErr = nil
		s.lastErr = err
		s.setStateLocked(models.Disconnected)
		s.scheduleRetryLocked()
		status, listeners := s.eventLocked()
		s.mu.Unlock()

		closeSession(session)

		s.logger.Warn("Failed to connect to MQTT broker",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(err),
		)
		s.emit(listeners, status)
		return fmt.Errorf("connect attempt %d: %w", attempt, err)
	}

	s.session = session
	s.attempts = 0
	s.backoff.Reset()
	s.exhausted = false
	s.lastErr = nil
	s.setStateLocked(models.Connected)
	status, listeners := s.eventLocked()
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")
	s.emit(listeners, status)

	s.subscribe(ctx, gen, session)
	return nil
}

// subscribe 重新订阅全部主题，单个失败只记录日志
func (s *Supervisor) subscribe(ctx context.Context, gen uint64, session mqttcommon.Session) {
	for _, pattern := range s.topics {
		s.mu.Lock()
		current := gen == s.generation
		s.mu.Unlock()
		if !current {
			return
		}

		subCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := session.Subscribe(subCtx, pattern, s.qos)
		cancel()
		if err != nil {
			s.logger.Warn("Failed to subscribe",
				zap.String("topic", pattern),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Subscribed to topic", zap.String("topic", pattern))
	}
}

// handleLost 会话意外断开
func (s *Supervisor) handleLost(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.state == models.Connecting {
		// dial 尚未提交，由 dial 走失败分支
		s.lostErr = err
		s.mu.Unlock()
		return
	}
	if s.state != models.Connected {
		s.mu.Unlock()
		return
	}
	s.generation++
	session := s.session
	s.session = nil
	s.lastErr = err
	s.setStateLocked(models.Disconnected)
	s.scheduleRetryLocked()
	status, listeners := s.eventLocked()
	s.mu.Unlock()

	closeSession(session)
	s.emit(listeners, status)
}

// retry 退避计时器到期
func (s *Supervisor) retry(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != models.Disconnected || s.paused || s.stopped {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	next := s.beginAttemptLocked()
	status, listeners := s.eventLocked()
	s.mu.Unlock()

	s.emit(listeners, status)
	_ = s.dial(context.Background(), next)
}

func (s *Supervisor) beginAttemptLocked() uint64 {
	s.stopTimerLocked()
	s.generation++
	s.attempts++
	s.lostErr = nil
	s.setStateLocked(models.Connecting)
	return s.generation
}

func (s *Supervisor) scheduleRetryLocked() {
	if s.paused || s.stopped {
		return
	}
	if s.maxAttempts > 0 && s.attempts >= s.maxAttempts {
		s.exhausted = true
		s.logger.Error("Giving up reconnecting to MQTT broker",
			zap.Int("attempts", s.attempts),
		)
		return
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		s.exhausted = true
		return
	}

	gen := s.generation
	s.nextRetry = s.now().Add(delay)
	s.retryTimer = s.afterFunc(delay, func() { s.retry(gen) })
	s.logger.Info("Scheduled MQTT reconnect",
		zap.Duration("delay", delay),
		zap.Int("attempt", s.attempts+1),
	)
}

// teardownLocked 作废进行中的尝试，取消计时器，摘下当前会话
func (s *Supervisor) teardownLocked() mqttcommon.Session {
	s.generation++
	s.stopTimerLocked()
	session := s.session
	s.session = nil
	s.lostErr = nil
	s.setStateLocked(models.Disconnected)
	return session
}

func (s *Supervisor) stopTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.nextRetry = time.Time{}
}

func (s *Supervisor) setStateLocked(state models.ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	s.lastChange = s.now()
}

// eventLocked 生成一次状态通知
func (s *Supervisor) eventLocked() (models.ConnectionStatus, []func(models.ConnectionStatus)) {
	s.seq++
	return s.statusLocked(), s.listeners
}

func (s *Supervisor) statusLocked() models.ConnectionStatus {
	status := models.ConnectionStatus{
		Seq:         s.seq,
		State:       s.state,
		Attempts:    s.attempts,
		MaxAttempts: s.maxAttempts,
		LastChange:  s.lastChange,
		Exhausted:   s.exhausted,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	if !s.nextRetry.IsZero() {
		next := s.nextRetry
		status.NextRetry = &next
	}
	return status
}

// emit 在锁外按 Seq 顺序调用监听器，晚到的旧通知被丢弃
func (s *Supervisor) emit(listeners []func(models.ConnectionStatus), status models.ConnectionStatus) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if status.Seq <= s.delivered {
		return
	}
	s.delivered = status.Seq
	for _, fn := range listeners {
		fn(status)
	}
}

// unsubscribe 主动断开前取消订阅，失败只记录日志
func (s *Supervisor) unsubscribe(session mqttcommon.Session) {
	if session == nil || !session.IsConnected() || len(s.topics) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := session.Unsubscribe(ctx, s.topics...); err != nil {
		s.logger.Warn("Failed to unsubscribe before disconnect", zap.Error(err))
	}
}

func closeSession(session mqttcommon.Session) {
	if session != nil {
		session.Close()
	}
}
