package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	mqttcommon "github.com/Abenedis/aplitapp/common/mqtt"
	"github.com/Abenedis/aplitapp/internal/config"
	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRefused = errors.New("connection refused")

type fakeSession struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	published    map[string][]byte
	subErr       error
	closed       bool
}

func (s *fakeSession) Subscribe(_ context.Context, topic string, _ byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return s.subErr
	}
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *fakeSession) Publish(_ context.Context, topic string, _ byte, _ bool, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published == nil {
		s.published = map[string][]byte{}
	}
	s.published[topic] = payload
	return nil
}

func (s *fakeSession) Unsubscribe(_ context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, topics...)
	return nil
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// fakeDialer 按顺序返回预设结果，结果用完后重复最后一个
type fakeDialer struct {
	mu       sync.Mutex
	results  []error
	calls    int
	sessions []*fakeSession
	onLost   []func(error)
	subErr   error
}

func (d *fakeDialer) Dial(_ context.Context, onLost func(error)) (mqttcommon.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if len(d.results) > 0 {
		idx := d.calls
		if idx >= len(d.results) {
			idx = len(d.results) - 1
		}
		err = d.results[idx]
	}
	d.calls++
	if err != nil {
		return nil, err
	}
	session := &fakeSession{subErr: d.subErr}
	d.sessions = append(d.sessions, session)
	d.onLost = append(d.onLost, onLost)
	return session, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) lose(i int, err error) {
	d.mu.Lock()
	fn := d.onLost[i]
	d.mu.Unlock()
	fn(err)
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fire 触发最近一个未取消的计时器
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	pending := c.pending()
	require.NotEmpty(t, pending, "no pending retry timer")
	tm := pending[len(pending)-1]
	tm.stopped = true
	tm.fn()
	return tm.delay
}

func newTestSupervisor(dialer *fakeDialer, maxAttempts int) (*Supervisor, *fakeClock) {
	s := New(dialer, Options{
		Topics:         []string{"shibaSensors", "sensors/#"},
		ConnectTimeout: time.Second,
		MaxAttempts:    maxAttempts,
	}, zap.NewNop())
	clock := &fakeClock{}
	s.afterFunc = clock.afterFunc
	return s, clock
}

func TestSupervisor_InitialState(t *testing.T) {
	s, _ := newTestSupervisor(&fakeDialer{}, 3)

	assert.Equal(t, models.Disconnected, s.State())
	assert.Equal(t, 0, s.Attempts())
	assert.False(t, s.Status().Exhausted)
}

func TestSupervisor_ConnectSubscribesAllTopics(t *testing.T) {
	dialer := &fakeDialer{}
	s, clock := newTestSupervisor(dialer, 3)

	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, models.Connected, s.State())
	assert.Equal(t, 0, s.Attempts())
	require.Len(t, dialer.sessions, 1)
	assert.Equal(t, []string{"shibaSensors", "sensors/#"}, dialer.sessions[0].subscribed)
	assert.Empty(t, clock.pending())
}

func TestSupervisor_RedundantConnectIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSupervisor(dialer, 3)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, 1, dialer.Calls())
	assert.Equal(t, models.Connected, s.State())
}

func TestSupervisor_SubscribeFailureIsNotFatal(t *testing.T) {
	dialer := &fakeDialer{subErr: errors.New("not authorized")}
	s, _ := newTestSupervisor(dialer, 3)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, models.Connected, s.State())
}

func TestSupervisor_RetryExhaustion(t *testing.T) {
	dialer := &fakeDialer{results: []error{errRefused}}
	s, clock := newTestSupervisor(dialer, 3)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, errRefused)
	assert.Equal(t, models.Disconnected, s.State())
	assert.Equal(t, 1, s.Attempts())

	assert.Equal(t, time.Second, clock.fire(t))
	assert.Equal(t, 2, s.Attempts())

	assert.Equal(t, 2*time.Second, clock.fire(t))
	assert.Equal(t, 3, s.Attempts())

	// 达到上限后不再安排重试
	assert.Empty(t, clock.pending())
	assert.Equal(t, 3, dialer.Calls())
	status := s.Status()
	assert.Equal(t, models.Disconnected, status.State)
	assert.Equal(t, 3, status.Attempts)
	assert.True(t, status.Exhausted)
	assert.Nil(t, status.NextRetry)
	assert.Equal(t, errRefused.Error(), status.LastError)

	// 手动重连：重置计数并立即重试
	err = s.Reconnect(context.Background())
	require.ErrorIs(t, err, errRefused)
	assert.Equal(t, 4, dialer.Calls())
	assert.Equal(t, 1, s.Attempts())
	assert.False(t, s.Status().Exhausted)
	require.Len(t, clock.pending(), 1)
	assert.Equal(t, time.Second, clock.pending()[0].delay)
}

func TestSupervisor_RetrySucceeds(t *testing.T) {
	dialer := &fakeDialer{results: []error{errRefused, errRefused, nil}}
	s, clock := newTestSupervisor(dialer, 0)

	require.Error(t, s.Connect(context.Background()))
	clock.fire(t)
	clock.fire(t)

	assert.Equal(t, models.Connected, s.State())
	assert.Equal(t, 0, s.Attempts())
	assert.Equal(t, 3, dialer.Calls())
	assert.Empty(t, clock.pending())
}

func TestSupervisor_FixedBackOff(t *testing.T) {
	dialer := &fakeDialer{results: []error{errRefused}}
	s := New(dialer, Options{
		MaxAttempts: 5,
		BackOff: NewBackOff(config.BackoffConfig{
			Policy:   config.BackoffFixed,
			Interval: 5 * time.Second,
		}),
	}, zap.NewNop())
	clock := &fakeClock{}
	s.afterFunc = clock.afterFunc

	require.Error(t, s.Connect(context.Background()))
	assert.Equal(t, 5*time.Second, clock.fire(t))
	assert.Equal(t, 5*time.Second, clock.fire(t))
}

func TestSupervisor_ExponentialBackOffCapped(t *testing.T) {
	b := NewBackOff(config.BackoffConfig{
		Policy:     config.BackoffExponential,
		Initial:    time.Second,
		Max:        4 * time.Second,
		Multiplier: 2,
	})

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestSupervisor_ConnectionLostSchedulesRetry(t *testing.T) {
	dialer := &fakeDialer{}
	s, clock := newTestSupervisor(dialer, 3)

	var states []models.ConnectionState
	s.OnStateChange(func(st models.ConnectionStatus) {
		states = append(states, st.State)
	})

	require.NoError(t, s.Connect(context.Background()))
	dialer.lose(0, errors.New("EOF"))

	assert.Equal(t, models.Disconnected, s.State())
	assert.True(t, dialer.sessions[0].closed)
	require.Len(t, clock.pending(), 1)
	assert.NotNil(t, s.Status().NextRetry)

	clock.fire(t)
	assert.Equal(t, models.Connected, s.State())
	assert.Equal(t, 2, dialer.Calls())

	assert.Equal(t, []models.ConnectionState{
		models.Connecting, models.Connected, models.Disconnected, models.Connecting, models.Connected,
	}, states)
}

func TestSupervisor_StaleLostCallbackIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	s, clock := newTestSupervisor(dialer, 3)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Reconnect(context.Background()))
	require.Len(t, dialer.sessions, 2)
	assert.True(t, dialer.sessions[0].closed)

	// 旧会话的断开回调不影响新会话
	dialer.lose(0, errors.New("EOF"))
	assert.Equal(t, models.Connected, s.State())
	assert.Empty(t, clock.pending())
}

func TestSupervisor_DisconnectCancelsRetry(t *testing.T) {
	dialer := &fakeDialer{results: []error{errRefused}}
	s, clock := newTestSupervisor(dialer, 3)

	require.Error(t, s.Connect(context.Background()))
	require.Len(t, clock.pending(), 1)
	stale := clock.pending()[0]

	s.Disconnect()
	assert.Empty(t, clock.pending())

	// 即使计时器已经触发，也不会再发起连接
	stale.fn()
	assert.Equal(t, 1, dialer.Calls())
	assert.Equal(t, models.Disconnected, s.State())
}

func TestSupervisor_DisconnectClosesSession(t *testing.T) {
	dialer := &fakeDialer{}
	s, clock := newTestSupervisor(dialer, 3)

	require.NoError(t, s.Connect(context.Background()))
	s.Disconnect()

	assert.Equal(t, models.Disconnected, s.State())
	assert.True(t, dialer.sessions[0].closed)
	assert.Equal(t, []string{"shibaSensors", "sensors/#"}, dialer.sessions[0].unsubscribed)
	assert.Empty(t, clock.pending())

	// 显式 Connect 可以恢复
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, models.Connected, s.State())
}

func TestSupervisor_Stop(t *testing.T) {
	dialer := &fakeDialer{}
	s, clock := newTestSupervisor(dialer, 3)

	require.NoError(t, s.Connect(context.Background()))
	s.Stop()

	assert.True(t, dialer.sessions[0].closed)
	assert.Empty(t, clock.pending())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrStopped)
	assert.ErrorIs(t, s.Reconnect(context.Background()), ErrStopped)
	assert.ErrorIs(t, s.Publish(context.Background(), "t", nil), ErrStopped)
}

func TestSupervisor_Publish(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSupervisor(dialer, 3)

	assert.ErrorIs(t, s.Publish(context.Background(), "cmd", []byte("x")), ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Publish(context.Background(), "cmd", []byte("x")))
	assert.Equal(t, []byte("x"), dialer.sessions[0].published["cmd"])
}

func TestSupervisor_ConcurrentReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSupervisor(dialer, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Reconnect(context.Background())
		}()
	}
	wg.Wait()

	// 最后一次有效的尝试胜出，其余会话都已关闭
	assert.Equal(t, models.Connected, s.State())
	open := 0
	for _, session := range dialer.sessions {
		if session.IsConnected() {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

// droppingSession 在 dial 检查连接状态时触发断开回调，模拟回调与提交之间的竞争
type droppingSession struct {
	*fakeSession
	onLost func(error)
	once   sync.Once
}

func (s *droppingSession) IsConnected() bool {
	s.once.Do(func() {
		s.onLost(io.EOF)
		s.fakeSession.Close()
	})
	return true
}

type droppingDialer struct {
	mu       sync.Mutex
	calls    int
	sessions []*fakeSession
}

func (d *droppingDialer) Dial(_ context.Context, onLost func(error)) (mqttcommon.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	session := &fakeSession{}
	d.sessions = append(d.sessions, session)
	return &droppingSession{fakeSession: session, onLost: onLost}, nil
}

func TestSupervisor_LostDuringConnectSchedulesRetry(t *testing.T) {
	dialer := &droppingDialer{}
	s := New(dialer, Options{
		Topics:         []string{"sensors/#"},
		ConnectTimeout: time.Second,
		MaxAttempts:    3,
	}, zap.NewNop())
	clock := &fakeClock{}
	s.afterFunc = clock.afterFunc

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)

	status := s.Status()
	assert.Equal(t, models.Disconnected, status.State)
	assert.Equal(t, io.EOF.Error(), status.LastError)
	assert.Len(t, clock.pending(), 1)
	assert.True(t, dialer.sessions[0].closed)
	assert.Empty(t, dialer.sessions[0].subscribed)

	// 下一次尝试仍会走同样的流程，不会残留上一次的断开记录
	clock.fire(t)
	assert.Equal(t, 2, dialer.calls)
	assert.Equal(t, models.Disconnected, s.State())
	assert.Equal(t, 2, s.Attempts())
}

func TestSupervisor_ListenersSeeIncreasingSeq(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSupervisor(dialer, 3)

	var mu sync.Mutex
	var seqs []uint64
	s.OnStateChange(func(st models.ConnectionStatus) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, st.Seq)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Reconnect(context.Background())
		}()
		go func() {
			defer wg.Done()
			s.Disconnect()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seqs)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
	// 最后送达的通知就是当前状态
	assert.Equal(t, s.Status().Seq, seqs[len(seqs)-1])
}

func TestSupervisor_StaleNotificationDropped(t *testing.T) {
	s, _ := newTestSupervisor(&fakeDialer{}, 3)

	var got []models.ConnectionState
	s.OnStateChange(func(st models.ConnectionStatus) {
		got = append(got, st.State)
	})
	listeners := s.listeners

	s.emit(listeners, models.ConnectionStatus{Seq: 2, State: models.Connected})
	s.emit(listeners, models.ConnectionStatus{Seq: 1, State: models.Connecting})

	assert.Equal(t, []models.ConnectionState{models.Connected}, got)
}
