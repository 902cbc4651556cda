package countdown

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-wearable/internal/models"
)

func warn(c *Controller, bpm int) {
	c.OnWarning(models.SensorSample{Value: bpm}, models.HeartRateThresholds{CriticalMin: 70, WarningMin: 75, NormalMin: 80}, models.UserState{})
}

func TestController_SingleArmedGate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	escalator := &fakeEscalator{}
	c := NewController(30*time.Second, clock, &fakeAlerter{}, escalator, zap.NewNop())
	defer c.Close()

	assert.Equal(t, Status{State: StateIdle, Remaining: 30}, c.Status())

	warn(c, 72)
	first := c.Current()
	require.NotNil(t, first)
	clock.BlockUntil(1)

	// 进行中时忽略新的警告
	warn(c, 71)
	assert.Same(t, first, c.Current())

	assert.True(t, c.Cancel())
	waitDone(t, first)
	assert.Equal(t, StateCancelled, c.Status().State)

	// 终态后重新启动新的倒计时
	warn(c, 73)
	second := c.Current()
	assert.NotSame(t, first, second)
	assert.Equal(t, StateArmed, second.State())
	assert.Empty(t, escalator.calls())
}

func TestController_ExpiryEscalates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	escalator := &fakeEscalator{}
	c := NewController(30*time.Second, clock, nil, escalator, zap.NewNop())
	defer c.Close()

	var mu sync.Mutex
	var states []State
	c.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, e.State)
	})

	warn(c, 72)
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	waitDone(t, c.Current())

	assert.Len(t, escalator.calls(), 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateArmed, StateExpired}, states)
}

func TestController_CloseAbortsWithoutEscalation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	escalator := &fakeEscalator{}
	c := NewController(30*time.Second, clock, nil, escalator, zap.NewNop())

	warn(c, 72)
	clock.BlockUntil(1)
	c.Close()

	assert.Equal(t, StateCancelled, c.Status().State)
	assert.Empty(t, escalator.calls())

	// 关闭后不再启动
	warn(c, 72)
	assert.Equal(t, StateCancelled, c.Status().State)
	assert.False(t, c.Cancel())
}

func TestController_ExpiryEscalatesWhileVibrationStuck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &blockingPublisher{release: make(chan struct{})}
	alerter := NewVibrationAlerter(pub, "wisefido/devices/watch-1/actuator/vibration", time.Second, clock, zap.NewNop())
	escalator := &fakeEscalator{}
	c := NewController(30*time.Second, clock, alerter, escalator, zap.NewNop())

	warn(c, 72)
	first := c.Current()
	require.NotNil(t, first)
	// 倒计时定时器 + 振动 ticker
	clock.BlockUntil(2)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return first.State() == StateExpired }, time.Second, 5*time.Millisecond)

	// 上一轮振动仍卡在发布中，新的警告启动第二个倒计时
	warn(c, 72)
	second := c.Current()
	assert.NotSame(t, first, second)
	assert.Equal(t, StateArmed, second.State())

	// 升级不等待振动停止
	assert.Eventually(t, func() bool { return len(escalator.calls()) == 1 }, time.Second, 5*time.Millisecond)

	close(pub.release)
	waitDone(t, first)
	c.Close()

	assert.Len(t, escalator.calls(), 1)
	payloads := pub.snapshot()
	require.NotEmpty(t, payloads)
	assert.Equal(t, vibrationStop, payloads[len(payloads)-1])
	assert.Equal(t, 1, countPayload(payloads, vibrationStop))
}
