package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wisefido-wearable/internal/models"
)

// Status 倒计时状态快照
type Status struct {
	GateID    string `json:"gate_id,omitempty"`
	State     State  `json:"state"`
	Remaining int    `json:"remaining_seconds"`
}

// Controller 管理连续的倒计时：同一时刻最多一个 ARMED
// 警告心率到达时若已有倒计时在进行则忽略
type Controller struct {
	duration  time.Duration
	clock     clockwork.Clock
	alerter   Alerter
	escalator Escalator
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	current   *Gate
	listeners []func(Event)
}

// NewController 创建倒计时控制器
func NewController(duration time.Duration, clock clockwork.Clock, alerter Alerter, escalator Escalator, logger *zap.Logger) *Controller {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		duration:  duration,
		clock:     clock,
		alerter:   alerter,
		escalator: escalator,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Subscribe 订阅所有倒计时的事件
func (c *Controller) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnWarning 警告心率：没有进行中的倒计时则启动一个
func (c *Controller) OnWarning(sample models.SensorSample, thresholds models.HeartRateThresholds, state models.UserState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if c.current != nil && c.current.State() == StateArmed {
		c.logger.Debug("Countdown already armed, warning ignored", zap.Int("bpm", sample.Value))
		return
	}

	gate := NewGate(uuid.New().String(), c.duration, c.clock, c.alerter, c.escalator, c.logger)
	for _, fn := range c.listeners {
		gate.Subscribe(fn)
	}
	if err := gate.Arm(c.ctx); err != nil {
		c.logger.Error("Failed to arm countdown", zap.Error(err))
		return
	}
	c.current = gate

	c.logger.Info("Countdown started for low heart rate",
		zap.String("gate_id", gate.ID()),
		zap.Int("bpm", sample.Value),
		zap.Int("warning_min", thresholds.WarningMin),
		zap.Bool("sleeping", state.IsSleeping),
	)
}

// Cancel 取消进行中的倒计时
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	gate := c.current
	c.mu.Unlock()

	if gate == nil {
		return false
	}
	return gate.Cancel()
}

// Current 当前（或最近一次）倒计时
func (c *Controller) Current() *Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Status 当前倒计时状态，从未启动时为 IDLE
func (c *Controller) Status() Status {
	gate := c.Current()
	if gate == nil {
		return Status{State: StateIdle, Remaining: int(c.duration / time.Second)}
	}
	return Status{GateID: gate.ID(), State: gate.State(), Remaining: gate.Remaining()}
}

// Close 中止进行中的倒计时并等待其退出
func (c *Controller) Close() {
	c.cancel()

	if gate := c.Current(); gate != nil {
		<-gate.Done()
	}
}
