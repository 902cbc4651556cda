package countdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wisefido-wearable/internal/models"
)

// State 倒计时状态
type State string

const (
	StateIdle      State = "IDLE"
	StateArmed     State = "ARMED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateExpired
}

const (
	// DefaultDuration 默认倒计时时长
	DefaultDuration = 30 * time.Second
	// TickResolution 剩余秒数刷新间隔
	TickResolution = time.Second
	// TimeoutReason 倒计时超时的升级原因
	TimeoutReason = "heart-rate warning timeout"
)

// Alerter 倒计时期间重复提醒（振动/蜂鸣）
// Start 返回本轮提醒的停止函数，必须幂等，且只等待本轮提醒退出
type Alerter interface {
	Start() (stop func())
}

// Escalator 超时升级出口
type Escalator interface {
	Trigger(reason string)
}

// Event 倒计时事件（供显示端订阅）
type Event struct {
	State     State     `json:"state"`
	Remaining int       `json:"remaining_seconds"`
	At        time.Time `json:"at"`
}

// Gate 一次性倒计时：IDLE -> ARMED -> CANCELLED | EXPIRED
// 终态只会由取消或超时中先到达的一方写入
type Gate struct {
	id        string
	duration  time.Duration
	clock     clockwork.Clock
	alerter   Alerter
	escalator Escalator
	logger    *zap.Logger

	mu        sync.Mutex
	state     State
	remaining int
	armedAt   time.Time
	cancelCh  chan struct{}
	done      chan struct{}
	listeners []func(Event)
	stopVibe  func()
	alertOnce sync.Once
}

// NewGate 创建倒计时
func NewGate(id string, duration time.Duration, clock clockwork.Clock, alerter Alerter, escalator Escalator, logger *zap.Logger) *Gate {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{
		id:        id,
		duration:  duration,
		clock:     clock,
		alerter:   alerter,
		escalator: escalator,
		logger:    logger.With(zap.String("gate_id", id)),
		state:     StateIdle,
		remaining: int(duration / time.Second),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Subscribe 订阅倒计时事件（需在 Arm 之前调用）
func (g *Gate) Subscribe(fn func(Event)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Arm 启动倒计时，仅允许从 IDLE 启动
// ctx 取消视为中止：进入 CANCELLED，不升级
func (g *Gate) Arm(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateIdle {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("%w: arm from %s", models.ErrInvalidTransition, state)
	}
	g.state = StateArmed
	g.armedAt = g.clock.Now()
	remaining := g.remaining
	// 提醒在锁内启动，保证取消时一定能停掉
	if g.alerter != nil {
		g.stopVibe = g.alerter.Start()
	}
	g.mu.Unlock()

	g.emit(Event{State: StateArmed, Remaining: remaining, At: g.armedAt})
	g.logger.Info("Countdown armed", zap.Int("remaining_seconds", remaining))

	go g.run(ctx)
	return nil
}

// Cancel 用户取消；只有 ARMED 状态下生效，返回是否由本次调用取消
func (g *Gate) Cancel() bool {
	if !g.finish(StateCancelled) {
		return false
	}
	close(g.cancelCh)
	g.logger.Info("Countdown cancelled by user")
	return true
}

// State 当前状态
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Remaining 剩余秒数
func (g *Gate) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining
}

// Done 倒计时协程退出后关闭
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// ID 倒计时ID
func (g *Gate) ID() string {
	return g.id
}

// run 倒计时协程；提醒在退出时统一停止，超时升级先于停止提醒
func (g *Gate) run(ctx context.Context) {
	defer close(g.done)
	defer g.stopAlert()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Countdown panicked, aborting", zap.Any("panic", r))
			g.finish(StateCancelled)
		}
	}()

	deadline := g.armedAt.Add(g.duration)
	timer := g.clock.NewTimer(TickResolution)
	defer timer.Stop()

	for {
		select {
		case <-g.cancelCh:
			return
		case <-ctx.Done():
			if g.finish(StateCancelled) {
				g.logger.Info("Countdown aborted", zap.Error(ctx.Err()))
			}
			return
		case <-timer.Chan():
			remaining := secondsUntil(deadline, g.clock.Now())
			if remaining <= 0 {
				if g.finish(StateExpired) {
					g.logger.Warn("Countdown expired, escalating")
					if g.escalator != nil {
						g.escalator.Trigger(TimeoutReason)
					}
				}
				return
			}
			g.tick(remaining)
			timer.Reset(TickResolution)
		}
	}
}

// finish 写入终态，已处于终态时返回 false
func (g *Gate) finish(to State) bool {
	g.mu.Lock()
	if g.state != StateArmed {
		g.mu.Unlock()
		return false
	}
	g.state = to
	if to == StateExpired {
		g.remaining = 0
	}
	remaining := g.remaining
	g.mu.Unlock()

	g.emit(Event{State: to, Remaining: remaining, At: g.clock.Now()})
	return true
}

func (g *Gate) tick(remaining int) {
	g.mu.Lock()
	if g.state != StateArmed {
		g.mu.Unlock()
		return
	}
	g.remaining = remaining
	g.mu.Unlock()

	g.emit(Event{State: StateArmed, Remaining: remaining, At: g.clock.Now()})
}

func (g *Gate) stopAlert() {
	g.alertOnce.Do(func() {
		g.mu.Lock()
		stop := g.stopVibe
		g.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}

func (g *Gate) emit(evt Event) {
	g.mu.Lock()
	listeners := append([]func(Event){}, g.listeners...)
	g.mu.Unlock()

	for _, fn := range listeners {
		g.notify(fn, evt)
	}
}

func (g *Gate) notify(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Countdown listener panicked", zap.Any("panic", r))
		}
	}()
	fn(evt)
}

// secondsUntil 向上取整的剩余秒数
func secondsUntil(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
