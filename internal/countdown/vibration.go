package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Publisher MQTT 发布接口
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

const (
	vibrationPulse = `{"pattern":[0,500,500],"repeat":true}`
	vibrationStop  = `{"stop":true}`
)

// VibrationAlerter 倒计时期间周期性下发振动指令，停止时下发停止指令
// 每次 Start 是独立的一轮，新一轮会接替尚未停止的上一轮
type VibrationAlerter struct {
	pub      Publisher
	topic    string
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	current *vibrationRun
}

// vibrationRun 一轮振动，stop 只等待本轮的循环退出
type vibrationRun struct {
	stopCh   chan struct{}
	done     chan struct{}
	haltOnce sync.Once
}

func (r *vibrationRun) halt() {
	r.haltOnce.Do(func() { close(r.stopCh) })
}

// NewVibrationAlerter 创建振动提醒
func NewVibrationAlerter(pub Publisher, topic string, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) *VibrationAlerter {
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &VibrationAlerter{
		pub:      pub,
		topic:    topic,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Start 开始一轮振动，返回本轮的停止函数（幂等）
// 上一轮若仍在进行则由本轮接替，上一轮的停止函数不再下发停止指令
func (v *VibrationAlerter) Start() func() {
	run := &vibrationRun{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	v.mu.Lock()
	prev := v.current
	v.current = run
	v.mu.Unlock()

	if prev != nil {
		prev.halt()
	}
	go v.loop(run)

	var once sync.Once
	return func() {
		once.Do(func() { v.stop(run) })
	}
}

func (v *VibrationAlerter) stop(run *vibrationRun) {
	v.mu.Lock()
	owner := v.current == run
	if owner {
		v.current = nil
	}
	v.mu.Unlock()

	run.halt()
	<-run.done
	if owner {
		v.publish(vibrationStop)
	}
}

func (v *VibrationAlerter) loop(run *vibrationRun) {
	defer close(run.done)

	ticker := v.clock.NewTicker(v.interval)
	defer ticker.Stop()

	v.publish(vibrationPulse)
	for {
		select {
		case <-run.stopCh:
			return
		case <-ticker.Chan():
			v.publish(vibrationPulse)
		}
	}
}

func (v *VibrationAlerter) publish(payload string) {
	if err := v.pub.Publish(v.topic, 0, false, []byte(payload)); err != nil {
		v.logger.Warn("Failed to publish vibration command", zap.String("topic", v.topic), zap.Error(err))
	}
}
