package sampler

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wisefido-wearable/internal/evaluator"
	"wisefido-wearable/internal/models"
)

// Listener 传感器回调
type Listener interface {
	OnHeartRate(sample models.SensorSample)
	OnMotion(sample models.MotionSample)
}

// Subscription 传感器订阅句柄
type Subscription interface {
	Unsubscribe() error
}

// Sensor 心率/运动传感器
type Sensor interface {
	Subscribe(listener Listener) (Subscription, error)
}

// Escalator 危急心率的升级出口（异步，不阻塞采样）
type Escalator interface {
	Trigger(reason string)
}

// WarningSink 警告心率的出口（启动倒计时）
type WarningSink interface {
	OnWarning(sample models.SensorSample, thresholds models.HeartRateThresholds, state models.UserState)
}

// MeasurementStore 上次测量结果存储
type MeasurementStore interface {
	GetLastMeasurement(ctx context.Context) (*models.LastMeasurement, error)
	SetLastMeasurement(ctx context.Context, m *models.LastMeasurement) error
}

// Options 采样器参数
type Options struct {
	WarmupSkip      int // 会话开始丢弃的样本数
	HeartRateWindow int // 心率窗口大小
	MotionWindow    int // 运动窗口大小
	Clock           clockwork.Clock
}

// Status 采样器状态快照
type Status struct {
	Running      bool                       `json:"running"`
	Latest       int                        `json:"latest"`
	Samples      int                        `json:"samples"`
	Average      int                        `json:"average"`
	ActivityMode models.ActivityMode        `json:"activity_mode"`
	State        models.UserState           `json:"state"`
	Thresholds   models.HeartRateThresholds `json:"thresholds"`
}

// HeartRateSampler 心率采样器
// 生命周期 start/stop 幂等；每个样本依次完成：累加、分类、取阈值、分级处理
type HeartRateSampler struct {
	sensor       Sensor
	policy       *evaluator.ThresholdPolicy
	escalator    Escalator
	warnings     WarningSink
	measurements MeasurementStore
	clock        clockwork.Clock
	warmupSkip   int
	logger       *zap.Logger

	lifecycle sync.Mutex // 串行化 Start/Stop
	sub       Subscription

	mu            sync.Mutex
	running       bool
	mode          models.ActivityMode
	acc           accumulator
	heartRates    *window[int]
	movements     *window[float64]
	positions     *window[float64]
	activityLevel int
	skipped       int
	latest        int
	criticalFired bool // 本会话已触发危急升级
	state         models.UserState
	thresholds    models.HeartRateThresholds
}

// NewHeartRateSampler 创建采样器，sensor 为空时 Start 降级为空操作
func NewHeartRateSampler(
	sensor Sensor,
	policy *evaluator.ThresholdPolicy,
	escalator Escalator,
	warnings WarningSink,
	measurements MeasurementStore,
	opts Options,
	logger *zap.Logger,
) *HeartRateSampler {
	if policy == nil {
		policy = evaluator.DefaultThresholdPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HeartRateWindow <= 0 {
		opts.HeartRateWindow = 30
	}
	if opts.MotionWindow <= 0 {
		opts.MotionWindow = 30
	}
	if opts.WarmupSkip < 0 {
		opts.WarmupSkip = 0
	}

	mode := models.ActivityModeOff
	return &HeartRateSampler{
		sensor:       sensor,
		policy:       policy,
		escalator:    escalator,
		warnings:     warnings,
		measurements: measurements,
		clock:        opts.Clock,
		warmupSkip:   opts.WarmupSkip,
		logger:       logger,
		mode:         mode,
		heartRates:   newWindow[int](opts.HeartRateWindow),
		movements:    newWindow[float64](opts.MotionWindow),
		positions:    newWindow[float64](opts.MotionWindow),
		state:        models.SafeDefaultState(mode),
		thresholds:   policy.Thresholds(models.SafeDefaultState(mode)),
	}
}

// Start 开始测量会话（已在运行时为空操作）
func (s *HeartRateSampler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.sensor == nil {
		s.mu.Unlock()
		s.logger.Warn("Heart rate sampling skipped", zap.Error(models.ErrSensorUnavailable))
		return nil
	}
	// 累加器只在会话开始时重置
	s.acc.reset()
	s.heartRates.reset()
	s.skipped = 0
	s.latest = 0
	s.criticalFired = false
	s.running = true
	s.mu.Unlock()

	// 订阅时不持有 mu，传感器可能同步回调
	sub, err := s.sensor.Subscribe(s)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Warn("Heart rate sampling skipped, sensor subscribe failed",
			zap.Error(fmt.Errorf("%w: %v", models.ErrSensorUnavailable, err)),
		)
		return nil
	}
	s.sub = sub

	s.logger.Info("Heart rate measurement started", zap.Int("warmup_skip", s.warmupSkip))
	return nil
}

// Stop 结束测量会话并持久化会话平均值（未运行时为空操作）
// 返回本次会话的平均心率
func (s *HeartRateSampler) Stop(ctx context.Context) int {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0
	}
	s.running = false
	avg := s.acc.average()
	count := s.acc.count
	s.mu.Unlock()

	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe heart rate sensor", zap.Error(err))
		}
		s.sub = nil
	}

	s.persistSession(ctx, avg)

	s.logger.Info("Heart rate measurement stopped",
		zap.Int("average", avg),
		zap.Int("valid_samples", count),
	)
	return avg
}

// persistSession 保存会话平均值，仅在平均值 > 0 时更新时间戳
func (s *HeartRateSampler) persistSession(ctx context.Context, avg int) {
	if s.measurements == nil {
		return
	}

	last, err := s.measurements.GetLastMeasurement(ctx)
	if err != nil {
		s.logger.Warn("Failed to load last measurement", zap.Error(err))
		last = nil
	}

	record := &models.LastMeasurement{Average: &avg}
	if last != nil {
		record.Timestamp = last.Timestamp
	}
	if avg > 0 {
		ts := s.clock.Now().UnixMilli()
		record.Timestamp = &ts
	}

	if err := s.measurements.SetLastMeasurement(ctx, record); err != nil {
		s.logger.Error("Failed to save last measurement",
			zap.Int("average", avg),
			zap.Error(err),
		)
	}
}

// OnHeartRate 处理心率样本
// 危急心率每个测量会话只升级一次，同一会话内后续危急样本不再中继，Start 开启新会话时重置
func (s *HeartRateSampler) OnHeartRate(sample models.SensorSample) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	// 1. 预热阶段丢弃
	if s.skipped < s.warmupSkip {
		s.skipped++
		s.mu.Unlock()
		return
	}

	// 2. 发布最新值并累加
	value := sample.Value
	s.latest = value
	s.acc.add(value)
	if value <= 0 {
		s.mu.Unlock()
		return
	}
	s.heartRates.push(value)

	// 3. 分类与取阈值（基于窗口快照）
	state := evaluator.ClassifyUserState(evaluator.ClassifierInput{
		Mode:          s.mode,
		HeartRates:    s.heartRates.snapshot(),
		Movements:     s.movements.snapshot(),
		Positions:     s.positions.snapshot(),
		Hour:          s.clock.Now().Hour(),
		ActivityLevel: s.activityLevel,
	})
	thresholds := s.policy.Thresholds(state)
	s.state = state
	s.thresholds = thresholds

	// 4. 分级
	critical := value < thresholds.CriticalMin && !s.criticalFired
	if critical {
		s.criticalFired = true
	}
	warning := value >= thresholds.CriticalMin && value < thresholds.WarningMin
	s.mu.Unlock()

	switch {
	case critical:
		s.logger.Warn("Critical heart rate, escalating",
			zap.Int("bpm", value),
			zap.Int("critical_min", thresholds.CriticalMin),
			zap.Bool("sleeping", state.IsSleeping),
			zap.String("activity_mode", string(state.ActivityMode)),
		)
		if s.escalator != nil {
			s.escalator.Trigger(fmt.Sprintf("critical bradycardia detected (%d bpm)", value))
		}
	case warning:
		s.logger.Info("Low heart rate warning",
			zap.Int("bpm", value),
			zap.Int("warning_min", thresholds.WarningMin),
		)
		if s.warnings != nil {
			s.warnings.OnWarning(sample, thresholds, state)
		}
	}
}

// OnMotion 处理运动样本
func (s *HeartRateSampler) OnMotion(sample models.MotionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.movements.push(sample.Movement)
	s.positions.push(sample.Position)
	s.activityLevel = sample.ActivityLevel
}

// SetActivityMode 切换活动模式（下一个样本生效）
func (s *HeartRateSampler) SetActivityMode(mode models.ActivityMode) {
	if !mode.Valid() {
		mode = models.ActivityModeOff
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

// Latest 最新心率读数（含无效值）
func (s *HeartRateSampler) Latest() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Status 状态快照
func (s *HeartRateSampler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:      s.running,
		Latest:       s.latest,
		Samples:      s.acc.count,
		Average:      s.acc.average(),
		ActivityMode: s.mode,
		State:        s.state,
		Thresholds:   s.thresholds,
	}
}
