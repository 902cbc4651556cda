package sampler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Session 可被调度的测量会话
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) int
}

// Scheduler 周期性测量调度：每 interval 启动一次，每次持续 duration
type Scheduler struct {
	session  Session
	interval time.Duration
	duration time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
}

const (
	// DefaultInterval 默认测量周期
	DefaultInterval = 60 * time.Second
	// DefaultBurst 默认单次测量时长
	DefaultBurst = 40 * time.Second
)

// NewScheduler 创建调度器
// interval/duration 非正数时使用默认值，duration 不超过 interval
func NewScheduler(session Session, interval, duration time.Duration, clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		logger.Warn("Invalid measurement interval, using default",
			zap.Duration("interval", interval),
			zap.Duration("default", DefaultInterval),
		)
		interval = DefaultInterval
	}
	if duration <= 0 {
		logger.Warn("Invalid measurement duration, using default",
			zap.Duration("duration", duration),
			zap.Duration("default", DefaultBurst),
		)
		duration = DefaultBurst
	}
	if duration > interval {
		duration = interval
	}
	return &Scheduler{
		session:  session,
		interval: interval,
		duration: duration,
		clock:    clock,
		logger:   logger,
	}
}

// Run 运行调度循环，直到 ctx 取消；退出时停止进行中的会话
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Measurement scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("duration", s.duration),
	)

	for {
		if err := s.session.Start(ctx); err != nil {
			s.logger.Error("Failed to start measurement session", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.session.Stop(context.Background())
			s.logger.Info("Measurement scheduler stopped")
			return
		case <-s.clock.After(s.duration):
		}
		s.session.Stop(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Measurement scheduler stopped")
			return
		case <-s.clock.After(s.interval - s.duration):
		}
	}
}
