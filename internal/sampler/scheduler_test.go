package sampler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type countingSession struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (c *countingSession) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return nil
}

func (c *countingSession) Stop(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return 0
}

func (c *countingSession) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

func TestNewScheduler_NonPositiveValuesUseDefaults(t *testing.T) {
	tests := []struct {
		name         string
		interval     time.Duration
		duration     time.Duration
		wantInterval time.Duration
		wantDuration time.Duration
	}{
		{"zero", 0, 0, DefaultInterval, DefaultBurst},
		{"negative interval", -time.Second, 10 * time.Second, DefaultInterval, 10 * time.Second},
		{"negative interval long burst", -time.Second, 90 * time.Second, DefaultInterval, DefaultInterval},
		{"negative duration", 30 * time.Second, -time.Second, 30 * time.Second, 30 * time.Second},
		{"valid", time.Minute, 40 * time.Second, time.Minute, 40 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(&countingSession{}, tt.interval, tt.duration, clockwork.NewFakeClock(), zap.NewNop())
			assert.Equal(t, tt.wantInterval, s.interval)
			assert.Equal(t, tt.wantDuration, s.duration)
		})
	}
}

func TestScheduler_BurstCycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	session := &countingSession{}
	scheduler := NewScheduler(session, time.Minute, 40*time.Second, clock, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()

	// 第一个会话：启动后 40 秒停止
	clock.BlockUntil(1)
	starts, stops := session.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)

	clock.Advance(40 * time.Second)
	clock.BlockUntil(1)
	starts, stops = session.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	// 间隔剩余 20 秒后开始下一个会话
	clock.Advance(20 * time.Second)
	clock.BlockUntil(1)
	starts, _ = session.counts()
	assert.Equal(t, 2, starts)

	// 取消时停止进行中的会话
	cancel()
	<-done
	_, stops = session.counts()
	assert.Equal(t, 2, stops)
}
