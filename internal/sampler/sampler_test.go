package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-wearable/internal/evaluator"
	"wisefido-wearable/internal/models"
)

// fakeSensor 记录订阅次数
type fakeSensor struct {
	mu           sync.Mutex
	subscribes   int
	unsubscribes int
	listener     Listener
	err          error
}

func (f *fakeSensor) Subscribe(listener Listener) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subscribes++
	f.listener = listener
	return f, nil
}

func (f *fakeSensor) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	return nil
}

type fakeEscalator struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeEscalator) Trigger(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

type fakeWarnings struct {
	mu      sync.Mutex
	samples []models.SensorSample
}

func (f *fakeWarnings) OnWarning(sample models.SensorSample, _ models.HeartRateThresholds, _ models.UserState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
}

type fakeMeasurements struct {
	last *models.LastMeasurement
	sets int
}

func (f *fakeMeasurements) GetLastMeasurement(_ context.Context) (*models.LastMeasurement, error) {
	if f.last == nil {
		return &models.LastMeasurement{}, nil
	}
	return f.last, nil
}

func (f *fakeMeasurements) SetLastMeasurement(_ context.Context, m *models.LastMeasurement) error {
	f.last = m
	f.sets++
	return nil
}

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type samplerFixture struct {
	sampler      *HeartRateSampler
	sensor       *fakeSensor
	escalator    *fakeEscalator
	warnings     *fakeWarnings
	measurements *fakeMeasurements
	clock        clockwork.FakeClock
}

func setupSampler(t *testing.T, warmup int) *samplerFixture {
	t.Helper()
	f := &samplerFixture{
		sensor:       &fakeSensor{},
		escalator:    &fakeEscalator{},
		warnings:     &fakeWarnings{},
		measurements: &fakeMeasurements{},
		clock:        clockwork.NewFakeClockAt(noon),
	}
	f.sampler = NewHeartRateSampler(f.sensor, evaluator.DefaultThresholdPolicy(), f.escalator, f.warnings, f.measurements,
		Options{WarmupSkip: warmup, Clock: f.clock}, zap.NewNop())
	return f
}

func feed(s *HeartRateSampler, values ...int) {
	for _, v := range values {
		s.OnHeartRate(models.SensorSample{Value: v})
	}
}

func TestHeartRateSampler_StartStopIdempotent(t *testing.T) {
	f := setupSampler(t, 0)
	ctx := context.Background()

	require.NoError(t, f.sampler.Start(ctx))
	require.NoError(t, f.sampler.Start(ctx))
	assert.Equal(t, 1, f.sensor.subscribes)
	assert.True(t, f.sampler.Status().Running)

	f.sampler.Stop(ctx)
	f.sampler.Stop(ctx)
	assert.Equal(t, 1, f.sensor.unsubscribes)
	assert.Equal(t, 1, f.measurements.sets)
	assert.False(t, f.sampler.Status().Running)
}

func TestHeartRateSampler_AverageIgnoresInvalidReadings(t *testing.T) {
	f := setupSampler(t, 0)
	ctx := context.Background()
	require.NoError(t, f.sampler.Start(ctx))

	feed(f.sampler, 60, 0, 62, -1, 58)
	assert.Equal(t, 58, f.sampler.Latest())

	avg := f.sampler.Stop(ctx)
	assert.Equal(t, 60, avg)
	require.NotNil(t, f.measurements.last.Average)
	assert.Equal(t, 60, *f.measurements.last.Average)
	require.NotNil(t, f.measurements.last.Timestamp)
	assert.Equal(t, noon.UnixMilli(), *f.measurements.last.Timestamp)
}

func TestHeartRateSampler_LatestPublishesInvalidValues(t *testing.T) {
	f := setupSampler(t, 0)
	require.NoError(t, f.sampler.Start(context.Background()))

	feed(f.sampler, 90, -1)
	assert.Equal(t, -1, f.sampler.Latest())
}

func TestHeartRateSampler_WarmupSkip(t *testing.T) {
	f := setupSampler(t, 2)
	ctx := context.Background()
	require.NoError(t, f.sampler.Start(ctx))

	feed(f.sampler, 10, 10, 90, 92)
	assert.Equal(t, 91, f.sampler.Stop(ctx))
	assert.Equal(t, 0, f.escalator.count())
}

func TestHeartRateSampler_ZeroAverageKeepsTimestamp(t *testing.T) {
	f := setupSampler(t, 0)
	ctx := context.Background()
	prevAvg, prevTs := 71, int64(1700000000000)
	f.measurements.last = &models.LastMeasurement{Average: &prevAvg, Timestamp: &prevTs}

	require.NoError(t, f.sampler.Start(ctx))
	feed(f.sampler, 0, -1)
	assert.Equal(t, 0, f.sampler.Stop(ctx))

	require.NotNil(t, f.measurements.last.Average)
	assert.Equal(t, 0, *f.measurements.last.Average)
	require.NotNil(t, f.measurements.last.Timestamp)
	assert.Equal(t, prevTs, *f.measurements.last.Timestamp)
}

func TestHeartRateSampler_CriticalEscalatesOncePerSession(t *testing.T) {
	f := setupSampler(t, 0)
	ctx := context.Background()
	require.NoError(t, f.sampler.Start(ctx))

	// OFF 模式清醒：阈值 70/75/80
	feed(f.sampler, 65, 60)

	require.Equal(t, 1, f.escalator.count())
	assert.Equal(t, "critical bradycardia detected (65 bpm)", f.escalator.reasons[0])
	assert.Empty(t, f.warnings.samples)

	// 新会话重新允许升级
	f.sampler.Stop(ctx)
	require.NoError(t, f.sampler.Start(ctx))
	feed(f.sampler, 66)
	assert.Equal(t, 2, f.escalator.count())
}

func TestHeartRateSampler_WarningBand(t *testing.T) {
	f := setupSampler(t, 0)
	require.NoError(t, f.sampler.Start(context.Background()))

	feed(f.sampler, 72, 85)

	require.Len(t, f.warnings.samples, 1)
	assert.Equal(t, 72, f.warnings.samples[0].Value)
	assert.Equal(t, 0, f.escalator.count())
}

func TestHeartRateSampler_FishingMode(t *testing.T) {
	f := setupSampler(t, 0)
	f.sampler.SetActivityMode(models.ActivityModeFishing)
	require.NoError(t, f.sampler.Start(context.Background()))

	feed(f.sampler, 65, 45)

	status := f.sampler.Status()
	assert.Equal(t, models.ActivityModeFishing, status.ActivityMode)
	assert.Equal(t, models.HeartRateThresholds{CriticalMin: 42, WarningMin: 52, NormalMin: 60}, status.Thresholds)
	require.Len(t, f.warnings.samples, 1)
	assert.Equal(t, 45, f.warnings.samples[0].Value)
	assert.Equal(t, 0, f.escalator.count())
}

func TestHeartRateSampler_MotionFeedsClassifier(t *testing.T) {
	f := setupSampler(t, 0)
	require.NoError(t, f.sampler.Start(context.Background()))

	for i := 0; i < 5; i++ {
		f.sampler.OnMotion(models.MotionSample{Movement: float64((i % 2) * 20), Position: 0.5, ActivityLevel: 150})
	}
	feed(f.sampler, 90)

	state := f.sampler.Status().State
	assert.False(t, state.IsSleeping)
	assert.Equal(t, models.ActivityLevelVigorous, state.ActivityLevel)
}

func TestHeartRateSampler_IgnoresSamplesWhenStopped(t *testing.T) {
	f := setupSampler(t, 0)

	feed(f.sampler, 30)
	f.sampler.OnMotion(models.MotionSample{Movement: 1})

	assert.Equal(t, 0, f.sampler.Latest())
	assert.Equal(t, 0, f.escalator.count())
}

func TestHeartRateSampler_SensorUnavailable(t *testing.T) {
	measurements := &fakeMeasurements{}
	s := NewHeartRateSampler(nil, nil, nil, nil, measurements, Options{}, zap.NewNop())

	assert.NotPanics(t, func() {
		require.NoError(t, s.Start(context.Background()))
		assert.Equal(t, 0, s.Stop(context.Background()))
	})
	assert.False(t, s.Status().Running)
	assert.Equal(t, 0, measurements.sets)
}

func TestHeartRateSampler_SubscribeFailureDegrades(t *testing.T) {
	f := setupSampler(t, 0)
	f.sensor.err = errors.New("sensor busy")

	require.NoError(t, f.sampler.Start(context.Background()))
	assert.False(t, f.sampler.Status().Running)
}

func TestWindow_SnapshotOrder(t *testing.T) {
	w := newWindow[int](3)
	for _, v := range []int{1, 2, 3, 4, 5} {
		w.push(v)
	}
	assert.Equal(t, []int{3, 4, 5}, w.snapshot())
	assert.Equal(t, 3, w.filled())

	w.reset()
	assert.Empty(t, w.snapshot())
}
