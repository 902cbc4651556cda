package countdown

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

	"wisefido-wearable/internal/models"
)

type fakeAlerter struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeAlerter) Start() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stops++
	}
}

func (f *fakeAlerter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeEscalator struct {
	mu      sync.Mutex
	reasons []string
	panics  bool
}

func (f *fakeEscalator) Trigger(reason string) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	panics := f.panics
	f.mu.Unlock()
	if panics {
		panic("relay exploded")
	}
}

func (f *fakeEscalator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.reasons...)
}

func waitDone(t *testing.T, g *Gate) {
	t.Helper()
	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("countdown did not finish")
	}
}

func setupGate(t *testing.T) (*Gate, clockwork.FakeClock, *fakeAlerter, *fakeEscalator) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	alerter := &fakeAlerter{}
	escalator := &fakeEscalator{}
	gate := NewGate("g1", 30*time.Second, clock, alerter, escalator, zap.NewNop())
	return gate, clock, alerter, escalator
}

func TestGate_CancelBeforeDeadline(t *testing.T) {
	gate, clock, alerter, escalator := setupGate(t)

	require.NoError(t, gate.Arm(context.Background()))
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	assert.True(t, gate.Cancel())
	waitDone(t, gate)

	assert.Equal(t, StateCancelled, gate.State())
	assert.Empty(t, escalator.calls())
	starts, stops := alerter.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	// 终态后再次取消无效
	assert.False(t, gate.Cancel())
}

func TestGate_ExpiresAndEscalatesOnce(t *testing.T) {
	gate, clock, alerter, escalator := setupGate(t)

	require.NoError(t, gate.Arm(context.Background()))
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	waitDone(t, gate)

	assert.Equal(t, StateExpired, gate.State())
	assert.Equal(t, 0, gate.Remaining())
	calls := escalator.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "heart-rate warning timeout", calls[0])

	_, stops := alerter.counts()
	assert.Equal(t, 1, stops)
	assert.False(t, gate.Cancel())
	assert.Len(t, escalator.calls(), 1)
}

func TestGate_TicksEverySecond(t *testing.T) {
	gate, clock, _, _ := setupGate(t)

	var mu sync.Mutex
	var events []Event
	gate.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})

	require.NoError(t, gate.Arm(context.Background()))
	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	clock.BlockUntil(1)
	assert.Equal(t, 27, gate.Remaining())

	gate.Cancel()
	waitDone(t, gate)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 5)
	assert.Equal(t, Event{State: StateArmed, Remaining: 30, At: events[0].At}, events[0])
	assert.Equal(t, 29, events[1].Remaining)
	assert.Equal(t, 27, events[3].Remaining)
	assert.Equal(t, StateCancelled, events[4].State)
}

func TestGate_ContextAbortIsCancelled(t *testing.T) {
	gate, clock, alerter, escalator := setupGate(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, gate.Arm(ctx))
	clock.BlockUntil(1)
	cancel()
	waitDone(t, gate)

	assert.Equal(t, StateCancelled, gate.State())
	assert.Empty(t, escalator.calls())
	_, stops := alerter.counts()
	assert.Equal(t, 1, stops)
}

func TestGate_ArmTwice(t *testing.T) {
	gate, clock, _, _ := setupGate(t)

	require.NoError(t, gate.Arm(context.Background()))
	clock.BlockUntil(1)

	err := gate.Arm(context.Background())
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	gate.Cancel()
	waitDone(t, gate)
}

func TestGate_PanicStillStopsAlert(t *testing.T) {
	gate, clock, alerter, escalator := setupGate(t)
	escalator.panics = true

	require.NoError(t, gate.Arm(context.Background()))
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	waitDone(t, gate)

	assert.Equal(t, StateExpired, gate.State())
	_, stops := alerter.counts()
	assert.Equal(t, 1, stops)
}

func TestGate_CancelRacesExpiry(t *testing.T) {
	for i := 0; i < 50; i++ {
		gate, clock, _, escalator := setupGate(t)
		require.NoError(t, gate.Arm(context.Background()))
		clock.BlockUntil(1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			clock.Advance(30 * time.Second)
		}()
		go func() {
			defer wg.Done()
			gate.Cancel()
		}()
		wg.Wait()
		waitDone(t, gate)

		state := gate.State()
		require.True(t, state.Terminal())
		if state == StateExpired {
			assert.Len(t, escalator.calls(), 1)
		} else {
			assert.Empty(t, escalator.calls())
		}
	}
}

func TestSecondsUntil(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 30, secondsUntil(now.Add(30*time.Second), now))
	assert.Equal(t, 1, secondsUntil(now.Add(10*time.Millisecond), now))
	assert.Equal(t, 0, secondsUntil(now, now))
	assert.Equal(t, 0, secondsUntil(now.Add(-time.Second), now))
}
