package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	mqttcommon "wisefido-wearable/internal/common/mqtt"
	"wisefido-wearable/internal/models"
	"wisefido-wearable/internal/store"
)

// LocationStore 定位缓存
type LocationStore interface {
	Save(ctx context.Context, fix models.LocationFix) error
	Last(ctx context.Context) (*models.LocationFix, error)
}

// LocationTracker 伴侣节点定位：订阅定位主题并缓存，按需请求新鲜定位
type LocationTracker struct {
	broker Broker
	prefix string
	nodeID string
	cache  LocationStore
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	waiters []chan models.LocationFix
}

// NewLocationTracker 创建定位跟踪
func NewLocationTracker(broker Broker, prefix, nodeID string, cache LocationStore, clock clockwork.Clock, logger *zap.Logger) *LocationTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocationTracker{
		broker: broker,
		prefix: prefix,
		nodeID: nodeID,
		cache:  cache,
		clock:  clock,
		logger: logger,
	}
}

// Start 订阅定位主题
func (t *LocationTracker) Start() error {
	topic := mqttcommon.LocationTopic(t.prefix, t.nodeID)
	if err := t.broker.Subscribe(topic, 0, t.HandleFix); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	return nil
}

// HandleFix 处理定位消息：写缓存并唤醒等待中的请求
func (t *LocationTracker) HandleFix(topic string, payload []byte) error {
	var fix models.LocationFix
	if err := json.Unmarshal(payload, &fix); err != nil {
		return fmt.Errorf("invalid location payload on %s: %w", topic, err)
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = t.clock.Now()
	}

	if t.cache != nil {
		if err := t.cache.Save(context.Background(), fix); err != nil {
			t.logger.Warn("Failed to cache location", zap.Error(err))
		}
	}

	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		w <- fix
	}
	return nil
}

// CurrentFix 请求一次新鲜定位并等待，ctx 到期返回错误
func (t *LocationTracker) CurrentFix(ctx context.Context) (*models.LocationFix, error) {
	ch := make(chan models.LocationFix, 1)
	t.mu.Lock()
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	if err := t.broker.Publish(mqttcommon.LocationRequestTopic(t.prefix, t.nodeID), 1, false, []byte("{}")); err != nil {
		t.removeWaiter(ch)
		return nil, fmt.Errorf("failed to request location: %w", err)
	}

	select {
	case fix := <-ch:
		return &fix, nil
	case <-ctx.Done():
		t.removeWaiter(ch)
		return nil, ctx.Err()
	}
}

// LastFix 最近一次缓存的定位
func (t *LocationTracker) LastFix(ctx context.Context) (*models.LocationFix, error) {
	if t.cache == nil {
		return nil, models.ErrLocationUnavailable
	}
	fix, err := t.cache.Last(ctx)
	if errors.Is(err, store.ErrMiss) {
		return nil, models.ErrLocationUnavailable
	}
	if err != nil {
		return nil, err
	}
	return fix, nil
}

func (t *LocationTracker) removeWaiter(ch chan models.LocationFix) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range t.waiters {
		if w == ch {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}
