package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqttcommon "wisefido-wearable/internal/common/mqtt"
	"wisefido-wearable/internal/config"
	"wisefido-wearable/internal/models"
	"wisefido-wearable/internal/telephony"
)

// memBroker 进程内 MQTT：发布即同步分发给匹配的订阅，retained 消息在订阅时补发
type memBroker struct {
	mu        sync.Mutex
	handlers  map[string]mqttcommon.MessageHandler
	retained  map[string][]byte
	published []string
}

func newMemBroker() *memBroker {
	return &memBroker{handlers: map[string]mqttcommon.MessageHandler{}, retained: map[string][]byte{}}
}

func (b *memBroker) Subscribe(filter string, _ byte, handler mqttcommon.MessageHandler) error {
	b.mu.Lock()
	b.handlers[filter] = handler
	var replay [][2]string
	for topic, payload := range b.retained {
		if topicMatches(filter, topic) {
			replay = append(replay, [2]string{topic, string(payload)})
		}
	}
	b.mu.Unlock()

	for _, m := range replay {
		_ = handler(m[0], []byte(m[1]))
	}
	return nil
}

func (b *memBroker) Unsubscribe(filters ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range filters {
		delete(b.handlers, f)
	}
	return nil
}

func (b *memBroker) Publish(topic string, _ byte, retained bool, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, topic)
	if retained {
		b.retained[topic] = payload
	}
	var targets []mqttcommon.MessageHandler
	for filter, h := range b.handlers {
		if topicMatches(filter, topic) {
			targets = append(targets, h)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		_ = h(topic, payload)
	}
	return nil
}

func (b *memBroker) subscribed(filter string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[filter]
	return ok
}

func (b *memBroker) publishedTo(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.published {
		if t == topic {
			n++
		}
	}
	return n
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

// gatewayRecorder 模拟电话网关
type gatewayRecorder struct {
	mu       sync.Mutex
	messages []telephony.MessageRequest
	calls    []telephony.CallRequest
}

func (g *gatewayRecorder) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req telephony.MessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		g.messages = append(g.messages, req)
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-1","status":"queued"}`))
	})
	mux.HandleFunc("/v1/calls", func(w http.ResponseWriter, r *http.Request) {
		var req telephony.CallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		g.calls = append(g.calls, req)
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"call-1","status":"queued"}`))
	})
	return mux
}

func (g *gatewayRecorder) snapshot() ([]telephony.MessageRequest, []telephony.CallRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]telephony.MessageRequest(nil), g.messages...), append([]telephony.CallRequest(nil), g.calls...)
}

func testConfig(gatewayURL string) *config.Config {
	cfg := &config.Config{}
	cfg.MQTT.TopicPrefix = "wisefido"

	cfg.Wearable.DeviceID = "watch-1"
	cfg.Wearable.HTTP.Addr = "127.0.0.1:0"
	cfg.Wearable.HTTP.ShutdownTimeout = time.Second
	cfg.Wearable.Measurement.Interval = time.Minute
	cfg.Wearable.Measurement.Duration = 40 * time.Second
	cfg.Wearable.CountdownDuration = 30 * time.Second
	cfg.Wearable.Thresholds = models.DefaultThresholdTable()
	cfg.Wearable.KeyPrefix = "wearable:"

	cfg.Relay.Transport = "mqtt"
	cfg.Relay.Stream = "wisefido:sos"

	cfg.Companion.NodeID = "phone-1"
	cfg.Companion.HTTP.Addr = "127.0.0.1:0"
	cfg.Companion.HTTP.ShutdownTimeout = time.Second
	cfg.Companion.FreshFixTimeout = 50 * time.Millisecond
	cfg.Companion.LocationBackstop = 200 * time.Millisecond
	cfg.Companion.CallDelay = 10 * time.Millisecond
	cfg.Companion.NotificationStream = "wisefido:notifications"
	cfg.Companion.ConsumerGroup = "companion"
	cfg.Companion.KeyPrefix = "companion:"

	cfg.Telephony.BaseURL = gatewayURL
	cfg.Telephony.Timeout = time.Second
	return cfg
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWearableService_RestoresActivityMode(t *testing.T) {
	mr, client := setupTestRedis(t)
	require.NoError(t, mr.Set("wearable:activity_mode", "FISHING"))

	cfg := testConfig("http://127.0.0.1:1")
	broker := newMemBroker()
	s, err := newWearableService(cfg, client, broker, clockwork.NewFakeClock(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	hrTopic := mqttcommon.HeartRateTopic("wisefido", "watch-1")
	require.Eventually(t, func() bool { return broker.subscribed(hrTopic) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ActivityModeFishing, s.sampler.Status().ActivityMode)

	rec := serve(t, s.server.Handler, http.MethodPut, "/api/v1/activity-mode", `{"mode":"general"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	stored, err := mr.Get("wearable:activity_mode")
	require.NoError(t, err)
	assert.Equal(t, "GENERAL", stored)
	assert.Equal(t, models.ActivityModeGeneral, s.sampler.Status().ActivityMode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("wearable service did not stop")
	}
	require.NoError(t, s.Stop())
	assert.False(t, broker.subscribed(hrTopic))
}

func TestWearableService_InvalidThresholds(t *testing.T) {
	_, client := setupTestRedis(t)
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Wearable.Thresholds.Default = models.HeartRateThresholds{CriticalMin: 60, WarningMin: 50, NormalMin: 40}

	_, err := newWearableService(cfg, client, newMemBroker(), clockwork.NewFakeClock(), zap.NewNop())
	assert.Error(t, err)
}

func TestCompanionService_PresenceLifecycle(t *testing.T) {
	_, client := setupTestRedis(t)
	cfg := testConfig("http://127.0.0.1:1")
	broker := newMemBroker()

	s, err := newCompanionService(context.Background(), cfg, client, broker, CompanionDeps{}, clockwork.NewRealClock(), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	presence := mqttcommon.PresenceTopic("wisefido", "phone-1")
	require.Eventually(t, func() bool { return broker.publishedTo(presence) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, broker.subscribed(mqttcommon.SOSSubscription("wisefido", "phone-1")))
	assert.True(t, broker.subscribed(mqttcommon.LocationTopic("wisefido", "phone-1")))

	// 未配置账本
	rec := serve(t, s.server.Handler, http.MethodGet, "/api/v1/escalations", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	cancel()
	<-done
	require.NoError(t, s.Stop())

	assert.Equal(t, 2, broker.publishedTo(presence))
	var p struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(broker.retained[presence], &p))
	assert.Equal(t, "offline", p.Status)
}

// 手表危急心率 -> MQTT 中继 -> 伴侣端升级 -> 短信 + 呼叫
func TestEndToEnd_CriticalHeartRateReachesGateway(t *testing.T) {
	_, client := setupTestRedis(t)
	gateway := &gatewayRecorder{}
	gw := httptest.NewServer(gateway.handler())
	defer gw.Close()

	cfg := testConfig(gw.URL)
	broker := newMemBroker()
	logger := zap.NewNop()

	companion, err := newCompanionService(context.Background(), cfg, client, broker, CompanionDeps{}, clockwork.NewRealClock(), logger)
	require.NoError(t, err)
	wearable, err := newWearableService(cfg, client, broker, clockwork.NewFakeClock(), logger)
	require.NoError(t, err)

	rec := serve(t, companion.server.Handler, http.MethodPut, "/api/v1/contact", `{"number":"+821012345678"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = companion.Start(ctx) }()
	go func() { _ = wearable.Start(ctx) }()

	hrTopic := mqttcommon.HeartRateTopic("wisefido", "watch-1")
	require.Eventually(t, func() bool {
		return broker.subscribed(hrTopic) && len(wearable.registry.ReachableNodes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, broker.Publish(hrTopic, 0, false, []byte(`{"bpm":30}`)))

	require.Eventually(t, func() bool {
		msgs, calls := gateway.snapshot()
		return len(msgs) == 1 && len(calls) == 1
	}, 3*time.Second, 20*time.Millisecond)

	msgs, calls := gateway.snapshot()
	assert.Equal(t, "+821012345678", msgs[0].To)
	assert.Contains(t, msgs[0].Body, "critical bradycardia detected (30 bpm)")
	assert.Contains(t, msgs[0].Body, models.LocationUnavailableText)
	assert.Equal(t, msgs[0].CorrelationID, calls[0].CorrelationID)

	// 本地通知写入 Streams
	entries, err := client.XRange(context.Background(), cfg.Companion.NotificationStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1001", entries[0].Values["id"])

	// 同一会话内的后续危急样本不再升级
	require.NoError(t, broker.Publish(hrTopic, 0, false, []byte(`{"bpm":28}`)))
	time.Sleep(100 * time.Millisecond)
	msgs, _ = gateway.snapshot()
	assert.Len(t, msgs, 1)

	cancel()
	require.NoError(t, wearable.Stop())
	require.NoError(t, companion.Stop())
}
