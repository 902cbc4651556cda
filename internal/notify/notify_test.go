package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-wearable/internal/config"
	"wisefido-wearable/internal/models"
)

func TestStreamNotifier_Notify(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewStreamNotifier(client, "wisefido:notifications", zap.NewNop())
	require.NoError(t, n.Notify(context.Background(), models.Notification{
		ID:       models.NotificationIDSOS,
		Title:    "Emergency SOS",
		Body:     "Reason: manual trigger",
		Priority: "high",
	}))

	entries, err := client.XRange(context.Background(), "wisefido:notifications", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1001", entries[0].Values["id"])
	assert.Equal(t, "high", entries[0].Values["priority"])
	assert.Equal(t, "Reason: manual trigger", entries[0].Values["body"])
}

func TestStreamNotifier_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	n := NewStreamNotifier(client, "wisefido:notifications", zap.NewNop())
	assert.Error(t, n.Notify(context.Background(), models.Notification{ID: 1}))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaEventPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaEventPublisherWithWriter(w, "wisefido.escalations", zap.NewNop())

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), models.EscalationEvent{
		EscalationID:  "esc-1",
		Type:          models.EventDeliveryTransition,
		DeliveryState: models.DeliverySent,
		OccurredAt:    at,
	}))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "esc-1", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, "escalation.delivery", string(msg.Headers[0].Value))

	var evt models.EscalationEvent
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	assert.Equal(t, models.DeliverySent, evt.DeliveryState)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaEventPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := NewKafkaEventPublisherWithWriter(w, "wisefido.escalations", zap.NewNop())

	err := p.Publish(context.Background(), models.EscalationEvent{EscalationID: "esc-1"})
	assert.ErrorContains(t, err, "wisefido.escalations")
}

func TestNewKafkaEventPublisher(t *testing.T) {
	p := NewKafkaEventPublisher(&config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, zap.NewNop())
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "t", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
}
