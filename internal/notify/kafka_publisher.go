package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"wisefido-wearable/internal/config"
	"wisefido-wearable/internal/models"
)

// MessageWriter kafka.Writer 的最小接口
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventPublisher 升级生命周期事件发布（按 escalation_id 分区，保证单个升级内有序）
type KafkaEventPublisher struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(cfg *config.KafkaConfig, logger *zap.Logger) *KafkaEventPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 5 * time.Second,
		Async:        false,
	}
	return NewKafkaEventPublisherWithWriter(writer, cfg.Topic, logger)
}

// NewKafkaEventPublisherWithWriter 使用指定 writer 创建发布器
func NewKafkaEventPublisherWithWriter(writer MessageWriter, topic string, logger *zap.Logger) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		writer: writer,
		topic:  topic,
		logger: logger,
	}
}

// Publish 发布一个事件
func (p *KafkaEventPublisher) Publish(ctx context.Context, evt models.EscalationEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(evt.EscalationID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
		Time: evt.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write escalation event to %s: %w", p.topic, err)
	}

	p.logger.Debug("Escalation event published",
		zap.String("escalation_id", evt.EscalationID),
		zap.String("type", string(evt.Type)),
	)
	return nil
}

// Close 关闭 writer
func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}
