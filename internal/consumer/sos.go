package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	mqttcommon "wisefido-wearable/internal/common/mqtt"
	rediscommon "wisefido-wearable/internal/common/redis"
	"wisefido-wearable/internal/models"
)

// Submitter 异步升级入口
type Submitter interface {
	Submit(req models.SOSRequest)
}

// Handler 同步升级入口
type Handler interface {
	Handle(ctx context.Context, req models.SOSRequest) (*models.Escalation, error)
}

// MQTTSOSConsumer 伴侣节点接收手表的 SOS 消息（至多一次）
type MQTTSOSConsumer struct {
	broker    Broker
	prefix    string
	nodeID    string
	submitter Submitter
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewMQTTSOSConsumer 创建 MQTT SOS 消费者
func NewMQTTSOSConsumer(broker Broker, prefix, nodeID string, submitter Submitter, clock clockwork.Clock, logger *zap.Logger) *MQTTSOSConsumer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MQTTSOSConsumer{
		broker:    broker,
		prefix:    prefix,
		nodeID:    nodeID,
		submitter: submitter,
		clock:     clock,
		logger:    logger,
	}
}

// Start 订阅本节点的 SOS 主题
func (c *MQTTSOSConsumer) Start() error {
	topic := mqttcommon.SOSSubscription(c.prefix, c.nodeID)
	if err := c.broker.Subscribe(topic, 0, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	c.logger.Info("SOS consumer started", zap.String("topic", topic))
	return nil
}

// HandleMessage 载荷为 UTF-8 原因文本，来源设备取自主题
func (c *MQTTSOSConsumer) HandleMessage(topic string, payload []byte) error {
	origin, ok := mqttcommon.ParseSOSOrigin(topic)
	if !ok {
		return fmt.Errorf("unexpected SOS topic %s", topic)
	}
	reason := strings.TrimSpace(string(payload))
	if reason == "" {
		reason = "unspecified"
	}

	req := models.SOSRequest{
		RequestID:      uuid.New().String(),
		Reason:         reason,
		OriginDeviceID: origin,
		Timestamp:      c.clock.Now(),
	}
	c.logger.Info("SOS message received",
		zap.String("escalation_id", req.RequestID),
		zap.String("origin_device_id", origin),
		zap.String("reason", reason),
	)
	c.submitter.Submit(req)
	return nil
}

// StreamSOSConsumer 从 Redis Streams 消费 SOS 请求（至少一次，处理后 XACK）
type StreamSOSConsumer struct {
	client   *rediscommon.Client
	stream   string
	group    string
	consumer string
	handler  Handler
	logger   *zap.Logger

	batchSize int64
	block     time.Duration
}

// NewStreamSOSConsumer 创建 Streams SOS 消费者
func NewStreamSOSConsumer(client *rediscommon.Client, stream, group, consumer string, handler Handler, logger *zap.Logger) *StreamSOSConsumer {
	return &StreamSOSConsumer{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		handler:   handler,
		logger:    logger,
		batchSize: 10,
		block:     2 * time.Second,
	}
}

// Start 启动消费循环，ctx 取消时返回
func (c *StreamSOSConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.client, c.stream, c.group); err != nil {
		return err
	}

	c.logger.Info("SOS stream consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.group),
		zap.String("consumer_name", c.consumer),
	)

	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := c.ConsumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume SOS stream",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = time.Second
	}
}

// ConsumeOnce 读取一批消息并逐条处理，返回处理条数
func (c *StreamSOSConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	messages, err := rediscommon.ReadFromStream(ctx, c.client, c.stream, c.group, c.consumer, c.batchSize, c.block)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", c.stream, err)
	}

	for _, msg := range messages {
		c.process(ctx, msg)
		// 处理结果不影响确认：失败已记录，重投只会产生重复升级
		if err := rediscommon.Ack(ctx, c.client, c.stream, c.group, msg.ID); err != nil {
			c.logger.Error("Failed to ack SOS message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return len(messages), nil
}

func (c *StreamSOSConsumer) process(ctx context.Context, msg rediscommon.StreamMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("SOS handler panicked", zap.String("message_id", msg.ID), zap.Any("panic", r))
		}
	}()

	data, ok := msg.Field("data")
	if !ok {
		c.logger.Warn("SOS message without data field", zap.String("message_id", msg.ID))
		return
	}
	var req models.SOSRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		c.logger.Warn("Invalid SOS message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if req.RequestID == "" {
		// 无关联ID时用消息ID，重投仍能去重
		req.RequestID = msg.ID
	}

	if _, err := c.handler.Handle(ctx, req); err != nil {
		c.logger.Warn("SOS escalation finished with error",
			zap.String("escalation_id", req.RequestID),
			zap.Error(err),
		)
	}
}
