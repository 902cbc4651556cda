package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	rediscommon "wisefido-wearable/internal/common/redis"
	"wisefido-wearable/internal/models"
)

// StreamNotifier 伴侣端本地通知，写入 Redis Streams 供界面/推送服务消费
type StreamNotifier struct {
	client *rediscommon.Client
	stream string
	logger *zap.Logger
}

// NewStreamNotifier 创建通知出口
func NewStreamNotifier(client *rediscommon.Client, stream string, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Notify 发布一条通知
func (n *StreamNotifier) Notify(ctx context.Context, notification models.Notification) error {
	id, err := rediscommon.PublishToStream(ctx, n.client, n.stream, map[string]interface{}{
		"id":       notification.ID,
		"title":    notification.Title,
		"body":     notification.Body,
		"priority": notification.Priority,
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification %d: %w", notification.ID, err)
	}

	n.logger.Info("Notification raised",
		zap.Int("notification_id", notification.ID),
		zap.String("priority", notification.Priority),
		zap.String("stream_id", id),
	)
	return nil
}
