package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	rediscommon "wisefido-wearable/internal/common/redis"
	"wisefido-wearable/internal/models"
)

const (
	streamPublishAttempts = 3
	streamRetryBackoff    = 200 * time.Millisecond
	streamPublishTimeout  = 5 * time.Second
)

// StreamRelay 通过 Redis Streams 投递 SOS（至少一次）
// 伴侣节点以消费者组读取，处理完成后 XACK
type StreamRelay struct {
	client   *redis.Client
	stream   string
	deviceID string
	clock    clockwork.Clock
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewStreamRelay 创建 Streams 中继
func NewStreamRelay(client *redis.Client, stream, deviceID string, clock clockwork.Clock, logger *zap.Logger) *StreamRelay {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StreamRelay{
		client:   client,
		stream:   stream,
		deviceID: deviceID,
		clock:    clock,
		logger:   logger,
	}
}

// Trigger 异步写入 SOS 请求
func (r *StreamRelay) Trigger(reason string) {
	req := models.NewSOSRequest(reason, r.deviceID, r.clock.Now())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("SOS relay panicked", zap.Any("panic", rec), zap.String("request_id", req.RequestID))
			}
		}()
		_ = r.deliver(req)
	}()
}

// Close 等待进行中的投递结束
func (r *StreamRelay) Close() {
	r.wg.Wait()
}

func (r *StreamRelay) deliver(req models.SOSRequest) error {
	var lastErr error
	for attempt := 1; attempt <= streamPublishAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), streamPublishTimeout)
		id, err := rediscommon.PublishJSONToStream(ctx, r.client, r.stream, req)
		cancel()
		if err == nil {
			r.logger.Info("SOS queued on stream",
				zap.String("stream", r.stream),
				zap.String("message_id", id),
				zap.String("request_id", req.RequestID),
				zap.String("reason", req.Reason),
			)
			return nil
		}
		lastErr = err
		if attempt < streamPublishAttempts {
			r.clock.Sleep(streamRetryBackoff * time.Duration(attempt))
		}
	}

	err := fmt.Errorf("%w: %v", models.ErrRelayUnreachable, lastErr)
	r.logger.Error("SOS relay failed",
		zap.String("request_id", req.RequestID),
		zap.String("reason", req.Reason),
		zap.Error(err),
	)
	return err
}
