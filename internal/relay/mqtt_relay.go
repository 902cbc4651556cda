package relay

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	mqttcommon "wisefido-wearable/internal/common/mqtt"
	"wisefido-wearable/internal/models"
)

// Relay 手表 -> 伴侣节点 的 SOS 中继
// Trigger 立即返回，投递在后台完成，失败只记录日志
type Relay interface {
	Trigger(reason string)
}

// NodeDiscovery 可达节点发现
type NodeDiscovery interface {
	ReachableNodes() []string
}

// MQTTRelay 通过 MQTT 把 SOS 发送给第一个可达的伴侣节点（尽力而为，至多一次）
type MQTTRelay struct {
	deviceID  string
	prefix    string
	discovery NodeDiscovery
	pub       Publisher
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewMQTTRelay 创建 MQTT 中继
func NewMQTTRelay(deviceID, prefix string, discovery NodeDiscovery, pub Publisher, logger *zap.Logger) *MQTTRelay {
	return &MQTTRelay{
		deviceID:  deviceID,
		prefix:    prefix,
		discovery: discovery,
		pub:       pub,
		logger:    logger,
	}
}

// Trigger 异步投递 SOS
func (r *MQTTRelay) Trigger(reason string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("SOS relay panicked", zap.Any("panic", rec), zap.String("reason", reason))
			}
		}()
		_ = r.deliver(reason)
	}()
}

// Close 等待进行中的投递结束
func (r *MQTTRelay) Close() {
	r.wg.Wait()
}

func (r *MQTTRelay) deliver(reason string) error {
	nodes := r.discovery.ReachableNodes()
	if len(nodes) == 0 {
		r.logger.Error("SOS relay failed",
			zap.String("reason", reason),
			zap.Error(models.ErrRelayUnreachable),
		)
		return models.ErrRelayUnreachable
	}

	node := nodes[0]
	topic := mqttcommon.SOSTopic(r.prefix, node, r.deviceID)
	if err := r.pub.Publish(topic, 0, false, []byte(reason)); err != nil {
		err = fmt.Errorf("%w: %v", models.ErrRelayUnreachable, err)
		r.logger.Error("SOS relay failed",
			zap.String("node_id", node),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return err
	}

	r.logger.Info("SOS relayed to companion",
		zap.String("node_id", node),
		zap.String("topic", topic),
		zap.String("reason", reason),
	)
	return nil
}
