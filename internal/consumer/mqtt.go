package consumer

import (
	mqttcommon "wisefido-wearable/internal/common/mqtt"
)

// Broker MQTT 客户端的最小接口（*mqttcommon.Client 实现）
type Broker interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}
