package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	mqttcommon "wisefido-wearable/internal/common/mqtt"
	"wisefido-wearable/internal/models"
	"wisefido-wearable/internal/sampler"
)

// MQTTSensor 通过 MQTT 接收手表心率/运动数据，实现 sampler.Sensor
type MQTTSensor struct {
	broker   Broker
	prefix   string
	deviceID string
	clock    clockwork.Clock
	logger   *zap.Logger
}

// NewMQTTSensor 创建 MQTT 传感器
func NewMQTTSensor(broker Broker, prefix, deviceID string, clock clockwork.Clock, logger *zap.Logger) *MQTTSensor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MQTTSensor{
		broker:   broker,
		prefix:   prefix,
		deviceID: deviceID,
		clock:    clock,
		logger:   logger,
	}
}

type sensorSubscription struct {
	broker Broker
	topics []string
}

func (s *sensorSubscription) Unsubscribe() error {
	return s.broker.Unsubscribe(s.topics...)
}

// Subscribe 订阅心率与运动主题
func (s *MQTTSensor) Subscribe(listener sampler.Listener) (sampler.Subscription, error) {
	hrTopic := mqttcommon.HeartRateTopic(s.prefix, s.deviceID)
	motionTopic := mqttcommon.MotionTopic(s.prefix, s.deviceID)

	if err := s.broker.Subscribe(hrTopic, 0, func(topic string, payload []byte) error {
		var sample models.SensorSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			return fmt.Errorf("invalid heart rate payload on %s: %w", topic, err)
		}
		if sample.Timestamp.IsZero() {
			sample.Timestamp = s.clock.Now()
		}
		listener.OnHeartRate(sample)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", hrTopic, err)
	}

	if err := s.broker.Subscribe(motionTopic, 0, func(topic string, payload []byte) error {
		var sample models.MotionSample
		if err := json.Unmarshal(payload, &sample); err != nil {
			return fmt.Errorf("invalid motion payload on %s: %w", topic, err)
		}
		if sample.Timestamp.IsZero() {
			sample.Timestamp = s.clock.Now()
		}
		listener.OnMotion(sample)
		return nil
	}); err != nil {
		// 运动数据缺失时分类器按非睡眠处理，心率采样照常进行
		s.logger.Warn("Motion sensor unavailable", zap.String("topic", motionTopic), zap.Error(err))
		return &sensorSubscription{broker: s.broker, topics: []string{hrTopic}}, nil
	}

	s.logger.Info("Sensor subscribed",
		zap.String("device_id", s.deviceID),
		zap.String("heart_rate_topic", hrTopic),
	)
	return &sensorSubscription{broker: s.broker, topics: []string{hrTopic, motionTopic}}, nil
}
