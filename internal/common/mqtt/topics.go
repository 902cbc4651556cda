package mqtt

import "strings"

// SOSPath 手表 -> 伴侣节点的 SOS 消息路径
const SOSPath = "/emergency/sos"

// SOSTopic {prefix}/nodes/{node}/emergency/sos/{origin}
func SOSTopic(prefix, nodeID, originDeviceID string) string {
	return prefix + "/nodes/" + nodeID + SOSPath + "/" + originDeviceID
}

// SOSSubscription 伴侣节点订阅本节点全部来源的 SOS
func SOSSubscription(prefix, nodeID string) string {
	return prefix + "/nodes/" + nodeID + SOSPath + "/+"
}

// ParseSOSOrigin 从 SOS 主题解析来源设备ID
func ParseSOSOrigin(topic string) (string, bool) {
	idx := strings.Index(topic, SOSPath+"/")
	if idx < 0 {
		return "", false
	}
	origin := topic[idx+len(SOSPath)+1:]
	if origin == "" || strings.Contains(origin, "/") {
		return "", false
	}
	return origin, true
}

// PresenceTopic 节点在线状态主题（retained）
func PresenceTopic(prefix, nodeID string) string {
	return prefix + "/presence/" + nodeID
}

// PresenceSubscription 订阅所有节点在线状态
func PresenceSubscription(prefix string) string {
	return prefix + "/presence/+"
}

// NodeFromPresenceTopic 从在线状态主题解析节点ID
func NodeFromPresenceTopic(topic string) string {
	return topic[strings.LastIndex(topic, "/")+1:]
}

// HeartRateTopic 心率传感器数据主题
func HeartRateTopic(prefix, deviceID string) string {
	return prefix + "/devices/" + deviceID + "/sensor/heart_rate"
}

// MotionTopic 运动传感器数据主题
func MotionTopic(prefix, deviceID string) string {
	return prefix + "/devices/" + deviceID + "/sensor/motion"
}

// VibrationTopic 振动执行器主题
func VibrationTopic(prefix, deviceID string) string {
	return prefix + "/devices/" + deviceID + "/actuator/vibration"
}

// LocationTopic 伴侣节点定位数据主题
func LocationTopic(prefix, nodeID string) string {
	return prefix + "/nodes/" + nodeID + "/location"
}

// LocationRequestTopic 请求一次新鲜定位
func LocationRequestTopic(prefix, nodeID string) string {
	return prefix + "/nodes/" + nodeID + "/location/request"
}
