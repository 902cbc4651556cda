package models

import "errors"

var (
	// ErrSensorUnavailable 心率传感器不可用（采样降级为空操作）
	ErrSensorUnavailable = errors.New("heart rate sensor unavailable")
	// ErrRelayUnreachable 没有可达的伴侣节点
	ErrRelayUnreachable = errors.New("no reachable companion node")
	// ErrLocationUnavailable 新鲜定位与缓存定位均不可用
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrContactNotConfigured 紧急联系人号码未配置
	ErrContactNotConfigured = errors.New("emergency contact not configured")
	// ErrMessageSendFailed 短信发送失败
	ErrMessageSendFailed = errors.New("message send failed")
	// ErrInvalidTransition 非法状态迁移
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrCallInFlight 本次升级的语音呼叫已发起
	ErrCallInFlight = errors.New("call already placed for escalation")
	// ErrEscalationNotFound 升级记录不存在
	ErrEscalationNotFound = errors.New("escalation not found")
)
