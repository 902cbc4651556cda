package models

import (
	"fmt"
	"strings"
	"time"
)

// AlertMessage 发给紧急联系人的短信
type AlertMessage struct {
	DestinationNumber string `json:"to"`
	Text              string `json:"body"`
}

// NewAlertMessage 组装告警短信（号码必须已配置）
func NewAlertMessage(destination, reason, locationLink string) (AlertMessage, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return AlertMessage{}, ErrContactNotConfigured
	}
	return AlertMessage{
		DestinationNumber: destination,
		Text:              fmt.Sprintf("Emergency SOS!\nReason: %s\nLocation: %s", reason, locationLink),
	}, nil
}

// DeliveryState 短信投递状态
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "PENDING"
	DeliverySent      DeliveryState = "SENT"
	DeliveryFailed    DeliveryState = "FAILED"
	DeliveryDelivered DeliveryState = "DELIVERED"
)

// CanTransition 投递状态迁移规则：PENDING->SENT|FAILED，SENT->DELIVERED
func CanTransition(from, to DeliveryState) bool {
	switch from {
	case DeliveryPending:
		return to == DeliverySent || to == DeliveryFailed
	case DeliverySent:
		return to == DeliveryDelivered
	}
	return false
}

// CallStatus 语音呼叫状态
type CallStatus string

const (
	CallNone      CallStatus = "none"
	CallScheduled CallStatus = "scheduled"
	CallPlaced    CallStatus = "placed"
	CallFailed    CallStatus = "failed"
)

// Escalation 升级记录（每个 SOS 请求一条）
type Escalation struct {
	EscalationID      string         `json:"escalation_id"`
	OriginDeviceID    string         `json:"origin_device_id"`
	Reason            string         `json:"reason"`
	DestinationNumber *string        `json:"destination_number,omitempty"`
	LocationSource    LocationSource `json:"location_source"`
	LocationLink      string         `json:"location_link"`
	DeliveryState     DeliveryState  `json:"delivery_state"`
	CallStatus        CallStatus     `json:"call_status"`
	AbortReason       *string        `json:"abort_reason,omitempty"`
	TriggeredAt       time.Time      `json:"triggered_at"`
	CallPlacedAt      *time.Time     `json:"call_placed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// EscalationEventType 升级生命周期事件类型
type EscalationEventType string

const (
	EventEscalationReceived EscalationEventType = "escalation.received"
	EventEscalationAborted  EscalationEventType = "escalation.aborted"
	EventDeliveryTransition EscalationEventType = "escalation.delivery"
	EventCallPlaced         EscalationEventType = "escalation.call_placed"
	EventCallFailed         EscalationEventType = "escalation.call_failed"
)

// EscalationEvent 升级生命周期事件（发布到 Kafka）
type EscalationEvent struct {
	EscalationID   string              `json:"escalation_id"`
	Type           EscalationEventType `json:"type"`
	OriginDeviceID string              `json:"origin_device_id,omitempty"`
	DeliveryState  DeliveryState       `json:"delivery_state,omitempty"`
	Detail         string              `json:"detail,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

// Notification 伴侣端本地通知
type Notification struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"` // high / default
}

const (
	NotificationIDSOS                  = 1001
	NotificationIDContactNotConfigured = 1003
)
