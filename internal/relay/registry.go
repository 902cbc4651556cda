package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	mqttcommon "wisefido-wearable/internal/common/mqtt"
)

// Presence 节点在线状态消息（retained，离线状态由遗嘱消息发布）
type Presence struct {
	NodeID string    `json:"node_id"`
	Role   string    `json:"role"`   // "companion"
	Status string    `json:"status"` // "online" / "offline"
	At     time.Time `json:"at"`
}

const (
	RoleCompanion  = "companion"
	StatusOnline   = "online"
	StatusOffline  = "offline"
	presenceMaxAge = 24 * time.Hour
)

// Subscriber MQTT 订阅接口
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
}

// NodeRegistry 伴侣节点发现：根据在线状态主题维护可达节点列表
// 结果是尽力而为的快照，不保证发送时节点仍在线
type NodeRegistry struct {
	prefix string
	clock  clockwork.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	nodes map[string]Presence
}

// NewNodeRegistry 创建节点注册表
func NewNodeRegistry(prefix string, clock clockwork.Clock, logger *zap.Logger) *NodeRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NodeRegistry{
		prefix: prefix,
		clock:  clock,
		logger: logger,
		nodes:  make(map[string]Presence),
	}
}

// Start 订阅在线状态主题
func (r *NodeRegistry) Start(sub Subscriber) error {
	return sub.Subscribe(mqttcommon.PresenceSubscription(r.prefix), 1, r.HandlePresence)
}

// HandlePresence 处理在线状态消息，空载荷表示 retained 消息被清除
func (r *NodeRegistry) HandlePresence(topic string, payload []byte) error {
	nodeID := mqttcommon.NodeFromPresenceTopic(topic)

	if len(payload) == 0 {
		r.mu.Lock()
		delete(r.nodes, nodeID)
		r.mu.Unlock()
		return nil
	}

	var p Presence
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid presence payload on %s: %w", topic, err)
	}
	if p.NodeID == "" {
		p.NodeID = nodeID
	}
	if p.At.IsZero() {
		p.At = r.clock.Now()
	}

	r.mu.Lock()
	r.nodes[p.NodeID] = p
	r.mu.Unlock()

	r.logger.Debug("Companion presence updated",
		zap.String("node_id", p.NodeID),
		zap.String("status", p.Status),
	)
	return nil
}

// ReachableNodes 在线的伴侣节点，最近上线的在前
func (r *NodeRegistry) ReachableNodes() []string {
	now := r.clock.Now()

	r.mu.RLock()
	var online []Presence
	for _, p := range r.nodes {
		if p.Role != RoleCompanion || p.Status != StatusOnline {
			continue
		}
		if now.Sub(p.At) > presenceMaxAge {
			continue
		}
		online = append(online, p)
	}
	r.mu.RUnlock()

	sort.Slice(online, func(i, j int) bool {
		if online[i].At.Equal(online[j].At) {
			return online[i].NodeID < online[j].NodeID
		}
		return online[i].At.After(online[j].At)
	})

	nodes := make([]string, 0, len(online))
	for _, p := range online {
		nodes = append(nodes, p.NodeID)
	}
	return nodes
}

// PresencePayload 生成在线状态载荷
func PresencePayload(nodeID, status string, at time.Time) []byte {
	b, _ := json.Marshal(Presence{NodeID: nodeID, Role: RoleCompanion, Status: status, At: at})
	return b
}

// OfflineWill 伴侣节点的遗嘱消息
func OfflineWill(prefix, nodeID string, at time.Time) *mqttcommon.Will {
	return &mqttcommon.Will{
		Topic:    mqttcommon.PresenceTopic(prefix, nodeID),
		Payload:  PresencePayload(nodeID, StatusOffline, at),
		QoS:      1,
		Retained: true,
	}
}

// Publisher MQTT 发布接口
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// AnnouncePresence 发布 retained 在线/离线状态
func AnnouncePresence(pub Publisher, prefix, nodeID, status string, at time.Time) error {
	return pub.Publish(mqttcommon.PresenceTopic(prefix, nodeID), 1, true, PresencePayload(nodeID, status, at))
}
