package escalation

import (
	"sync"
	"time"

	"wisefido-wearable/internal/models"
)

// CallGuard 每个升级最多发起一次语音呼叫（原子的比较并设置）
type CallGuard struct {
	claimed sync.Map // escalationID -> time.Time
}

// TryAcquire 抢占呼叫权，已被抢占时返回 false
func (g *CallGuard) TryAcquire(escalationID string, at time.Time) bool {
	_, loaded := g.claimed.LoadOrStore(escalationID, at)
	return !loaded
}

// Claimed 是否已发起过呼叫
func (g *CallGuard) Claimed(escalationID string) bool {
	_, ok := g.claimed.Load(escalationID)
	return ok
}

// Prune 清理早于 before 的记录
func (g *CallGuard) Prune(before time.Time) {
	g.claimed.Range(func(key, value any) bool {
		if at, ok := value.(time.Time); ok && at.Before(before) {
			g.claimed.Delete(key)
		}
		return true
	})
}

type trackedDelivery struct {
	state models.DeliveryState
	at    time.Time
}

// DeliveryTracker 进程内的投递状态机（每个升级一个）
type DeliveryTracker struct {
	mu     sync.Mutex
	states map[string]trackedDelivery
}

// NewDeliveryTracker 创建投递状态跟踪
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{states: make(map[string]trackedDelivery)}
}

// Begin 以 PENDING 登记，已登记（重复请求）时返回 false
func (t *DeliveryTracker) Begin(escalationID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[escalationID]; ok {
		return false
	}
	t.states[escalationID] = trackedDelivery{state: models.DeliveryPending, at: at}
	return true
}

// Transition 按 CanTransition 规则迁移，返回迁移前的状态
func (t *DeliveryTracker) Transition(escalationID string, to models.DeliveryState, at time.Time) (models.DeliveryState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.states[escalationID]
	if !ok {
		return "", models.ErrEscalationNotFound
	}
	if !models.CanTransition(cur.state, to) {
		return cur.state, models.ErrInvalidTransition
	}
	t.states[escalationID] = trackedDelivery{state: to, at: at}
	return cur.state, nil
}

// State 当前投递状态
func (t *DeliveryTracker) State(escalationID string) (models.DeliveryState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.states[escalationID]
	return cur.state, ok
}

// Prune 清理早于 before 的记录
func (t *DeliveryTracker) Prune(before time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cur := range t.states {
		if cur.at.Before(before) {
			delete(t.states, id)
		}
	}
}
