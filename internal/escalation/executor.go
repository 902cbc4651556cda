package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wisefido-wearable/internal/models"
)

// ContactSource 紧急联系人号码
type ContactSource interface {
	EmergencyNumber(ctx context.Context) (string, error)
}

// Gateway 电话网关：短信与语音呼叫
// SendText 同步返回发送结果（已发送 / 失败），送达结果通过回调异步到达
type Gateway interface {
	SendText(ctx context.Context, correlationID string, msg models.AlertMessage) error
	PlaceCall(ctx context.Context, correlationID, number string) error
}

// Notifier 伴侣端本地通知
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Ledger 升级记录持久化
type Ledger interface {
	CreateEscalation(ctx context.Context, e *models.Escalation) (bool, error)
	UpdateDeliveryState(ctx context.Context, escalationID string, from, to models.DeliveryState, at time.Time) error
	UpdateCallStatus(ctx context.Context, escalationID string, status models.CallStatus, at time.Time) error
}

// EventPublisher 升级生命周期事件
type EventPublisher interface {
	Publish(ctx context.Context, evt models.EscalationEvent) error
}

// Config 执行参数
type Config struct {
	FreshFixTimeout  time.Duration // 新鲜定位超时，默认 3秒
	LocationBackstop time.Duration // 定位兜底超时，默认 5秒
	CallDelay        time.Duration // 短信发送成功后延迟呼叫，默认 3秒
	HandleTimeout    time.Duration // 单次处理超时，默认 60秒
	RetainFor        time.Duration // 去重与呼叫记录保留时长，默认 24小时
}

// Deps 依赖（Ledger / Events 可为空）
type Deps struct {
	Location LocationProvider
	Contacts ContactSource
	Gateway  Gateway
	Notifier Notifier
	Ledger   Ledger
	Events   EventPublisher
}

// Executor 伴侣端 SOS 升级执行器
// 每个请求：定位 -> 联系人检查 -> 短信 -> 呼叫（失败立即，成功延迟），并发出本地通知
type Executor struct {
	cfg      Config
	location LocationProvider
	contacts ContactSource
	gateway  Gateway
	notifier Notifier
	ledger   Ledger
	events   EventPublisher
	clock    clockwork.Clock
	logger   *zap.Logger

	guard   *CallGuard
	tracker *DeliveryTracker

	wg        sync.WaitGroup
	mu        sync.Mutex
	scheduled map[string]scheduledCall
	closed    bool
}

type scheduledCall struct {
	timer  clockwork.Timer
	number string
}

// NewExecutor 创建升级执行器
func NewExecutor(cfg Config, deps Deps, clock clockwork.Clock, logger *zap.Logger) *Executor {
	if cfg.FreshFixTimeout <= 0 {
		cfg.FreshFixTimeout = 3 * time.Second
	}
	if cfg.LocationBackstop <= 0 {
		cfg.LocationBackstop = 5 * time.Second
	}
	if cfg.CallDelay < 0 {
		cfg.CallDelay = 0
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 60 * time.Second
	}
	if cfg.RetainFor <= 0 {
		cfg.RetainFor = 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Executor{
		cfg:       cfg,
		location:  deps.Location,
		contacts:  deps.Contacts,
		gateway:   deps.Gateway,
		notifier:  deps.Notifier,
		ledger:    deps.Ledger,
		events:    deps.Events,
		clock:     clock,
		logger:    logger,
		guard:     &CallGuard{},
		tracker:   NewDeliveryTracker(),
		scheduled: make(map[string]scheduledCall),
	}
}

// Submit 在后台处理 SOS 请求，错误只记录日志
func (e *Executor) Submit(req models.SOSRequest) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Escalation handler panicked",
					zap.String("escalation_id", req.RequestID),
					zap.Any("panic", r),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandleTimeout)
		defer cancel()
		if _, err := e.Handle(ctx, req); err != nil {
			e.logger.Warn("Escalation finished with error",
				zap.String("escalation_id", req.RequestID),
				zap.Error(err),
			)
		}
	}()
}

// Handle 同步处理一个 SOS 请求（延迟呼叫由时钟调度，不阻塞返回）
func (e *Executor) Handle(ctx context.Context, req models.SOSRequest) (*models.Escalation, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	id := req.RequestID
	now := e.clock.Now()
	logger := e.logger.With(
		zap.String("escalation_id", id),
		zap.String("origin_device_id", req.OriginDeviceID),
	)

	// 1. 去重（至少一次投递的传输可能重复）
	e.prune(now)
	if !e.tracker.Begin(id, now) {
		logger.Info("Duplicate SOS request ignored")
		return nil, nil
	}

	triggeredAt := req.Timestamp
	if triggeredAt.IsZero() {
		triggeredAt = now
	}
	esc := &models.Escalation{
		EscalationID:   id,
		OriginDeviceID: req.OriginDeviceID,
		Reason:         req.Reason,
		DeliveryState:  models.DeliveryPending,
		CallStatus:     models.CallNone,
		TriggeredAt:    triggeredAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	logger.Info("SOS received", zap.String("reason", req.Reason))

	// 2. 定位
	loc := e.resolveLocation(ctx, logger)
	esc.LocationSource = loc.Source
	esc.LocationLink = loc.Link()

	// 3. 紧急联系人
	number := e.emergencyNumber(ctx, logger)
	msg, err := models.NewAlertMessage(number, req.Reason, esc.LocationLink)
	if err != nil {
		return esc, e.abort(ctx, esc, err, logger)
	}
	esc.DestinationNumber = &msg.DestinationNumber

	// 4. 持久化（跨进程重复时跳过）
	if e.ledger != nil {
		created, err := e.ledger.CreateEscalation(ctx, esc)
		if err != nil {
			logger.Error("Failed to record escalation", zap.Error(err))
		} else if !created {
			logger.Info("Escalation already recorded, skipping")
			return esc, nil
		}
	}
	e.emit(ctx, models.EscalationEvent{
		EscalationID:   id,
		Type:           models.EventEscalationReceived,
		OriginDeviceID: req.OriginDeviceID,
		DeliveryState:  models.DeliveryPending,
		Detail:         string(loc.Source),
		OccurredAt:     now,
	})

	// 5. 短信：成功则延迟呼叫，失败立即呼叫
	if err := e.gateway.SendText(ctx, id, msg); err != nil {
		logger.Warn("Emergency text failed, calling immediately", zap.Error(err))
		e.transition(ctx, esc, models.DeliveryFailed, logger)
		if callErr := e.placeCall(ctx, id, number, logger); callErr == nil {
			esc.CallStatus = models.CallPlaced
		} else {
			esc.CallStatus = models.CallFailed
		}
	} else {
		logger.Info("Emergency text sent", zap.Duration("call_delay", e.cfg.CallDelay))
		e.transition(ctx, esc, models.DeliverySent, logger)
		e.scheduleCall(id, number, logger)
		esc.CallStatus = models.CallScheduled
	}

	// 6. 本地高优先级通知（与短信结果无关）
	e.notify(ctx, models.Notification{
		ID:       models.NotificationIDSOS,
		Title:    "Emergency SOS",
		Body:     fmt.Sprintf("Reason: %s\nLocation: %s", req.Reason, esc.LocationLink),
		Priority: "high",
	}, logger)

	return esc, nil
}

// abort 未配置联系人：不发短信、不呼叫，只通知
func (e *Executor) abort(ctx context.Context, esc *models.Escalation, cause error, logger *zap.Logger) error {
	reason := "emergency contact not configured"
	esc.AbortReason = &reason
	logger.Warn("Escalation aborted", zap.Error(cause))

	if e.ledger != nil {
		if _, err := e.ledger.CreateEscalation(ctx, esc); err != nil {
			logger.Error("Failed to record aborted escalation", zap.Error(err))
		}
	}
	e.notify(ctx, models.Notification{
		ID:       models.NotificationIDContactNotConfigured,
		Title:    "Emergency contact not set",
		Body:     fmt.Sprintf("SOS received (%s) but no emergency number is configured", esc.Reason),
		Priority: "high",
	}, logger)
	e.emit(ctx, models.EscalationEvent{
		EscalationID:   esc.EscalationID,
		Type:           models.EventEscalationAborted,
		OriginDeviceID: esc.OriginDeviceID,
		Detail:         reason,
		OccurredAt:     e.clock.Now(),
	})
	return fmt.Errorf("escalation %s aborted: %w", esc.EscalationID, cause)
}

func (e *Executor) emergencyNumber(ctx context.Context, logger *zap.Logger) string {
	if e.contacts == nil {
		return ""
	}
	number, err := e.contacts.EmergencyNumber(ctx)
	if err != nil {
		logger.Error("Failed to read emergency number", zap.Error(err))
		return ""
	}
	return number
}

// scheduleCall 短信发送成功后延迟呼叫
func (e *Executor) scheduleCall(id, number string, logger *zap.Logger) {
	if e.ledger != nil {
		if err := e.ledger.UpdateCallStatus(context.Background(), id, models.CallScheduled, e.clock.Now()); err != nil {
			logger.Warn("Failed to record scheduled call", zap.Error(err))
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		// 关闭中不再排期，直接呼叫
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandleTimeout)
		defer cancel()
		_ = e.placeCall(ctx, id, number, logger)
		return
	}

	e.wg.Add(1)
	timer := e.clock.AfterFunc(e.cfg.CallDelay, func() {
		defer e.wg.Done()

		e.mu.Lock()
		delete(e.scheduled, id)
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandleTimeout)
		defer cancel()
		_ = e.placeCall(ctx, id, number, logger)
	})
	e.scheduled[id] = scheduledCall{timer: timer, number: number}
	e.mu.Unlock()
}

// placeCall 发起语音呼叫，每个升级只会执行一次
func (e *Executor) placeCall(ctx context.Context, id, number string, logger *zap.Logger) error {
	now := e.clock.Now()
	if !e.guard.TryAcquire(id, now) {
		logger.Info("Call already placed for escalation, skipping")
		return models.ErrCallInFlight
	}

	status := models.CallPlaced
	evtType := models.EventCallPlaced
	err := e.gateway.PlaceCall(ctx, id, number)
	if err != nil {
		status = models.CallFailed
		evtType = models.EventCallFailed
		logger.Error("Emergency call failed", zap.Error(err))
	} else {
		logger.Info("Emergency call placed")
	}

	if e.ledger != nil {
		if lerr := e.ledger.UpdateCallStatus(ctx, id, status, now); lerr != nil {
			logger.Warn("Failed to record call status", zap.Error(lerr))
		}
	}
	e.emit(ctx, models.EscalationEvent{EscalationID: id, Type: evtType, OccurredAt: now})
	return err
}

// CallNow 立即呼叫（人工触发），与自动呼叫共用同一个守卫
func (e *Executor) CallNow(ctx context.Context, id, number string) error {
	logger := e.logger.With(zap.String("escalation_id", id))

	e.mu.Lock()
	pending, ok := e.scheduled[id]
	if ok && pending.timer.Stop() {
		delete(e.scheduled, id)
		e.wg.Done()
	}
	e.mu.Unlock()

	if number == "" && ok {
		number = pending.number
	}
	if number == "" {
		return models.ErrContactNotConfigured
	}
	return e.placeCall(ctx, id, number, logger)
}

// HandleDelivery 处理送达回调：只接受 SENT -> DELIVERED
func (e *Executor) HandleDelivery(ctx context.Context, id string, delivered bool) error {
	logger := e.logger.With(zap.String("escalation_id", id))
	if !delivered {
		logger.Info("Delivery report: not delivered")
		return nil
	}

	now := e.clock.Now()
	from, err := e.tracker.Transition(id, models.DeliveryDelivered, now)
	switch {
	case err == nil:
		if e.ledger != nil {
			if lerr := e.ledger.UpdateDeliveryState(ctx, id, from, models.DeliveryDelivered, now); lerr != nil {
				logger.Warn("Failed to record delivery", zap.Error(lerr))
			}
		}
	case errors.Is(err, models.ErrEscalationNotFound) && e.ledger != nil:
		// 进程重启后只能依赖账本的条件更新
		if err := e.ledger.UpdateDeliveryState(ctx, id, models.DeliverySent, models.DeliveryDelivered, now); err != nil {
			logger.Warn("Delivery report rejected", zap.Error(err))
			return err
		}
	default:
		logger.Warn("Delivery report rejected", zap.Error(err))
		return err
	}

	logger.Info("Emergency text delivered")
	e.emit(ctx, models.EscalationEvent{
		EscalationID:  id,
		Type:          models.EventDeliveryTransition,
		DeliveryState: models.DeliveryDelivered,
		OccurredAt:    now,
	})
	return nil
}

// DeliveryState 进程内的投递状态
func (e *Executor) DeliveryState(id string) (models.DeliveryState, bool) {
	return e.tracker.State(id)
}

// Close 等待进行中的处理；尚未到期的延迟呼叫立即发起
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	pending := e.scheduled
	e.scheduled = make(map[string]scheduledCall)
	e.mu.Unlock()

	for id, call := range pending {
		if !call.timer.Stop() {
			continue
		}
		logger := e.logger.With(zap.String("escalation_id", id))
		logger.Info("Shutting down, placing scheduled call now")
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandleTimeout)
		_ = e.placeCall(ctx, id, call.number, logger)
		cancel()
		e.wg.Done()
	}

	e.wg.Wait()
}

func (e *Executor) transition(ctx context.Context, esc *models.Escalation, to models.DeliveryState, logger *zap.Logger) {
	now := e.clock.Now()
	from, err := e.tracker.Transition(esc.EscalationID, to, now)
	if err != nil {
		logger.Error("Invalid delivery transition", zap.String("to", string(to)), zap.Error(err))
		return
	}
	esc.DeliveryState = to
	esc.UpdatedAt = now

	if e.ledger != nil {
		if err := e.ledger.UpdateDeliveryState(ctx, esc.EscalationID, from, to, now); err != nil {
			logger.Warn("Failed to record delivery state", zap.Error(err))
		}
	}
	e.emit(ctx, models.EscalationEvent{
		EscalationID:  esc.EscalationID,
		Type:          models.EventDeliveryTransition,
		DeliveryState: to,
		OccurredAt:    now,
	})
}

func (e *Executor) notify(ctx context.Context, n models.Notification, logger *zap.Logger) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		logger.Warn("Failed to raise notification", zap.Int("notification_id", n.ID), zap.Error(err))
	}
}

func (e *Executor) emit(ctx context.Context, evt models.EscalationEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, evt); err != nil {
		e.logger.Warn("Failed to publish escalation event",
			zap.String("escalation_id", evt.EscalationID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}

func (e *Executor) prune(now time.Time) {
	before := now.Add(-e.cfg.RetainFor)
	e.tracker.Prune(before)
	e.guard.Prune(before)
}
