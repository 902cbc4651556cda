package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"wisefido-wearable/internal/models"
	"wisefido-wearable/internal/repository"
	"wisefido-wearable/internal/store"
	"wisefido-wearable/internal/telephony"
)

// EscalationRunner 升级执行器
type EscalationRunner interface {
	Handle(ctx context.Context, req models.SOSRequest) (*models.Escalation, error)
	CallNow(ctx context.Context, escalationID, number string) error
	HandleDelivery(ctx context.Context, escalationID string, delivered bool) error
}

// ContactSettings 紧急联系人设置
type ContactSettings interface {
	EmergencyNumber(ctx context.Context) (string, error)
	SetEmergencyNumber(ctx context.Context, number string) error
}

// EscalationLedger 升级记录查询
type EscalationLedger interface {
	GetEscalation(ctx context.Context, escalationID string) (*models.Escalation, error)
	ListEscalations(ctx context.Context, filters repository.EscalationFilters) ([]*models.Escalation, error)
}

// CompanionHandler 伴侣端 HTTP 接口
type CompanionHandler struct {
	NodeID   string
	Executor EscalationRunner
	Contacts ContactSettings
	Ledger   EscalationLedger // 可为空（未配置数据库）
	Logger   *zap.Logger
}

// Register 注册路由
func (h *CompanionHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sos", h.TriggerSOS).Methods(http.MethodPost)
	api.HandleFunc("/contact", h.GetContact).Methods(http.MethodGet)
	api.HandleFunc("/contact", h.SetContact).Methods(http.MethodPut)
	api.HandleFunc("/telephony/delivery", h.DeliveryReport).Methods(http.MethodPost)
	api.HandleFunc("/escalations", h.ListEscalations).Methods(http.MethodGet)
	api.HandleFunc("/escalations/export", h.ExportEscalations).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}", h.GetEscalation).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}/call", h.CallNow).Methods(http.MethodPost)
}

// TriggerSOS 伴侣端手动 SOS，同步执行升级流程
func (h *CompanionHandler) TriggerSOS(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		reason = ManualSOSReason
	}

	req := models.SOSRequest{
		RequestID:      uuid.New().String(),
		Reason:         reason,
		OriginDeviceID: h.NodeID,
		Timestamp:      time.Now(),
	}
	esc, err := h.Executor.Handle(r.Context(), req)
	if errors.Is(err, models.ErrContactNotConfigured) {
		writeJSON(w, http.StatusOK, Warn("emergency contact not configured", esc))
		return
	}
	if err != nil {
		h.Logger.Error("Manual SOS failed", zap.String("escalation_id", req.RequestID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(esc))
}

// GetContact 读取紧急联系人号码
func (h *CompanionHandler) GetContact(w http.ResponseWriter, r *http.Request) {
	number, err := h.Contacts.EmergencyNumber(r.Context())
	if err != nil {
		h.Logger.Error("Failed to read emergency number", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to read emergency number"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"number":     number,
		"configured": number != "",
	}))
}

// SetContact 设置紧急联系人号码（空串清除）
func (h *CompanionHandler) SetContact(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Number string `json:"number"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if err := h.Contacts.SetEmergencyNumber(r.Context(), payload.Number); err != nil {
		if errors.Is(err, store.ErrInvalidNumber) {
			writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
			return
		}
		h.Logger.Error("Failed to save emergency number", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to save emergency number"))
		return
	}
	number := strings.TrimSpace(payload.Number)
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"number":     number,
		"configured": number != "",
	}))
}

// DeliveryReport 电话网关送达回调
func (h *CompanionHandler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	var report telephony.DeliveryReport
	if err := readBodyJSON(r, maxBodyBytes, &report); err != nil || report.CorrelationID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("invalid delivery report"))
		return
	}

	err := h.Executor.HandleDelivery(r.Context(), report.CorrelationID, report.Delivered())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Ok(report))
	case errors.Is(err, models.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, Fail(err.Error()))
	case errors.Is(err, models.ErrEscalationNotFound):
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
	default:
		h.Logger.Error("Failed to apply delivery report", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to apply delivery report"))
	}
}

// CallNow 立即呼叫（与自动呼叫共用守卫，每个升级至多一次）
func (h *CompanionHandler) CallNow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var payload struct {
		Number string `json:"number"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	number := strings.TrimSpace(payload.Number)
	if number == "" {
		n, err := h.Contacts.EmergencyNumber(r.Context())
		if err == nil {
			number = n
		}
	}

	err := h.Executor.CallNow(r.Context(), id, number)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Ok(map[string]string{"escalation_id": id}))
	case errors.Is(err, models.ErrCallInFlight):
		writeJSON(w, http.StatusConflict, Fail(err.Error()))
	case errors.Is(err, models.ErrContactNotConfigured):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	default:
		writeJSON(w, http.StatusBadGateway, Fail(err.Error()))
	}
}

// GetEscalation 单条升级记录
func (h *CompanionHandler) GetEscalation(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("escalation ledger not configured"))
		return
	}
	esc, err := h.Ledger.GetEscalation(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, models.ErrEscalationNotFound) {
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
		return
	}
	if err != nil {
		h.Logger.Error("Failed to get escalation", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to get escalation"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(esc))
}

// ListEscalations 升级记录列表
func (h *CompanionHandler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	list, ok := h.list(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Ok(list))
}

// ExportEscalations 导出 xlsx
func (h *CompanionHandler) ExportEscalations(w http.ResponseWriter, r *http.Request) {
	list, ok := h.list(w, r)
	if !ok {
		return
	}
	data, err := GenerateEscalationExport(list)
	if err != nil {
		h.Logger.Error("Failed to export escalations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to export escalations"))
		return
	}

	filename := fmt.Sprintf("escalations_%s.xlsx", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *CompanionHandler) list(w http.ResponseWriter, r *http.Request) ([]*models.Escalation, bool) {
	if h.Ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("escalation ledger not configured"))
		return nil, false
	}

	q := r.URL.Query()
	filters := repository.EscalationFilters{
		StartTime: parseTime(q.Get("start_time")),
		EndTime:   parseTime(q.Get("end_time")),
		Limit:     parseInt(q.Get("limit"), 100),
		Offset:    parseInt(q.Get("offset"), 0),
	}
	if device := q.Get("origin_device_id"); device != "" {
		filters.OriginDeviceID = &device
	}
	if states := q.Get("delivery_state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				filters.DeliveryStates = append(filters.DeliveryStates, s)
			}
		}
	}

	list, err := h.Ledger.ListEscalations(r.Context(), filters)
	if err != nil {
		h.Logger.Error("Failed to list escalations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list escalations"))
		return nil, false
	}
	if list == nil {
		list = []*models.Escalation{}
	}
	return list, true
}
