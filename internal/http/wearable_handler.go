package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"wisefido-wearable/internal/countdown"
	"wisefido-wearable/internal/models"
	"wisefido-wearable/internal/sampler"
)

// ManualSOSReason 手动 SOS 的原因文本
const ManualSOSReason = "manual trigger"

// SamplerControl 采样器控制
type SamplerControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) int
	Status() sampler.Status
	SetActivityMode(mode models.ActivityMode)
}

// ModeStore 活动模式持久化
type ModeStore interface {
	Get(ctx context.Context) (models.ActivityMode, error)
	Set(ctx context.Context, mode models.ActivityMode) error
}

// MeasurementReader 上次测量结果
type MeasurementReader interface {
	GetLastMeasurement(ctx context.Context) (*models.LastMeasurement, error)
}

// CountdownControl 倒计时显示与取消（显示端不拥有倒计时）
type CountdownControl interface {
	Status() countdown.Status
	Cancel() bool
}

// Trigger SOS 中继
type Trigger interface {
	Trigger(reason string)
}

// WearableHandler 手表端 HTTP 接口
type WearableHandler struct {
	Sampler      SamplerControl
	Modes        ModeStore
	Measurements MeasurementReader
	Countdown    CountdownControl
	Relay        Trigger
	Logger       *zap.Logger
}

// Register 注册路由
func (h *WearableHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/heart-rate", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/heart-rate/start", h.StartMeasurement).Methods(http.MethodPost)
	api.HandleFunc("/heart-rate/stop", h.StopMeasurement).Methods(http.MethodPost)
	api.HandleFunc("/heart-rate/last", h.GetLastMeasurement).Methods(http.MethodGet)
	api.HandleFunc("/activity-mode", h.GetActivityMode).Methods(http.MethodGet)
	api.HandleFunc("/activity-mode", h.SetActivityMode).Methods(http.MethodPut)
	api.HandleFunc("/countdown", h.GetCountdown).Methods(http.MethodGet)
	api.HandleFunc("/countdown/cancel", h.CancelCountdown).Methods(http.MethodPost)
	api.HandleFunc("/sos", h.TriggerSOS).Methods(http.MethodPost)
}

// GetStatus 采样器状态
func (h *WearableHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.Sampler.Status()))
}

// StartMeasurement 手动开始测量（幂等）
func (h *WearableHandler) StartMeasurement(w http.ResponseWriter, r *http.Request) {
	if err := h.Sampler.Start(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.Sampler.Status()))
}

// StopMeasurement 手动结束测量（幂等），返回会话平均值
func (h *WearableHandler) StopMeasurement(w http.ResponseWriter, r *http.Request) {
	avg := h.Sampler.Stop(r.Context())
	writeJSON(w, http.StatusOK, Ok(map[string]int{"average": avg}))
}

// GetLastMeasurement 上次测量结果
func (h *WearableHandler) GetLastMeasurement(w http.ResponseWriter, r *http.Request) {
	last, err := h.Measurements.GetLastMeasurement(r.Context())
	if err != nil {
		h.Logger.Error("Failed to load last measurement", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to load last measurement"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(last))
}

// GetActivityMode 当前活动模式
func (h *WearableHandler) GetActivityMode(w http.ResponseWriter, r *http.Request) {
	mode, err := h.Modes.Get(r.Context())
	if err != nil {
		h.Logger.Warn("Failed to load activity mode", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, Ok(map[string]models.ActivityMode{"mode": mode}))
}

// SetActivityMode 切换活动模式，持久化后立即对采样器生效
func (h *WearableHandler) SetActivityMode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode string `json:"mode"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	mode, ok := models.ParseActivityMode(payload.Mode)
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("unknown activity mode"))
		return
	}

	if err := h.Modes.Set(r.Context(), mode); err != nil {
		h.Logger.Error("Failed to save activity mode", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to save activity mode"))
		return
	}
	h.Sampler.SetActivityMode(mode)
	h.Logger.Info("Activity mode changed", zap.String("activity_mode", string(mode)))
	writeJSON(w, http.StatusOK, Ok(map[string]models.ActivityMode{"mode": mode}))
}

// GetCountdown 倒计时状态
func (h *WearableHandler) GetCountdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.Countdown.Status()))
}

// CancelCountdown 佩戴者确认无事，取消倒计时
func (h *WearableHandler) CancelCountdown(w http.ResponseWriter, r *http.Request) {
	if !h.Countdown.Cancel() {
		writeJSON(w, http.StatusConflict, Fail("no countdown in progress"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.Countdown.Status()))
}

// TriggerSOS 手动 SOS（异步中继，立即返回）
func (h *WearableHandler) TriggerSOS(w http.ResponseWriter, r *http.Request) {
	h.Logger.Warn("Manual SOS triggered")
	h.Relay.Trigger(ManualSOSReason)
	writeJSON(w, http.StatusAccepted, Ok(map[string]string{"reason": ManualSOSReason}))
}
