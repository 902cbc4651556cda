package httpapi

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter 创建路由（含健康检查）
func NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	}).Methods(http.MethodGet)
	return r
}

// Wrap 访问日志 + panic 恢复，日志写入 zap
func Wrap(h http.Handler, logger *zap.Logger) http.Handler {
	stdLog := zap.NewStdLog(logger.Named("http"))
	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(stdLog),
		handlers.PrintRecoveryStack(false),
	)(h)
	return handlers.CombinedLoggingHandler(stdLog.Writer(), recovered)
}
