package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"ControlAgent/internal/observability/metrics"
	"ControlAgent/pkg/logger"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为请求分配 request id，把请求级 logger 放入上下文，
// 并在结束时记录指标与审计日志。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		reqLogger := logger.L().With("request_id", requestID, "handler", name)
		ctx := logger.WithContext(r.Context(), reqLogger)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		logger.Audit().Info("api_request",
			"request_id", requestID,
			"handler", name,
			"method", r.Method,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
