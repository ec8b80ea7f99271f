// Package httpapi holds the JSON helpers and middleware shared by the
// screener and alert servers.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/txscreen/internal/logger"
)

// NewRouter returns a chi router with the standard middleware stack.
func NewRouter(timeout time.Duration) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	return r
}

// RequestLogger logs one line per request through the process logger.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger.Logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes {"error": message, "details": err} and counts the
// response in the logger's 4xx/5xx totals.
func RespondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	case status >= 400:
		logger.WarnHttp4xx()
	}
	RespondJSON(w, status, response)
}

// Health reports process-level counters for the /health endpoints.
func Health(extra map[string]any) map[string]any {
	out := map[string]any{
		"status":        "healthy",
		"errors":        logger.TotalErrors.Load(),
		"warnings":      logger.TotalWarnings.Load(),
		"http5xx":       logger.Total5xxErrors.Load(),
		"http4xx":       logger.Total4xxErrors.Load(),
		"degraded_runs": logger.DegradedRuns.Load(),
		"failed_runs":   logger.FailedRuns.Load(),
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
