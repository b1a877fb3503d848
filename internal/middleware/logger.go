package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

// Logger logs one line per HTTP request through the request-scoped logger
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		l := logger.FromContext(r.Context())
		event := l.Info()
		if wrapped.statusCode >= http.StatusInternalServerError {
			event = l.Error()
		} else if wrapped.statusCode >= http.StatusBadRequest {
			event = l.Warn()
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("query", r.URL.RawQuery).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("ip", clientIP(r)).
			Msg("HTTP Request")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
