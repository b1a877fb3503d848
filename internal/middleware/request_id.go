package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

// RequestIDHeader carries the correlation id in both directions
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID assigns a request id, echoes it back and attaches a logger
// carrying it to the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = logger.With(ctx, "request_id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id stored by RequestID, or ""
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
