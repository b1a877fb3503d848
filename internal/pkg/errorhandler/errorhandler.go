package errorhandler

import (
	"context"
	"net/http"

	"github.com/mwork/credit-ledger/internal/pkg/logger"
	"github.com/mwork/credit-ledger/internal/pkg/response"
)

// HandleError logs the failure through the request-scoped logger and sends
// the error envelope. 5xx responses are logged at error level, the rest at warn.
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	l := logger.FromContext(ctx)
	event := l.Warn()
	if status >= http.StatusInternalServerError {
		event = l.Error()
	}
	if err != nil {
		event = event.Err(err)
	}
	event.
		Str("error_code", code).
		Int("status_code", status).
		Msg(message)

	response.Error(w, status, code, message)
}

// HandleRetryable is HandleError for failures the client may retry as a whole.
func HandleRetryable(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	logger.FromContext(ctx).Warn().
		Err(err).
		Str("error_code", code).
		Int("status_code", status).
		Bool("retryable", true).
		Msg(message)

	response.Retryable(w, status, code, message)
}

// HandleValidation logs field errors and sends a 422 response
func HandleValidation(ctx context.Context, w http.ResponseWriter, fieldErrors map[string]string) {
	logger.FromContext(ctx).Warn().
		Interface("validation_errors", fieldErrors).
		Msg("Validation error")

	response.ValidationError(w, fieldErrors)
}
