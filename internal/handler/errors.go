package handler

import (
	"context"
	"errors"
	"net/http"

	"jobstore/internal/retry"
	apperrors "jobstore/pkg/errors"
	httputil "jobstore/pkg/http"
	"jobstore/pkg/logger"
	"jobstore/pkg/validation"
)

func writeError(w http.ResponseWriter, log *logger.Logger, op string, err error) {
	appErr := toAppError(err)
	if appErr.Code == apperrors.CodeInternal {
		log.Error("Request failed", "handler", op, "error", err)
	}
	if writeErr := httputil.WriteError(w, appErr); writeErr != nil {
		log.Error("failed to write error response", "handler", op, "operation", "WriteError", "error", writeErr)
	}
}

func toAppError(err error) *apperrors.AppError {
	var validationErrs validation.ValidationErrors
	switch {
	case apperrors.IsAppError(err):
		return apperrors.AsAppError(err)
	case errors.As(err, &validationErrs):
		details := make(map[string]any, len(validationErrs))
		for _, v := range validationErrs {
			details[v.Field] = v.Message
		}
		return apperrors.Validation("request validation failed", details)
	case errors.Is(err, retry.ErrRetriesExhausted):
		return apperrors.Throttled("document store is throttling requests", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Timeout("document store did not respond in time", err)
	default:
		return apperrors.Internal("request could not be completed", err)
	}
}
