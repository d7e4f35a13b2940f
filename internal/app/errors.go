package app

import (
	"context"
	"errors"
	"net/http"

	"versehub/api/internal/apperr"
	"versehub/api/internal/auth"
)

// mapError translates an operation failure into an HTTP status and the
// public error body fields. Unknown failures never leak their text.
func mapError(err error) (status int, code, message string, details any) {
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if appErr, ok := apperr.As(err); ok {
		return statusForKind(appErr.Kind), appErr.Code, appErr.Message, appErr.Details
	}
	if errors.Is(err, context.Canceled) {
		return 499, "REQUEST_CANCELLED", "Request cancelled", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindInvalidTransition, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
