package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"lostfound/api/internal/auth"
	"lostfound/api/internal/claims"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns a service error into the response envelope fields.
func mapError(err error) (int, string, string, any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Resource not found", nil
	}

	switch claims.KindOf(err) {
	case claims.KindUnauthenticated:
		return http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required", nil
	case claims.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND", "Resource not found", nil
	case claims.KindDuplicateClaim:
		return http.StatusConflict, "DUPLICATE_CLAIM", "You have already claimed this item", nil
	case claims.KindSubmissionFailed:
		return http.StatusServiceUnavailable, "SUBMISSION_FAILED", "Claim could not be submitted, try again", nil
	case claims.KindForbidden:
		return http.StatusForbidden, "FORBIDDEN", causeMessage(err, "Forbidden"), nil
	case claims.KindAlreadyDecided:
		return http.StatusConflict, "ALREADY_DECIDED", "Claim has already been decided", nil
	case claims.KindInvalid:
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", causeMessage(err, "Invalid request"), nil
	case claims.KindChannel:
		return http.StatusServiceUnavailable, "CHANNEL_ERROR", "Live updates are unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Unexpected server error", nil
}

// causeMessage exposes the wrapped cause of a claims error, which for the
// kinds it is used with is always a caller-facing message.
func causeMessage(err error, fallback string) string {
	var e *claims.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return fallback
}
