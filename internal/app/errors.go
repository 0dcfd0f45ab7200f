package app

import (
	"errors"
	"fmt"
	"net/http"

	"marksync/api/internal/auth"
	"marksync/api/internal/authpw"
	"marksync/api/internal/docstore"
	"marksync/api/internal/revisions"
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

// FieldError is one entry of a VALIDATION_ERROR details list.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// mapError translates service errors into HTTP responses. A document owned by
// someone else is reported exactly like a missing one.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *docstore.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request",
			[]FieldError{{Field: validationErr.Field, Message: validationErr.Message}}
	}
	switch {
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, docstore.ErrAccessDenied):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, revisions.ErrRevisionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Revision not found", nil
	case errors.Is(err, docstore.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", nil
	case errors.Is(err, docstore.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Document changed during resolution, retry", nil
	case errors.Is(err, docstore.ErrTransientStore):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Document store unavailable", nil
	case errors.Is(err, authpw.ErrInvalidInput), errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many sign-in attempts, try again later", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
