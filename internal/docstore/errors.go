package docstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrAccessDenied    = errors.New("document access denied")
	ErrValidation      = errors.New("invalid document request")
	ErrVersionConflict = errors.New("document version conflict")
	ErrTransientStore  = errors.New("document store unavailable")
)

// ValidationError names the offending field. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransientStore, op, err)
}
