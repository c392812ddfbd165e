package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrRetrieverUnavailable = errors.New("retriever unavailable")
	ErrSyncApply            = errors.New("sync apply failed")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrTemporary            = errors.New("temporary failure")
	ErrQueueFull            = errors.New("sync queue full")
	ErrInvalidTransition    = errors.New("invalid session transition")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// PublicError carries a message that is safe to show to callers as-is.
type PublicError struct {
	Message string
}

func (e *PublicError) Error() string {
	return e.Message
}

// ValidationError builds an ErrValidation with a caller-safe message.
func ValidationError(operation, message string) error {
	return WrapError(ErrValidation, operation, &PublicError{Message: message})
}

// PublicMessage returns the caller-safe message attached to err, if any.
func PublicMessage(err error) (string, bool) {
	var pub *PublicError
	if errors.As(err, &pub) {
		return pub.Message, true
	}
	return "", false
}

// ErrorKind returns the stable public name of the first matching error kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsKind(err, ErrValidation):
		return "validation_error"
	case IsKind(err, ErrUnauthorized):
		return "unauthorized"
	case IsKind(err, ErrForbidden):
		return "forbidden"
	case IsKind(err, ErrNotFound):
		return "not_found"
	case IsKind(err, ErrRetrieverUnavailable):
		return "retriever_unavailable"
	case IsKind(err, ErrQueueFull):
		return "queue_full"
	case IsKind(err, ErrTemporary):
		return "service_unavailable"
	case IsKind(err, ErrSyncApply):
		return "sync_apply_error"
	default:
		return "internal_error"
	}
}
