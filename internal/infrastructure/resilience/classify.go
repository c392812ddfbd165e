package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// TransientFunc reports adapter-specific failures worth another attempt.
type TransientFunc func(err error) bool

// Classify applies the rules shared by every outbound adapter. Cancellation
// is neither retried nor counted against the breaker, an open breaker is
// retried, and anything transient says is retried. Other errors count as
// failures without a retry.
func Classify(err error, transient TransientFunc) ErrorClassification {
	switch {
	case err == nil:
		return ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassification{}
	case IsCircuitOpen(err):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	case transient != nil && transient(err):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return ErrorClassification{RecordFailure: true}
	}
}

// WrapTemporary marks err as ErrTemporary when Classify would retry it, so
// callers above the adapter can map it to 503.
func WrapTemporary(operation string, err error, transient TransientFunc) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if Classify(err, transient).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

// IsNetworkError matches dial, reset and timeout failures below HTTP.
func IsNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func RetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ClassifyApplyError retries every index write failure except bad input and
// cancellation.
func ClassifyApplyError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{}
	}
	if domain.IsKind(err, domain.ErrValidation) {
		return ErrorClassification{}
	}
	return ErrorClassification{Retryable: true, RecordFailure: true}
}

// ClassifyBackendError is used around search backend calls: transport and
// 5xx failures trip the breaker, caller mistakes do not.
func ClassifyBackendError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if domain.IsKind(err, domain.ErrValidation) || domain.IsKind(err, domain.ErrNotFound) {
		return ErrorClassification{}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{RecordFailure: true}
	}
	return Classify(err, func(err error) bool { return domain.IsKind(err, domain.ErrTemporary) })
}
