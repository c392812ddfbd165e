package ollama

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// transient covers retryable statuses and network failures. A model that
// is not pulled yet answers 404 and is not retried.
func transient(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return resilience.RetryableHTTPStatus(statusErr.StatusCode)
	}
	return resilience.IsNetworkError(err)
}

func classifyOllamaError(err error) resilience.ErrorClassification {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && !resilience.RetryableHTTPStatus(statusErr.StatusCode) {
		return resilience.ErrorClassification{}
	}
	return resilience.Classify(err, transient)
}
