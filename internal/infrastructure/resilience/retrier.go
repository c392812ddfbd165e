package resilience

import (
	"context"
	"fmt"
	"strings"
)

// Retrier binds an executor to one classifier so use cases can retry
// without knowing about breakers. It runs only the executor's retry loop:
// each call gets the full attempt budget, and breakers stay with the
// backend clients it calls into.
type Retrier struct {
	executor   *Executor
	classifier ErrorClassifier
}

func NewRetrier(executor *Executor, classifier ErrorClassifier) *Retrier {
	if classifier == nil {
		classifier = ClassifyApplyError
	}
	return &Retrier{executor: executor, classifier: classifier}
}

func (r *Retrier) Retry(ctx context.Context, operation string, fn func(context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	return r.executor.executeWithRetry(ctx, op, fn, r.classifier)
}
