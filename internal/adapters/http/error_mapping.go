package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

var publicMessages = map[string]string{
	"validation_error":      "invalid request",
	"unauthorized":          "authentication required",
	"forbidden":             "insufficient scope",
	"not_found":             "resource not found",
	"retriever_unavailable": "search backends are unavailable",
	"queue_full":            "sync queue is full, retry later",
	"service_unavailable":   "service temporarily unavailable",
	"sync_apply_error":      "index synchronization failed",
	"timeout":               "request timed out",
	"internal_error":        "internal error",
}

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrForbidden):
		return http.StatusForbidden
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrRetrieverUnavailable),
		domain.IsKind(err, domain.ErrQueueFull),
		domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	kind := domain.ErrorKind(err)
	if kind == "internal_error" && errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return kind
}

// publicMessage never echoes internal error text. Validation errors carry
// their own caller-safe message.
func publicMessage(kind string, err error) string {
	if msg, ok := domain.PublicMessage(err); ok && kind == "validation_error" {
		return msg
	}
	if msg, ok := publicMessages[kind]; ok {
		return msg
	}
	return publicMessages["internal_error"]
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeErrorBody(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	kind := errorKind(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed", "request_id", requestIDFromContext(r.Context()), "kind", kind, "error", err)
	}
	writeErrorBody(w, status, kind, publicMessage(kind, err))
}
