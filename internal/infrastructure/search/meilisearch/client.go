package meilisearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/resilience"
)

// Client talks to the Meilisearch REST API. One index per record kind.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	executor    *resilience.Executor
	taskTimeout time.Duration
	pollEvery   time.Duration
}

type Options struct {
	Timeout            time.Duration
	TaskTimeout        time.Duration
	TaskPollInterval   time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, apiKey string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	taskTimeout := options.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	pollEvery := options.TaskPollInterval
	if pollEvery <= 0 {
		pollEvery = 50 * time.Millisecond
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: timeout},
		executor:    options.ResilienceExecutor,
		taskTimeout: taskTimeout,
		pollEvery:   pollEvery,
	}
}

func (c *Client) Name() string {
	return "meilisearch"
}

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Code       string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("meilisearch %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("meilisearch %s status: %s: %s", e.Operation, e.Status, e.Message)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any, operation string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("meilisearch %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeStatusError(operation, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func decodeStatusError(operation string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	statusErr := &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	var apiErr struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		statusErr.Message = apiErr.Message
		statusErr.Code = apiErr.Code
	} else {
		statusErr.Message = strings.TrimSpace(string(raw))
	}
	return statusErr
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, operation, fn, classifyMeiliError)
}

func classifyMeiliError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
