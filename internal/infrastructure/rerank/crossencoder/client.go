package crossencoder

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

// Client calls a text-embeddings-inference style /rerank endpoint serving a
// cross-encoder model.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Model              string
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      options.Model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score returns one score per passage in input order; the server may answer
// in any order.
func (c *Client) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	var items []rerankItem
	call := func(callCtx context.Context) error {
		items = nil
		return c.postJSON(callCtx, "/rerank", rerankRequest{
			Model: c.model,
			Query: query,
			Texts: passages,
		}, &items)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "crossencoder.rerank", call, classifyRerankError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(passages))
	seen := make([]bool, len(passages))
	for _, item := range items {
		if item.Index < 0 || item.Index >= len(passages) || seen[item.Index] {
			return nil, fmt.Errorf("rerank response has invalid index %d", item.Index)
		}
		seen[item.Index] = true
		scores[item.Index] = item.Score
	}
	if len(items) != len(passages) {
		return nil, fmt.Errorf("rerank returned %d scores for %d passages", len(items), len(passages))
	}
	return scores, nil
}

type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rerank status: %s", e.Status)
	}
	return fmt.Sprintf("rerank status: %s: %s", e.Status, e.Body)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rerank response: %w", err)
	}
	return nil
}

func classifyRerankError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		retryable := statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode == http.StatusServiceUnavailable
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: statusErr.StatusCode >= 500}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}
