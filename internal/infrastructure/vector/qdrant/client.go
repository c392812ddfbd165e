package qdrant

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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/resilience"
)

const scrollPageSize = 1000

// Client stores one point per (kind, id) in a single collection. Point ids
// are derived from the document key, so re-upserting overwrites in place.
type Client struct {
	baseURL    string
	collection string
	vectorSize int
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

type Options struct {
	VectorSize         int
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, collection string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		vectorSize: options.VectorSize,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

func PointID(kind domain.Kind, id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(domain.DocumentKey(kind, id))).String()
}

// EnsureIndexes creates the collection and keyword payload indexes used by
// filters. Both calls are idempotent on the Qdrant side.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	if c.vectorSize <= 0 {
		return fmt.Errorf("qdrant ensure collection: vector size is not configured")
	}
	if err := c.ensureCollection(ctx, c.vectorSize); err != nil {
		return err
	}

	fields := map[string]struct{}{"kind": {}}
	for _, kind := range []domain.Kind{domain.KindEntry, domain.KindSolution} {
		for _, f := range domain.SchemaFor(kind).Filterable {
			fields[f] = struct{}{}
		}
	}
	for field := range fields {
		body := map[string]any{"field_name": field, "field_schema": "keyword"}
		path := fmt.Sprintf("/collections/%s/index?wait=true", c.collection)
		if err := c.doJSON(ctx, http.MethodPut, path, body, nil, "create payload index"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/collections", nil, nil, "health")
}

func (c *Client) UpsertVector(ctx context.Context, doc domain.IndexedDocument, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("qdrant upsert %s: empty vector", doc.Key())
	}
	if err := c.ensureCollection(ctx, len(vector)); err != nil {
		return err
	}

	payload := make(map[string]any, len(doc.Searchable)+len(doc.Filterable)+len(doc.Sortable)+3)
	for k, v := range doc.Fields() {
		payload[k] = v
	}
	payload["entity_id"] = doc.ID
	payload["kind"] = string(doc.Kind)
	payload["version"] = doc.Version

	body := map[string]any{
		"points": []map[string]any{{
			"id":      PointID(doc.Kind, doc.ID),
			"vector":  vector,
			"payload": payload,
		}},
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	return c.doJSON(ctx, http.MethodPut, path, body, nil, "upsert")
}

// Delete treats a missing point or collection as already deleted.
func (c *Client) Delete(ctx context.Context, kind domain.Kind, id string) error {
	body := map[string]any{"points": []string{PointID(kind, id)}}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	err := c.doJSON(ctx, http.MethodPost, path, body, nil, "delete")
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) ListIDs(ctx context.Context, kind domain.Kind) ([]string, error) {
	var (
		ids    []string
		offset any
	)
	for {
		body := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": []string{"entity_id"},
			"with_vector":  false,
			"filter":       mustMatch("kind", string(kind)),
		}
		if offset != nil {
			body["offset"] = offset
		}

		var resp struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		path := fmt.Sprintf("/collections/%s/points/scroll", c.collection)
		if err := c.doJSON(ctx, http.MethodPost, path, body, &resp, "scroll"); err != nil {
			if isNotFound(err) {
				return ids, nil
			}
			return nil, err
		}
		for _, p := range resp.Result.Points {
			if id := getStringPayload(p.Payload, "entity_id"); id != "" {
				ids = append(ids, id)
			}
		}
		if resp.Result.NextPageOffset == nil {
			return ids, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

func (c *Client) Search(ctx context.Context, query domain.SemanticQuery) ([]domain.RetrievalHit, error) {
	must := make([]map[string]any, 0, len(query.Filters)+1)
	if len(query.Kinds) > 0 {
		kinds := make([]string, 0, len(query.Kinds))
		for _, k := range query.Kinds {
			kinds = append(kinds, string(k))
		}
		must = append(must, map[string]any{"key": "kind", "match": map[string]any{"any": kinds}})
	}
	for _, key := range query.Filters.Keys() {
		must = append(must, map[string]any{"key": key, "match": map[string]any{"value": query.Filters[key]}})
	}

	reqBody := map[string]any{
		"vector":       query.Vector,
		"limit":        query.Limit,
		"with_payload": true,
	}
	if len(must) > 0 {
		reqBody["filter"] = map[string]any{"must": must}
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	call := func(callCtx context.Context) error {
		return c.doJSON(callCtx, http.MethodPost, path, reqBody, &searchResp, "search")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "qdrant.search", call, classifyQdrantError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrieverUnavailable, "qdrant search", err)
	}

	out := make([]domain.RetrievalHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		fields := make(map[string]string, len(r.Payload))
		for k, v := range r.Payload {
			switch k {
			case "entity_id", "kind", "version":
				continue
			}
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		out = append(out, domain.RetrievalHit{
			ID:     getStringPayload(r.Payload, "entity_id"),
			Kind:   domain.Kind(getStringPayload(r.Payload, "kind")),
			Score:  r.Score,
			Fields: fields,
			Source: domain.SourceSemantic,
		})
	}
	return out, nil
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := c.doJSON(ctx, http.MethodPut, "/collections/"+c.collection, reqBody, nil, "ensure collection")

	// 409 means the collection already exists.
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		err = nil
	}
	if err != nil {
		return err
	}
	c.markCollectionEnsured(vectorSize)
	return nil
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("qdrant %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("qdrant %s status: %s: %s", e.Operation, e.Status, e.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any, operation string) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
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

func classifyQdrantError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		retryable := statusErr.StatusCode == http.StatusServiceUnavailable || statusErr.StatusCode == http.StatusTooManyRequests
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: statusErr.StatusCode >= 500}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func isNotFound(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

func mustMatch(key, value string) map[string]any {
	return map[string]any{
		"must": []map[string]any{{"key": key, "match": map[string]any{"value": value}}},
	}
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
