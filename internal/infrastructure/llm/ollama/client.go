package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, genModel, embedModel string) *Client {
	return NewWithExecutor(baseURL, genModel, embedModel, nil)
}

func NewWithExecutor(baseURL, genModel, embedModel string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		executor:   executor,
	}
}

// Embedder produces document and query vectors with the configured
// embedding model. It fails when the model returns a vector of an
// unexpected width, since the vector index is sized up front.
type Embedder struct {
	client     *Client
	dimensions int
}

func NewEmbedder(client *Client, dimensions int) *Embedder {
	return &Embedder{client: client, dimensions: dimensions}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.call(ctx, "embed", "/api/embed", request, &response); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed returned %d vectors for %d inputs", len(response.Embeddings), len(texts))
	}
	if e.dimensions > 0 {
		for _, v := range response.Embeddings {
			if len(v) != e.dimensions {
				return nil, fmt.Errorf("ollama embed returned %d dimensions, expected %d", len(v), e.dimensions)
			}
		}
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

// Synthesizer writes a short answer grounded only in gated citations.
type Synthesizer struct {
	client *Client
}

func NewSynthesizer(client *Client) *Synthesizer {
	return &Synthesizer{client: client}
}

func (s *Synthesizer) Synthesize(ctx context.Context, query string, citations []domain.Citation) (string, error) {
	return s.client.generateText(ctx, buildSuggestionPrompt(query, citations))
}

func (c *Client) generateText(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
	}
	var response struct {
		Response string `json:"response"`
	}
	if err := c.call(ctx, "generate", "/api/generate", reqBody, &response); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func (c *Client) call(ctx context.Context, operation, path string, payload any, out any) error {
	fn := func(callCtx context.Context) error {
		return c.postJSON(callCtx, path, payload, out, operation)
	}
	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ollama."+operation, fn, classifyOllamaError)
	} else {
		err = fn(ctx)
	}
	return resilience.WrapTemporary("ollama "+operation, err, transient)
}
