package meilisearch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

type searchRequest struct {
	Q                string `json:"q"`
	Limit            int    `json:"limit"`
	Offset           int    `json:"offset"`
	Filter           string `json:"filter,omitempty"`
	ShowRankingScore bool   `json:"showRankingScore"`
}

type searchResponse struct {
	Hits               []map[string]any `json:"hits"`
	EstimatedTotalHits int              `json:"estimatedTotalHits"`
	ProcessingTimeMs   int64            `json:"processingTimeMs"`
}

func (c *Client) Search(ctx context.Context, query domain.LexicalQuery) (domain.LexicalResult, error) {
	uid := query.Kind.IndexName()
	req := searchRequest{
		Q:                query.Text,
		Limit:            query.Limit,
		Offset:           query.Offset,
		Filter:           BuildFilter(query.Filters),
		ShowRankingScore: true,
	}

	start := time.Now()
	var resp searchResponse
	err := c.execute(ctx, "meilisearch.search", func(callCtx context.Context) error {
		return c.doJSON(callCtx, http.MethodPost, "/indexes/"+uid+"/search", req, &resp, "search")
	})
	if err != nil {
		return domain.LexicalResult{}, domain.WrapError(domain.ErrRetrieverUnavailable, "meilisearch search "+uid, err)
	}

	hits := make([]domain.RetrievalHit, 0, len(resp.Hits))
	for _, raw := range resp.Hits {
		hits = append(hits, toHit(query.Kind, raw))
	}

	took := time.Duration(resp.ProcessingTimeMs) * time.Millisecond
	if took == 0 {
		took = time.Since(start)
	}
	return domain.LexicalResult{Hits: hits, Total: resp.EstimatedTotalHits, Took: took}, nil
}

// BuildFilter renders an exact-match conjunction in Meilisearch filter syntax.
func BuildFilter(filters domain.Filters) string {
	if len(filters) == 0 {
		return ""
	}
	parts := make([]string, 0, len(filters))
	for _, key := range filters.Keys() {
		parts = append(parts, fmt.Sprintf("%s = %s", key, quote(filters[key])))
	}
	return strings.Join(parts, " AND ")
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func toHit(kind domain.Kind, raw map[string]any) domain.RetrievalHit {
	hit := domain.RetrievalHit{Kind: kind, Source: domain.SourceLexical, Fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		switch k {
		case "id":
			hit.ID = fmt.Sprint(v)
		case "_rankingScore":
			if score, ok := v.(float64); ok {
				hit.Score = score
			}
		case "kind", "version":
		default:
			if s, ok := v.(string); ok {
				hit.Fields[k] = s
			}
		}
	}
	return hit
}
