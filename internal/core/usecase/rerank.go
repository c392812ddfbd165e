package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
)

const DefaultRerankWindow = 50

// Rerank rescores the top window of an already fused list with a cross
// encoder. Reranked items stay ahead of the untouched tail and are ordered by
// rerank score, then fused score, then their fused position.
func Rerank(
	ctx context.Context,
	encoder ports.CrossEncoder,
	query string,
	fused []domain.FusedResult,
	window int,
) ([]domain.FusedResult, error) {
	if encoder == nil || len(fused) == 0 {
		return fused, nil
	}
	if window <= 0 || window > len(fused) {
		window = len(fused)
	}

	head := make([]domain.FusedResult, window)
	copy(head, fused[:window])

	passages := make([]string, len(head))
	for i := range head {
		passages[i] = passageText(head[i])
	}

	scores, err := encoder.Score(ctx, query, passages)
	if err != nil {
		return fused, fmt.Errorf("cross-encoder score: %w", err)
	}
	if len(scores) != len(head) {
		return fused, fmt.Errorf("cross-encoder returned %d scores for %d passages", len(scores), len(head))
	}

	type ranked struct {
		result   domain.FusedResult
		position int
	}
	items := make([]ranked, len(head))
	for i := range head {
		score := scores[i]
		head[i].RerankScore = &score
		items[i] = ranked{result: head[i], position: i}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].result, items[j].result
		if *a.RerankScore != *b.RerankScore {
			return *a.RerankScore > *b.RerankScore
		}
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		return items[i].position < items[j].position
	})

	out := make([]domain.FusedResult, 0, len(fused))
	for _, item := range items {
		out = append(out, item.result)
	}
	out = append(out, fused[window:]...)
	return out, nil
}

// passageText is what the cross encoder sees for one candidate.
func passageText(result domain.FusedResult) string {
	schema := domain.SchemaFor(result.Kind)
	parts := make([]string, 0, len(schema.Searchable))
	for _, field := range schema.Searchable {
		if v := strings.TrimSpace(result.Fields[field]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// TokenOverlapScorer is a local stand-in for a cross encoder: the share of
// query tokens found in the passage, plus a bonus when the first passage line
// (the title) mentions any of them.
type TokenOverlapScorer struct{}

func (TokenOverlapScorer) Score(_ context.Context, query string, passages []string) ([]float64, error) {
	queryTokens := toTokenSet(query)
	out := make([]float64, len(passages))
	for i, passage := range passages {
		title, _, _ := strings.Cut(passage, "\n")
		overlap := tokenOverlap(queryTokens, toTokenSet(passage))
		out[i] = 0.85*overlap + 0.15*titleTokenHit(queryTokens, title)
	}
	return out, nil
}

func tokenOverlap(query, passage map[string]struct{}) float64 {
	if len(query) == 0 || len(passage) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := passage[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func titleTokenHit(query map[string]struct{}, title string) float64 {
	if len(query) == 0 || title == "" {
		return 0
	}
	titleTokens := toTokenSet(title)
	for token := range query {
		if _, ok := titleTokens[token]; ok {
			return 1
		}
	}
	return 0
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitAlphaNumLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
