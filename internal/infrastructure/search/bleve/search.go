package bleve

import (
	"context"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/search/query"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// fuzziness is the edit distance tolerated per query term.
const fuzziness = 1

func (i *Index) Search(ctx context.Context, q domain.LexicalQuery) (domain.LexicalResult, error) {
	index, err := i.index(q.Kind)
	if err != nil {
		return domain.LexicalResult{}, domain.WrapError(domain.ErrRetrieverUnavailable, "bleve search", err)
	}

	req := bleve.NewSearchRequestOptions(buildQuery(q), q.Limit, q.Offset, false)
	req.Fields = []string{"*"}
	req.SortBy([]string{"-_score", "_id"})

	start := time.Now()
	res, err := index.SearchInContext(ctx, req)
	if err != nil {
		return domain.LexicalResult{}, domain.WrapError(domain.ErrRetrieverUnavailable, "bleve search", err)
	}

	hits := make([]domain.RetrievalHit, 0, len(res.Hits))
	for _, match := range res.Hits {
		fields := make(map[string]string, len(match.Fields))
		for k, v := range match.Fields {
			if k == "kind" {
				continue
			}
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		hits = append(hits, domain.RetrievalHit{
			ID:     match.ID,
			Kind:   q.Kind,
			Score:  match.Score,
			Fields: fields,
			Source: domain.SourceLexical,
		})
	}
	return domain.LexicalResult{Hits: hits, Total: int(res.Total), Took: time.Since(start)}, nil
}

// buildQuery matches the text in any searchable field, fuzzily, and
// requires every filter to match its keyword field exactly.
func buildQuery(q domain.LexicalQuery) query.Query {
	schema := domain.SchemaFor(q.Kind)
	text := make([]query.Query, 0, len(schema.Searchable))
	for _, field := range schema.Searchable {
		exact := bleve.NewMatchQuery(q.Text)
		exact.SetField(field)
		fuzzy := bleve.NewMatchQuery(q.Text)
		fuzzy.SetField(field)
		fuzzy.SetFuzziness(fuzziness)
		fuzzy.SetBoost(0.5)
		text = append(text, exact, fuzzy)
	}

	must := []query.Query{bleve.NewDisjunctionQuery(text...)}
	for _, key := range q.Filters.Keys() {
		term := bleve.NewTermQuery(q.Filters[key])
		term.SetField(key)
		must = append(must, term)
	}
	return bleve.NewConjunctionQuery(must...)
}
