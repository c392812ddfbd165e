package bleve

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// Upsert replaces the stored document under its entity id.
func (i *Index) Upsert(_ context.Context, doc domain.IndexedDocument) error {
	index, err := i.index(doc.Kind)
	if err != nil {
		return err
	}
	fields := doc.Fields()
	fields["kind"] = string(doc.Kind)
	if err := index.Index(doc.ID, fields); err != nil {
		return fmt.Errorf("bleve index %s: %w", doc.Key(), err)
	}
	return nil
}

// Delete is a no-op for ids the index does not hold.
func (i *Index) Delete(_ context.Context, kind domain.Kind, id string) error {
	index, err := i.index(kind)
	if err != nil {
		return err
	}
	if err := index.Delete(id); err != nil {
		return fmt.Errorf("bleve delete %s: %w", domain.DocumentKey(kind, id), err)
	}
	return nil
}

func (i *Index) ListIDs(ctx context.Context, kind domain.Kind) ([]string, error) {
	index, err := i.index(kind)
	if err != nil {
		return nil, err
	}

	var ids []string
	for from := 0; ; from += listPageSize {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), listPageSize, from, false)
		req.SortBy([]string{"_id"})
		res, err := index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("bleve list %s: %w", kind.IndexName(), err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < listPageSize {
			return ids, nil
		}
	}
}
