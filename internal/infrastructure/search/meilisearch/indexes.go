package meilisearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

var rankingRules = []string{"words", "typo", "proximity", "attribute", "sort", "exactness"}

type indexSettings struct {
	SearchableAttributes []string `json:"searchableAttributes"`
	FilterableAttributes []string `json:"filterableAttributes"`
	SortableAttributes   []string `json:"sortableAttributes"`
	RankingRules         []string `json:"rankingRules"`
}

func settingsFor(kind domain.Kind) indexSettings {
	schema := domain.SchemaFor(kind)
	return indexSettings{
		SearchableAttributes: schema.Searchable,
		FilterableAttributes: schema.Filterable,
		SortableAttributes:   schema.Sortable,
		RankingRules:         rankingRules,
	}
}

// EnsureIndexes creates missing indexes and (re)applies their settings.
// Settings updates never touch stored documents.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	for _, kind := range []domain.Kind{domain.KindEntry, domain.KindSolution} {
		if err := c.ensureIndex(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ensureIndex(ctx context.Context, kind domain.Kind) error {
	uid := kind.IndexName()

	err := c.doJSON(ctx, http.MethodGet, "/indexes/"+uid, nil, nil, "get index")
	switch {
	case err == nil:
	case isNotFound(err):
		var ref taskRef
		body := map[string]string{"uid": uid, "primaryKey": "id"}
		if err := c.doJSON(ctx, http.MethodPost, "/indexes", body, &ref, "create index"); err != nil {
			return fmt.Errorf("create index %s: %w", uid, err)
		}
		if err := c.waitTask(ctx, ref.TaskUID); err != nil && !isTaskCode(err, "index_already_exists") {
			return fmt.Errorf("create index %s: %w", uid, err)
		}
	default:
		return fmt.Errorf("get index %s: %w", uid, err)
	}

	var ref taskRef
	if err := c.doJSON(ctx, http.MethodPatch, "/indexes/"+uid+"/settings", settingsFor(kind), &ref, "update settings"); err != nil {
		return fmt.Errorf("update settings %s: %w", uid, err)
	}
	if err := c.waitTask(ctx, ref.TaskUID); err != nil {
		return fmt.Errorf("update settings %s: %w", uid, err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out, "health"); err != nil {
		return err
	}
	if out.Status != "available" {
		return fmt.Errorf("meilisearch status %q", out.Status)
	}
	return nil
}

func isTaskCode(err error, code string) bool {
	var taskErr *TaskError
	return errors.As(err, &taskErr) && taskErr.Code == code
}
