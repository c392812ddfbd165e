package meilisearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

const listPageSize = 1000

func toMeiliDocument(doc domain.IndexedDocument) map[string]any {
	out := make(map[string]any, len(doc.Searchable)+len(doc.Filterable)+len(doc.Sortable)+3)
	for k, v := range doc.Fields() {
		out[k] = v
	}
	out["id"] = doc.ID
	out["kind"] = string(doc.Kind)
	out["version"] = doc.Version
	return out
}

// Upsert replaces the whole stored document, so a later projection never
// leaves fields from an earlier one behind.
func (c *Client) Upsert(ctx context.Context, doc domain.IndexedDocument) error {
	uid := doc.Kind.IndexName()
	var ref taskRef
	body := []map[string]any{toMeiliDocument(doc)}
	if err := c.doJSON(ctx, http.MethodPost, "/indexes/"+uid+"/documents", body, &ref, "add documents"); err != nil {
		return err
	}
	return c.waitTask(ctx, ref.TaskUID)
}

// Delete succeeds when the document is already absent.
func (c *Client) Delete(ctx context.Context, kind domain.Kind, id string) error {
	uid := kind.IndexName()
	var ref taskRef
	path := "/indexes/" + uid + "/documents/" + url.PathEscape(id)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, &ref, "delete document"); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if err := c.waitTask(ctx, ref.TaskUID); err != nil && !isTaskCode(err, "index_not_found") {
		return err
	}
	return nil
}

func (c *Client) ListIDs(ctx context.Context, kind domain.Kind) ([]string, error) {
	uid := kind.IndexName()
	var ids []string
	for offset := 0; ; offset += listPageSize {
		query := url.Values{}
		query.Set("fields", "id")
		query.Set("limit", strconv.Itoa(listPageSize))
		query.Set("offset", strconv.Itoa(offset))

		var page struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
			Total int `json:"total"`
		}
		if err := c.doJSON(ctx, http.MethodGet, "/indexes/"+uid+"/documents?"+query.Encode(), nil, &page, "list documents"); err != nil {
			if isNotFound(err) {
				return ids, nil
			}
			return nil, fmt.Errorf("list %s ids: %w", uid, err)
		}
		for _, r := range page.Results {
			ids = append(ids, r.ID)
		}
		if len(page.Results) < listPageSize || offset+len(page.Results) >= page.Total {
			return ids, nil
		}
	}
}
