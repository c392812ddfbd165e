package httpadapter

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/usecase"
)

const (
	modeLexical = "lexical"
	modeHybrid  = "hybrid"
)

var reservedSearchParams = map[string]struct{}{
	"q":      {},
	"limit":  {},
	"offset": {},
	"mode":   {},
}

type searchParams struct {
	Query   string
	Limit   int
	Offset  int
	Mode    string
	Filters domain.Filters
}

type searchItem struct {
	ID            string            `json:"id"`
	Kind          domain.Kind       `json:"kind"`
	Score         float64           `json:"score"`
	LexicalScore  *float64          `json:"lexical_score,omitempty"`
	SemanticScore *float64          `json:"semantic_score,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

type searchResponse struct {
	Results         []searchItem `json:"results"`
	Total           int          `json:"total"`
	Query           string       `json:"query"`
	Limit           int          `json:"limit"`
	Offset          int          `json:"offset"`
	Mode            string       `json:"mode"`
	TookMS          int64        `json:"took_ms"`
	Degraded        bool         `json:"degraded"`
	DegradedReasons []string     `json:"degraded_reasons,omitempty"`
}

func (rt *Router) searchEntries(w http.ResponseWriter, r *http.Request) {
	rt.searchKind(w, r, domain.KindEntry)
}

func (rt *Router) searchSolutions(w http.ResponseWriter, r *http.Request) {
	rt.searchKind(w, r, domain.KindSolution)
}

func (rt *Router) searchKind(w http.ResponseWriter, r *http.Request, kind domain.Kind) {
	if rt.search == nil {
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "search", fmt.Errorf("search service is not configured")))
		return
	}
	params, err := bindSearchParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := searchResponse{
		Query:  strings.TrimSpace(params.Query),
		Limit:  params.Limit,
		Offset: params.Offset,
		Mode:   params.Mode,
	}
	if resp.Limit == 0 {
		resp.Limit = usecase.DefaultLimit
	}

	switch params.Mode {
	case modeHybrid:
		result, err := rt.search.SearchHybrid(r.Context(), domain.HybridQuery{
			Text:    params.Query,
			Kinds:   []domain.Kind{kind},
			Filters: params.Filters,
			Limit:   params.Limit,
			Offset:  params.Offset,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Results = fusedItems(result.Results)
		resp.Total = result.Total
		resp.TookMS = result.Took.Milliseconds()
		resp.Degraded = result.Degraded
		resp.DegradedReasons = result.DegradedReasons
	default:
		result, err := rt.search.SearchLexical(r.Context(), domain.LexicalQuery{
			Kind:    kind,
			Text:    params.Query,
			Filters: params.Filters,
			Limit:   params.Limit,
			Offset:  params.Offset,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Results = hitItems(result.Hits)
		resp.Total = result.Total
		resp.TookMS = result.Took.Milliseconds()
	}

	writeJSON(w, http.StatusOK, resp)
}

// bindSearchParams reads the fixed parameters and treats every other query
// parameter as an exact-match filter.
func bindSearchParams(r *http.Request) (searchParams, error) {
	values := r.URL.Query()
	params := searchParams{Mode: modeLexical, Filters: domain.Filters{}}

	if err := runtime.BindQueryParameter("form", true, false, "q", values, &params.Query); err != nil {
		return params, domain.ValidationError("bind search params", "q must be a string")
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", values, &params.Limit); err != nil {
		return params, domain.ValidationError("bind search params", "limit must be an integer")
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", values, &params.Offset); err != nil {
		return params, domain.ValidationError("bind search params", "offset must be an integer")
	}
	if err := runtime.BindQueryParameter("form", true, false, "mode", values, &params.Mode); err != nil {
		return params, domain.ValidationError("bind search params", "mode must be a string")
	}
	if params.Mode == "" {
		params.Mode = modeLexical
	}
	if params.Mode != modeLexical && params.Mode != modeHybrid {
		return params, domain.ValidationError("bind search params", "mode must be lexical or hybrid")
	}

	for key, vals := range values {
		if _, reserved := reservedSearchParams[key]; reserved {
			continue
		}
		if len(vals) != 1 {
			return params, domain.ValidationError("bind search params", fmt.Sprintf("filter %q must be given once", key))
		}
		params.Filters[key] = vals[0]
	}
	return params, nil
}

func hitItems(hits []domain.RetrievalHit) []searchItem {
	items := make([]searchItem, 0, len(hits))
	for _, hit := range hits {
		items = append(items, searchItem{ID: hit.ID, Kind: hit.Kind, Score: hit.Score, Fields: hit.Fields})
	}
	return items
}

func fusedItems(results []domain.FusedResult) []searchItem {
	items := make([]searchItem, 0, len(results))
	for _, result := range results {
		item := searchItem{ID: result.ID, Kind: result.Kind, Score: result.Score(), Fields: result.Fields}
		if result.FromLexical {
			score := result.LexicalScore
			item.LexicalScore = &score
		}
		if result.FromSemantic {
			score := result.SemanticScore
			item.SemanticScore = &score
		}
		items = append(items, item)
	}
	return items
}

func (rt *Router) searchHealth(w http.ResponseWriter, r *http.Request) {
	if rt.maintenance == nil {
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "search health", fmt.Errorf("index maintenance is not configured")))
		return
	}
	if err := rt.maintenance.Health(r.Context()); err != nil {
		rt.logger.Warn("search_health_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "search health", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) initIndexes(w http.ResponseWriter, r *http.Request) {
	if rt.maintenance == nil {
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "init indexes", fmt.Errorf("index maintenance is not configured")))
		return
	}
	if err := rt.maintenance.InitIndexes(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) rebuildIndexes(w http.ResponseWriter, r *http.Request) {
	if rt.maintenance == nil {
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "rebuild", fmt.Errorf("index maintenance is not configured")))
		return
	}
	start := time.Now()
	report, err := rt.maintenance.RebuildAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt.logger.Info("rebuild_completed",
		"request_id", requestIDFromContext(r.Context()),
		"subject", principalFromContext(r.Context()).Subject,
		"applied", report.Applied,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"swept", report.Swept,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, report)
}
