package httpadapter

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

type suggestRequest struct {
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
	Synthesize bool   `json:"synthesize,omitempty"`
}

type sessionResponse struct {
	Session   *domain.SuggestSession  `json:"session"`
	Decisions []domain.PolicyDecision `json:"decisions"`
}

func (rt *Router) agentSuggest(w http.ResponseWriter, r *http.Request) {
	if rt.suggest == nil {
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "suggest", fmt.Errorf("suggest service is not configured")))
		return
	}
	var req suggestRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, domain.ValidationError("decode suggest request", "request body must be a JSON object with a query"))
		return
	}

	resp, err := rt.suggest.Suggest(r.Context(), domain.SuggestRequest{
		Query:      req.Query,
		Principal:  principalFromContext(r.Context()),
		Limit:      req.Limit,
		Synthesize: req.Synthesize,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// agentSession returns a session and its decision trail. Callers only see
// their own sessions unless they hold the admin scope; anything else reads
// as not found.
func (rt *Router) agentSession(w http.ResponseWriter, r *http.Request) {
	if rt.suggest == nil {
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "get session", fmt.Errorf("suggest service is not configured")))
		return
	}
	id := chi.URLParam(r, "session_id")
	session, err := rt.suggest.Session(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	principal := principalFromContext(r.Context())
	if rt.auth.Enabled() && session.Principal.Subject != principal.Subject && !principal.HasScope(scopeAdmin) {
		writeError(w, r, domain.WrapError(domain.ErrNotFound, "get session", fmt.Errorf("session %s", id)))
		return
	}

	resp := sessionResponse{Session: session, Decisions: []domain.PolicyDecision{}}
	if rt.decisions != nil {
		decisions, err := rt.decisions.BySession(r.Context(), id)
		if err != nil {
			writeError(w, r, domain.WrapError(domain.ErrTemporary, "read decisions", err))
			return
		}
		resp.Decisions = decisions
	}
	writeJSON(w, http.StatusOK, resp)
}
