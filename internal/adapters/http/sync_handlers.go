package httpadapter

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

type syncHookRequest struct {
	Op      domain.SyncOp        `json:"op"`
	Record  *domain.SourceRecord `json:"record,omitempty"`
	ID      string               `json:"id,omitempty"`
	Kind    domain.Kind          `json:"kind,omitempty"`
	Version int64                `json:"version,omitempty"`
}

// syncHook is the CRUD boundary. It only admits the mutation; indexing
// happens asynchronously and never fails the caller's write.
func (rt *Router) syncHook(w http.ResponseWriter, r *http.Request) {
	if rt.hook == nil {
		writeError(w, r, domain.WrapError(domain.ErrTemporary, "sync hook", fmt.Errorf("sync hook is not configured")))
		return
	}
	var req syncHookRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, domain.ValidationError("decode sync hook", "request body must be a JSON sync event"))
		return
	}

	switch req.Op {
	case domain.SyncUpsert:
		if req.Record == nil {
			writeError(w, r, domain.ValidationError("sync hook", "upsert requires a record"))
			return
		}
		if err := req.Record.Validate(); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Record.Revision <= 0 {
			writeError(w, r, domain.ValidationError("sync hook", "record.revision must be > 0"))
			return
		}
		rt.hook.RecordCommitted(r.Context(), *req.Record)
	case domain.SyncDelete:
		if strings.TrimSpace(req.ID) == "" {
			writeError(w, r, domain.ValidationError("sync hook", "delete requires an id"))
			return
		}
		if _, err := domain.ParseKind(string(req.Kind)); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Version < 0 {
			writeError(w, r, domain.ValidationError("sync hook", "version must be >= 0"))
			return
		}
		rt.hook.RecordDeleted(r.Context(), req.Kind, req.ID, req.Version)
	default:
		writeError(w, r, domain.ValidationError("sync hook", "op must be upsert or delete"))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
