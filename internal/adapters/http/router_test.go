package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kirillkom/kedb-retrieval/internal/config"
	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

const testSecret = "test-secret"

type searchFake struct {
	lexical     domain.LexicalResult
	hybrid      domain.HybridResult
	err         error
	lastLexical domain.LexicalQuery
	lastHybrid  domain.HybridQuery
}

func (f *searchFake) SearchLexical(_ context.Context, q domain.LexicalQuery) (domain.LexicalResult, error) {
	f.lastLexical = q
	return f.lexical, f.err
}

func (f *searchFake) SearchHybrid(_ context.Context, q domain.HybridQuery) (domain.HybridResult, error) {
	f.lastHybrid = q
	return f.hybrid, f.err
}

type suggestFake struct {
	resp     *domain.SuggestResponse
	err      error
	last     domain.SuggestRequest
	sessions map[string]*domain.SuggestSession
}

func (f *suggestFake) Suggest(_ context.Context, req domain.SuggestRequest) (*domain.SuggestResponse, error) {
	f.last = req
	return f.resp, f.err
}

func (f *suggestFake) Session(_ context.Context, id string) (*domain.SuggestSession, error) {
	session, ok := f.sessions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get session", errors.New(id))
	}
	return session, nil
}

type decisionsFake struct {
	decisions []domain.PolicyDecision
}

func (f decisionsFake) BySession(_ context.Context, sessionID string) ([]domain.PolicyDecision, error) {
	var out []domain.PolicyDecision
	for _, d := range f.decisions {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out, nil
}

type maintenanceFake struct {
	healthErr  error
	initCalls  int
	rebuildErr error
}

func (f *maintenanceFake) InitIndexes(context.Context) error {
	f.initCalls++
	return nil
}

func (f *maintenanceFake) Health(context.Context) error {
	return f.healthErr
}

func (f *maintenanceFake) RebuildAll(context.Context) (domain.RebuildReport, error) {
	return domain.RebuildReport{Applied: 3, Swept: 1}, f.rebuildErr
}

type hookFake struct {
	committed []domain.SourceRecord
	deleted   []string
}

func (f *hookFake) RecordCommitted(_ context.Context, record domain.SourceRecord) {
	f.committed = append(f.committed, record)
}

func (f *hookFake) RecordDeleted(_ context.Context, kind domain.Kind, id string, _ int64) {
	f.deleted = append(f.deleted, domain.DocumentKey(kind, id))
}

func newTestHandler(cfg config.Config, deps Dependencies) http.Handler {
	return NewRouter(cfg, deps).Handler()
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func serve(handler http.Handler, method, target string, body any, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decodeError(t *testing.T, res *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, res.Body.String())
	}
	return body.Error
}

func TestSearchEntriesBindsParamsAndFilters(t *testing.T) {
	search := &searchFake{lexical: domain.LexicalResult{
		Hits:  []domain.RetrievalHit{{ID: "e-1", Kind: domain.KindEntry, Score: 2.5, Fields: map[string]string{"title": "DB timeout"}}},
		Total: 1,
		Took:  12 * time.Millisecond,
	}}
	handler := newTestHandler(config.Config{}, Dependencies{Search: search})

	res := serve(handler, http.MethodGet, "/v1/search/entries?q=+db+timeout+&limit=5&offset=10&severity=high", nil, "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if search.lastLexical.Kind != domain.KindEntry || search.lastLexical.Limit != 5 || search.lastLexical.Offset != 10 {
		t.Fatalf("unexpected lexical query: %+v", search.lastLexical)
	}
	if search.lastLexical.Filters["severity"] != "high" || len(search.lastLexical.Filters) != 1 {
		t.Fatalf("expected severity filter only, got %v", search.lastLexical.Filters)
	}

	var resp searchResponse
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Query != "db timeout" || resp.Limit != 5 || resp.Offset != 10 || resp.TookMS != 12 || resp.Mode != "lexical" {
		t.Fatalf("unexpected echo fields: %+v", resp)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "e-1" || resp.Degraded {
		t.Fatalf("unexpected results: %+v", resp)
	}
}

func TestSearchDefaultsLimitInEcho(t *testing.T) {
	handler := newTestHandler(config.Config{}, Dependencies{Search: &searchFake{}})

	res := serve(handler, http.MethodGet, "/v1/search/solutions?q=restart", nil, "")
	var resp searchResponse
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Limit != 20 {
		t.Fatalf("expected default limit 20 echoed, got %d", resp.Limit)
	}
	if resp.Results == nil {
		t.Fatalf("expected empty results array, not null")
	}
}

func TestSearchHybridModeReportsDegraded(t *testing.T) {
	search := &searchFake{hybrid: domain.HybridResult{
		Results: []domain.FusedResult{{
			ID: "s-1", Kind: domain.KindSolution, FusedScore: 0.5, LexicalScore: 1, FromLexical: true,
		}},
		Total:           1,
		Degraded:        true,
		DegradedReasons: []string{"semantic_timeout"},
	}}
	handler := newTestHandler(config.Config{}, Dependencies{Search: search})

	res := serve(handler, http.MethodGet, "/v1/search/solutions?q=restart&mode=hybrid", nil, "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if len(search.lastHybrid.Kinds) != 1 || search.lastHybrid.Kinds[0] != domain.KindSolution {
		t.Fatalf("expected hybrid query scoped to solutions, got %v", search.lastHybrid.Kinds)
	}

	var resp searchResponse
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Degraded || len(resp.DegradedReasons) != 1 || resp.DegradedReasons[0] != "semantic_timeout" {
		t.Fatalf("expected degraded response, got %+v", resp)
	}
	item := resp.Results[0]
	if item.LexicalScore == nil || *item.LexicalScore != 1 || item.SemanticScore != nil {
		t.Fatalf("expected lexical score only, got %+v", item)
	}
}

func TestSearchRejectsBadParams(t *testing.T) {
	handler := newTestHandler(config.Config{}, Dependencies{Search: &searchFake{}})

	cases := map[string]string{
		"non-numeric limit": "/v1/search/entries?q=x&limit=ten",
		"unknown mode":      "/v1/search/entries?q=x&mode=vector",
		"repeated filter":   "/v1/search/entries?q=x&severity=high&severity=low",
	}
	for name, target := range cases {
		res := serve(handler, http.MethodGet, target, nil, "")
		if res.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, res.Code)
		}
		if detail := decodeError(t, res); detail.Kind != "validation_error" {
			t.Fatalf("%s: expected validation_error, got %q", name, detail.Kind)
		}
	}
}

func TestSearchValidationMessageIsPublic(t *testing.T) {
	search := &searchFake{err: domain.ValidationError("validate query", "query is required")}
	handler := newTestHandler(config.Config{}, Dependencies{Search: search})

	res := serve(handler, http.MethodGet, "/v1/search/entries", nil, "")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if detail := decodeError(t, res); detail.Message != "query is required" {
		t.Fatalf("expected public validation message, got %q", detail.Message)
	}
}

func TestSearchUnavailableHidesInternalText(t *testing.T) {
	search := &searchFake{err: domain.WrapError(domain.ErrRetrieverUnavailable, "hybrid retrieve", errors.New("dial tcp 10.0.0.7:7700: connection refused"))}
	handler := newTestHandler(config.Config{}, Dependencies{Search: search})

	res := serve(handler, http.MethodGet, "/v1/search/entries?q=x", nil, "")
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
	detail := decodeError(t, res)
	if detail.Kind != "retriever_unavailable" {
		t.Fatalf("expected retriever_unavailable, got %q", detail.Kind)
	}
	if strings.Contains(res.Body.String(), "10.0.0.7") {
		t.Fatalf("internal error text leaked: %s", res.Body.String())
	}
}

func TestSearchHealth(t *testing.T) {
	maintenance := &maintenanceFake{}
	handler := newTestHandler(config.Config{}, Dependencies{Maintenance: maintenance})

	res := serve(handler, http.MethodGet, "/v1/search/health", nil, "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	maintenance.healthErr = errors.New("meilisearch health: connection refused")
	res = serve(handler, http.MethodGet, "/v1/search/health", nil, "")
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
	if detail := decodeError(t, res); detail.Kind != "service_unavailable" {
		t.Fatalf("expected service_unavailable, got %q", detail.Kind)
	}
}

func TestSuggestPassesTokenPrincipal(t *testing.T) {
	suggest := &suggestFake{resp: &domain.SuggestResponse{SessionID: "sess-1", Citations: []domain.Citation{}, Decisions: []domain.PolicyDecision{}}}
	handler := newTestHandler(config.Config{JWTSecret: testSecret}, Dependencies{Suggest: suggest})

	token := signToken(t, jwt.MapClaims{"sub": "alice", "role": "engineer", "scope": "kedb:drafts kedb:read"})
	res := serve(handler, http.MethodPost, "/v1/agent/suggest", map[string]any{"query": "db timeout", "limit": 3, "synthesize": true}, token)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	got := suggest.last
	if got.Principal.Subject != "alice" || got.Principal.Role != "engineer" || !got.Principal.HasScope("kedb:drafts") {
		t.Fatalf("unexpected principal: %+v", got.Principal)
	}
	if got.Query != "db timeout" || got.Limit != 3 || !got.Synthesize {
		t.Fatalf("unexpected suggest request: %+v", got)
	}
}

func TestSuggestAnonymousWhenAuthOptional(t *testing.T) {
	suggest := &suggestFake{resp: &domain.SuggestResponse{SessionID: "sess-1"}}
	handler := newTestHandler(config.Config{JWTSecret: testSecret}, Dependencies{Suggest: suggest})

	res := serve(handler, http.MethodPost, "/v1/agent/suggest", map[string]any{"query": "db"}, "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if suggest.last.Principal.Subject != "anonymous" || suggest.last.Principal.Role != "viewer" {
		t.Fatalf("expected anonymous viewer, got %+v", suggest.last.Principal)
	}
}

func TestSuggestRejectsBadTokens(t *testing.T) {
	suggest := &suggestFake{resp: &domain.SuggestResponse{}}
	handler := newTestHandler(config.Config{JWTSecret: testSecret, AuthRequired: true}, Dependencies{Suggest: suggest})

	res := serve(handler, http.MethodPost, "/v1/agent/suggest", map[string]any{"query": "db"}, "")
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", res.Code)
	}

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "mallory"}).SignedString([]byte("other-secret"))
	res = serve(handler, http.MethodPost, "/v1/agent/suggest", map[string]any{"query": "db"}, forged)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: expected 401, got %d", res.Code)
	}

	expired := signToken(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Minute).Unix()})
	res = serve(handler, http.MethodPost, "/v1/agent/suggest", map[string]any{"query": "db"}, expired)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: expected 401, got %d", res.Code)
	}
	if detail := decodeError(t, res); detail.Kind != "unauthorized" {
		t.Fatalf("expected unauthorized kind, got %q", detail.Kind)
	}
}

func TestSuggestRejectsUnknownBodyFields(t *testing.T) {
	handler := newTestHandler(config.Config{}, Dependencies{Suggest: &suggestFake{resp: &domain.SuggestResponse{}}})

	res := serve(handler, http.MethodPost, "/v1/agent/suggest", map[string]any{"query": "db", "role": "admin"}, "")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestAgentSessionIncludesDecisionsForOwner(t *testing.T) {
	session := &domain.SuggestSession{ID: "sess-1", Principal: domain.Principal{Subject: "alice", Role: "engineer"}, State: domain.SessionCompleted}
	suggest := &suggestFake{sessions: map[string]*domain.SuggestSession{"sess-1": session}}
	decisions := decisionsFake{decisions: []domain.PolicyDecision{
		{ID: "d-1", SessionID: "sess-1", EntityID: "e-1", Outcome: domain.OutcomeAllow},
		{ID: "d-2", SessionID: "sess-2", EntityID: "e-2", Outcome: domain.OutcomeDeny},
	}}
	handler := newTestHandler(config.Config{JWTSecret: testSecret}, Dependencies{Suggest: suggest, Decisions: decisions})

	res := serve(handler, http.MethodGet, "/v1/agent/sessions/sess-1", nil, signToken(t, jwt.MapClaims{"sub": "alice"}))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Session.ID != "sess-1" || len(resp.Decisions) != 1 || resp.Decisions[0].ID != "d-1" {
		t.Fatalf("unexpected session response: %+v", resp)
	}

	res = serve(handler, http.MethodGet, "/v1/agent/sessions/sess-1", nil, signToken(t, jwt.MapClaims{"sub": "bob"}))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected other callers to get 404, got %d", res.Code)
	}

	res = serve(handler, http.MethodGet, "/v1/agent/sessions/sess-1", nil, signToken(t, jwt.MapClaims{"sub": "ops", "scopes": []string{"kedb:admin"}}))
	if res.Code != http.StatusOK {
		t.Fatalf("expected admin to read session, got %d", res.Code)
	}
}

func TestAdminRoutesRequireScope(t *testing.T) {
	maintenance := &maintenanceFake{}
	handler := newTestHandler(config.Config{JWTSecret: testSecret}, Dependencies{Maintenance: maintenance})

	res := serve(handler, http.MethodPost, "/v1/search/rebuild", nil, signToken(t, jwt.MapClaims{"sub": "alice"}))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d", res.Code)
	}

	admin := signToken(t, jwt.MapClaims{"sub": "ops", "scopes": []string{"kedb:admin"}})
	res = serve(handler, http.MethodPost, "/v1/search/rebuild", nil, admin)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin rebuild, got %d", res.Code)
	}
	var report domain.RebuildReport
	if err := json.Unmarshal(res.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Applied != 3 || report.Swept != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	for i := 0; i < 2; i++ {
		res = serve(handler, http.MethodPost, "/v1/search/init-indexes", nil, admin)
		if res.Code != http.StatusOK {
			t.Fatalf("init-indexes call %d expected 200, got %d", i, res.Code)
		}
	}
	if maintenance.initCalls != 2 {
		t.Fatalf("expected 2 init calls, got %d", maintenance.initCalls)
	}
}

func TestRebuildWithoutSourceAnswers503(t *testing.T) {
	maintenance := &maintenanceFake{
		rebuildErr: domain.WrapError(domain.ErrTemporary, "rebuild", errors.New("no source reader configured")),
	}
	handler := newTestHandler(config.Config{JWTSecret: testSecret}, Dependencies{Maintenance: maintenance})

	admin := signToken(t, jwt.MapClaims{"sub": "ops", "scopes": []string{"kedb:admin"}})
	res := serve(handler, http.MethodPost, "/v1/search/rebuild", nil, admin)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
	if detail := decodeError(t, res); detail.Kind != "service_unavailable" {
		t.Fatalf("expected service_unavailable, got %q", detail.Kind)
	}
}

func TestSyncHookAcceptsUpsertAndDelete(t *testing.T) {
	hook := &hookFake{}
	handler := newTestHandler(config.Config{AllowOpenAdmin: true}, Dependencies{Hook: hook})

	res := serve(handler, http.MethodPost, "/v1/sync/hooks", map[string]any{
		"op":     "upsert",
		"record": map[string]any{"id": "e-1", "kind": "entry", "revision": 3, "title": "DB timeout"},
	}, "")
	if res.Code != http.StatusAccepted {
		t.Fatalf("upsert expected 202, got %d: %s", res.Code, res.Body.String())
	}

	res = serve(handler, http.MethodPost, "/v1/sync/hooks", map[string]any{"op": "delete", "id": "s-1", "kind": "solution"}, "")
	if res.Code != http.StatusAccepted {
		t.Fatalf("delete expected 202, got %d", res.Code)
	}

	if len(hook.committed) != 1 || hook.committed[0].Revision != 3 {
		t.Fatalf("expected committed record, got %+v", hook.committed)
	}
	if len(hook.deleted) != 1 || hook.deleted[0] != "solution:s-1" {
		t.Fatalf("expected delete of solution:s-1, got %v", hook.deleted)
	}
}

func TestSyncHookRejectsMalformedEvents(t *testing.T) {
	hook := &hookFake{}
	handler := newTestHandler(config.Config{AllowOpenAdmin: true}, Dependencies{Hook: hook})

	bodies := []map[string]any{
		{"op": "upsert"},
		{"op": "upsert", "record": map[string]any{"id": "e-1", "kind": "entry", "title": "no revision"}},
		{"op": "upsert", "record": map[string]any{"id": "e-1", "kind": "entry", "revision": -1}},
		{"op": "delete", "kind": "entry"},
		{"op": "delete", "id": "x", "kind": "incident"},
		{"op": "merge", "id": "x", "kind": "entry"},
	}
	for _, body := range bodies {
		res := serve(handler, http.MethodPost, "/v1/sync/hooks", body, "")
		if res.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", body, res.Code)
		}
	}
	if len(hook.committed)+len(hook.deleted) != 0 {
		t.Fatalf("expected no hook calls for malformed events")
	}
}

func TestSyncHookRequiresSyncScopeWhenAuthEnabled(t *testing.T) {
	hook := &hookFake{}
	handler := newTestHandler(config.Config{JWTSecret: testSecret}, Dependencies{Hook: hook})

	body := map[string]any{"op": "delete", "id": "e-1", "kind": "entry"}
	res := serve(handler, http.MethodPost, "/v1/sync/hooks", body, signToken(t, jwt.MapClaims{"sub": "alice"}))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
	res = serve(handler, http.MethodPost, "/v1/sync/hooks", body, signToken(t, jwt.MapClaims{"sub": "crud", "scopes": []string{"kedb:sync"}}))
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
}

func TestScopedRoutesRefusedWhenAuthDisabled(t *testing.T) {
	hook := &hookFake{}
	maintenance := &maintenanceFake{}
	handler := newTestHandler(config.Config{}, Dependencies{Hook: hook, Maintenance: maintenance})

	for _, path := range []string{"/v1/search/init-indexes", "/v1/search/rebuild", "/v1/sync/hooks"} {
		res := serve(handler, http.MethodPost, path, map[string]any{"op": "delete", "id": "e-1", "kind": "entry"}, "")
		if res.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", path, res.Code)
		}
	}
	if len(hook.deleted) != 0 || maintenance.initCalls != 0 {
		t.Fatalf("expected no admin side effects, got deletes=%v init=%d", hook.deleted, maintenance.initCalls)
	}

	open := newTestHandler(config.Config{AllowOpenAdmin: true}, Dependencies{Hook: hook})
	res := serve(open, http.MethodPost, "/v1/sync/hooks", map[string]any{"op": "delete", "id": "e-1", "kind": "entry"}, "")
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with open admin, got %d", res.Code)
	}
}

func TestUnconfiguredServiceAnswers503(t *testing.T) {
	handler := newTestHandler(config.Config{}, Dependencies{})

	res := serve(handler, http.MethodGet, "/v1/search/entries?"+url.Values{"q": {"x"}}.Encode(), nil, "")
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestOpenAPIDocumentCoversRoutes(t *testing.T) {
	doc, err := LoadOpenAPI(context.Background())
	if err != nil {
		t.Fatalf("LoadOpenAPI() error = %v", err)
	}

	routes := NewRouter(config.Config{}, Dependencies{}).routes()
	err = chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		item := doc.Paths.Value(route)
		if item == nil {
			t.Errorf("route %s %s is not documented", method, route)
			return nil
		}
		if item.GetOperation(method) == nil {
			t.Errorf("operation %s %s is not documented", method, route)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk routes: %v", err)
	}

	res := serve(routes, http.MethodGet, "/openapi.yaml", nil, "")
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "/v1/agent/suggest") {
		t.Fatalf("expected served openapi document, got %d", res.Code)
	}
}
