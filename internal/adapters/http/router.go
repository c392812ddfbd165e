package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kirillkom/kedb-retrieval/internal/config"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
	"github.com/kirillkom/kedb-retrieval/internal/observability/metrics"
)

const (
	scopeAdmin = "kedb:admin"
	scopeSync  = "kedb:sync"

	maxBodyBytes = 1 << 20
)

// Dependencies are the inbound services the router exposes. Nil services
// answer 503.
type Dependencies struct {
	Search      ports.SearchService
	Suggest     ports.SuggestService
	Decisions   ports.DecisionReader
	Maintenance ports.IndexMaintenance
	Hook        ports.SyncHook
	Metrics     *metrics.HTTPServerMetrics
	Logger      *slog.Logger
}

type Router struct {
	search      ports.SearchService
	suggest     ports.SuggestService
	decisions   ports.DecisionReader
	maintenance ports.IndexMaintenance
	hook        ports.SyncHook
	metrics     *metrics.HTTPServerMetrics
	logger      *slog.Logger
	auth        *Authenticator

	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration
}

func NewRouter(cfg config.Config, deps Dependencies) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		search:           deps.Search,
		suggest:          deps.Suggest,
		decisions:        deps.Decisions,
		maintenance:      deps.Maintenance,
		hook:             deps.Hook,
		metrics:          deps.Metrics,
		logger:           logger,
		auth:             NewAuthenticator(cfg.JWTSecret, cfg.AuthRequired, cfg.AllowOpenAdmin),
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIBackpressureMaxInFlight,
		backpressureWait: cfg.APIBackpressureWait,
	}
}

func (rt *Router) Handler() http.Handler {
	return rt.routes()
}

func (rt *Router) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware(rt.logger))
	if rt.metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return rt.metrics.Middleware("api", next)
		})
	}

	r.Get("/healthz", rt.healthz)
	r.Get("/openapi.yaml", rt.openAPIDocument)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(func(next http.Handler) http.Handler {
			return rateLimitMiddleware(next, rt.rateLimitRPS, rt.rateLimitBurst)
		})
		v1.Use(func(next http.Handler) http.Handler {
			return backpressureMiddleware(next, rt.maxInFlight, rt.backpressureWait)
		})

		v1.Get("/search/health", rt.searchHealth)

		v1.Group(func(authed chi.Router) {
			authed.Use(rt.auth.Middleware)

			authed.Get("/search/entries", rt.searchEntries)
			authed.Get("/search/solutions", rt.searchSolutions)
			authed.Post("/agent/suggest", rt.agentSuggest)
			authed.Get("/agent/sessions/{session_id}", rt.agentSession)

			authed.With(rt.auth.RequireScope(scopeAdmin)).Post("/search/init-indexes", rt.initIndexes)
			authed.With(rt.auth.RequireScope(scopeAdmin)).Post("/search/rebuild", rt.rebuildIndexes)
			authed.With(rt.auth.RequireScope(scopeSync)).Post("/sync/hooks", rt.syncHook)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorBody(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorBody(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("write_json_failed", "error", err)
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
