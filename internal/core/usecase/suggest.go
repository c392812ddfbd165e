package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
)

// PolicyObserver counts gate outcomes; metrics.QueryMetrics implements it.
type PolicyObserver interface {
	RecordDecision(outcome string)
}

type SuggestConfig struct {
	TopK             int
	GateWindow       int
	SynthesisTimeout time.Duration
}

func (c SuggestConfig) normalize() SuggestConfig {
	out := c
	if out.TopK <= 0 {
		out.TopK = 5
	}
	if out.GateWindow < out.TopK {
		out.GateWindow = out.TopK * 4
	}
	if out.SynthesisTimeout <= 0 {
		out.SynthesisTimeout = 30 * time.Second
	}
	return out
}

// SuggestUseCase runs gated retrieval for agents and records the session
// and decision trail.
type SuggestUseCase struct {
	query       *QueryUseCase
	gate        *PolicyGate
	decisions   ports.DecisionLog
	sessions    ports.SessionStore
	synthesizer ports.Synthesizer
	observer    PolicyObserver
	logger      *slog.Logger
	cfg         SuggestConfig
	now         func() time.Time
}

func NewSuggestUseCase(
	query *QueryUseCase,
	gate *PolicyGate,
	decisions ports.DecisionLog,
	sessions ports.SessionStore,
	synthesizer ports.Synthesizer,
	cfg SuggestConfig,
	observer PolicyObserver,
	logger *slog.Logger,
) *SuggestUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuggestUseCase{
		query:       query,
		gate:        gate,
		decisions:   decisions,
		sessions:    sessions,
		synthesizer: synthesizer,
		observer:    observer,
		logger:      logger,
		cfg:         cfg.normalize(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (uc *SuggestUseCase) Suggest(ctx context.Context, req domain.SuggestRequest) (*domain.SuggestResponse, error) {
	limit := req.Limit
	if limit == 0 {
		limit = uc.cfg.TopK
	}
	query, err := NormalizeHybridQuery(domain.HybridQuery{Text: req.Query, Limit: limit})
	if err != nil {
		return nil, err
	}

	principal := req.Principal
	if principal.Subject == "" && principal.Role == "" {
		principal = domain.AnonymousPrincipal()
	}

	session := domain.NewSuggestSession(uuid.NewString(), principal, query.Text, uc.now())
	uc.save(ctx, session)

	set, err := uc.query.retrieve(ctx, query, uc.query.poolSize(uc.cfg.GateWindow))
	if err != nil {
		return nil, uc.fail(ctx, session, "retrieve", err)
	}
	if err := session.Advance(domain.SessionRetrieved, uc.now()); err != nil {
		return nil, uc.fail(ctx, session, "advance", err)
	}

	ranked, reasons := uc.query.rank(ctx, query, set)
	candidates := ranked
	if len(candidates) > uc.cfg.GateWindow {
		candidates = candidates[:uc.cfg.GateWindow]
	}
	session.Degraded = len(reasons) > 0
	session.DegradedReasons = reasons
	if err := session.Advance(domain.SessionFiltered, uc.now()); err != nil {
		return nil, uc.fail(ctx, session, "advance", err)
	}

	visible, decisions := uc.gate.Gate(session.ID, candidates, principal)
	if err := uc.decisions.Append(ctx, decisions); err != nil {
		return nil, uc.fail(ctx, session, "record decisions", domain.WrapError(domain.ErrTemporary, "append decisions", err))
	}
	for _, d := range decisions {
		session.DecisionIDs = append(session.DecisionIDs, d.ID)
		if uc.observer != nil {
			uc.observer.RecordDecision(string(d.Outcome))
		}
	}
	if err := session.Advance(domain.SessionGated, uc.now()); err != nil {
		return nil, uc.fail(ctx, session, "advance", err)
	}

	if len(visible) > query.Limit {
		visible = visible[:query.Limit]
	}
	citations := BuildCitations(visible, decisions)
	if err := session.AttachCitations(citations); err != nil {
		return nil, uc.fail(ctx, session, "attach citations", err)
	}

	resp := &domain.SuggestResponse{
		SessionID:       session.ID,
		Citations:       citations,
		Degraded:        session.Degraded,
		DegradedReasons: reasons,
		Decisions:       decisions,
	}
	if req.Synthesize {
		resp.Answer, resp.SynthesisDegraded = uc.synthesize(ctx, query.Text, citations)
	}

	if err := session.Advance(domain.SessionCompleted, uc.now()); err != nil {
		return nil, uc.fail(ctx, session, "advance", err)
	}
	uc.save(ctx, session)

	uc.logger.Info("suggest_completed",
		"session_id", session.ID,
		"subject", principal.Subject,
		"candidates", len(candidates),
		"citations", len(citations),
		"degraded", session.Degraded,
	)
	return resp, nil
}

// Session returns a stored session for audit lookups.
func (uc *SuggestUseCase) Session(ctx context.Context, id string) (*domain.SuggestSession, error) {
	return uc.sessions.Get(ctx, id)
}

// synthesize only ever sees gated citations. A failure leaves the answer empty.
func (uc *SuggestUseCase) synthesize(ctx context.Context, query string, citations []domain.Citation) (string, bool) {
	if uc.synthesizer == nil || len(citations) == 0 {
		return "", uc.synthesizer == nil
	}
	synthCtx, cancel := context.WithTimeout(ctx, uc.cfg.SynthesisTimeout)
	defer cancel()

	answer, err := uc.synthesizer.Synthesize(synthCtx, query, citations)
	if err != nil {
		uc.logger.Warn("synthesis_failed", "error", err)
		return "", true
	}
	return answer, false
}

func (uc *SuggestUseCase) fail(ctx context.Context, session *domain.SuggestSession, stage string, cause error) error {
	reason := stage + ": " + domain.ErrorKind(cause)
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		reason = stage + ": cancelled"
	}
	if err := session.Fail(reason, uc.now()); err != nil {
		uc.logger.Error("suggest_session_fail_transition", "session_id", session.ID, "error", err)
	}
	uc.save(context.WithoutCancel(ctx), session)
	uc.logger.Warn("suggest_failed", "session_id", session.ID, "stage", stage, "error", cause)
	return fmt.Errorf("suggest %s: %w", stage, cause)
}

// save is best effort; the decision log is the audit record of truth.
func (uc *SuggestUseCase) save(ctx context.Context, session *domain.SuggestSession) {
	if uc.sessions == nil {
		return
	}
	if err := uc.sessions.Save(ctx, session); err != nil {
		uc.logger.Warn("suggest_session_save_failed", "session_id", session.ID, "error", err)
	}
}
