package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
)

const (
	reasonLexicalTimeout      = "lexical_timeout"
	reasonLexicalUnavailable  = "lexical_unavailable"
	reasonSemanticTimeout     = "semantic_timeout"
	reasonSemanticUnavailable = "semantic_unavailable"
	reasonRerankUnavailable   = "rerank_unavailable"
)

// QueryObserver receives retrieval telemetry; metrics.QueryMetrics implements it.
type QueryObserver interface {
	ObserveRetriever(retriever, outcome string, duration time.Duration)
	RecordDegraded(reason string)
}

type QueryConfig struct {
	LexicalTimeout  time.Duration
	SemanticTimeout time.Duration
	Weights         domain.FusionWeights
	RerankWindow    int
	CandidatePool   int
}

func (c QueryConfig) normalize() QueryConfig {
	out := c
	if out.LexicalTimeout <= 0 {
		out.LexicalTimeout = 2 * time.Second
	}
	if out.SemanticTimeout <= 0 {
		out.SemanticTimeout = 2 * time.Second
	}
	if out.Weights.Lexical < 0 || out.Weights.Semantic < 0 || out.Weights.Lexical+out.Weights.Semantic == 0 {
		out.Weights = domain.EqualWeights()
	}
	if out.RerankWindow <= 0 {
		out.RerankWindow = DefaultRerankWindow
	}
	if out.CandidatePool <= 0 {
		out.CandidatePool = DefaultRerankWindow
	}
	return out
}

type QueryUseCase struct {
	lexical  ports.LexicalRetriever
	semantic ports.SemanticRetriever
	embedder ports.Embedder
	encoder  ports.CrossEncoder
	observer QueryObserver
	logger   *slog.Logger
	cfg      QueryConfig
}

func NewQueryUseCase(
	lexical ports.LexicalRetriever,
	semantic ports.SemanticRetriever,
	embedder ports.Embedder,
	encoder ports.CrossEncoder,
	cfg QueryConfig,
	observer QueryObserver,
	logger *slog.Logger,
) *QueryUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryUseCase{
		lexical:  lexical,
		semantic: semantic,
		embedder: embedder,
		encoder:  encoder,
		observer: observer,
		logger:   logger,
		cfg:      cfg.normalize(),
	}
}

// SearchLexical serves the keyword-only search endpoints.
func (uc *QueryUseCase) SearchLexical(ctx context.Context, query domain.LexicalQuery) (domain.LexicalResult, error) {
	query, err := NormalizeLexicalQuery(query)
	if err != nil {
		return domain.LexicalResult{}, err
	}

	start := time.Now()
	result, err := uc.lexical.Search(ctx, query)
	uc.observe("lexical", start, err)
	if err != nil {
		return domain.LexicalResult{}, fmt.Errorf("lexical search: %w", err)
	}
	if result.Took == 0 {
		result.Took = time.Since(start)
	}
	return result, nil
}

// SearchHybrid runs both retrievers concurrently, fuses and re-ranks.
func (uc *QueryUseCase) SearchHybrid(ctx context.Context, query domain.HybridQuery) (domain.HybridResult, error) {
	query, err := NormalizeHybridQuery(query)
	if err != nil {
		return domain.HybridResult{}, err
	}

	start := time.Now()
	ranked, reasons, err := uc.retrieveAndRank(ctx, query, uc.poolSize(query.Offset+query.Limit))
	if err != nil {
		return domain.HybridResult{}, err
	}

	return domain.HybridResult{
		Results:         paginate(ranked, query.Offset, query.Limit),
		Total:           len(ranked),
		Degraded:        len(reasons) > 0,
		DegradedReasons: reasons,
		Took:            time.Since(start),
	}, nil
}

type retrievalSet struct {
	lexical  []domain.RetrievalHit
	semantic []domain.RetrievalHit
	reasons  []string
}

func (uc *QueryUseCase) retrieveAndRank(ctx context.Context, query domain.HybridQuery, pool int) ([]domain.FusedResult, []string, error) {
	set, err := uc.retrieve(ctx, query, pool)
	if err != nil {
		return nil, nil, err
	}
	ranked, reasons := uc.rank(ctx, query, set)
	return ranked, reasons, nil
}

// retrieve issues both retriever calls concurrently, each under its own
// deadline derived from ctx. One failing side degrades the result; both
// failing is ErrRetrieverUnavailable.
func (uc *QueryUseCase) retrieve(ctx context.Context, query domain.HybridQuery, pool int) (retrievalSet, error) {
	var (
		set                retrievalSet
		lexErr, semErr     error
		lexSpan, semSpan   time.Duration
		g                  errgroup.Group
		semanticConfigured = uc.semantic != nil && uc.embedder != nil
	)

	g.Go(func() error {
		branchCtx, cancel := context.WithTimeout(ctx, uc.cfg.LexicalTimeout)
		defer cancel()
		start := time.Now()
		set.lexical, lexErr = uc.searchLexicalKinds(branchCtx, query, pool)
		lexSpan = time.Since(start)
		lexErr = classifyBranchError(branchCtx, lexErr)
		return nil
	})

	if semanticConfigured {
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(ctx, uc.cfg.SemanticTimeout)
			defer cancel()
			start := time.Now()
			set.semantic, semErr = uc.searchSemantic(branchCtx, query, pool)
			semSpan = time.Since(start)
			semErr = classifyBranchError(branchCtx, semErr)
			return nil
		})
	}

	_ = g.Wait()
	uc.observeSpan("lexical", lexSpan, lexErr)
	if semanticConfigured {
		uc.observeSpan("semantic", semSpan, semErr)
	}

	if err := ctx.Err(); err != nil {
		return retrievalSet{}, err
	}

	if lexErr != nil {
		set.lexical = nil
		set.reasons = append(set.reasons, degradedReason(lexErr, reasonLexicalTimeout, reasonLexicalUnavailable))
	}
	if semErr != nil {
		set.semantic = nil
		set.reasons = append(set.reasons, degradedReason(semErr, reasonSemanticTimeout, reasonSemanticUnavailable))
	}

	if lexErr != nil && (semErr != nil || !semanticConfigured) {
		return retrievalSet{}, domain.WrapError(domain.ErrRetrieverUnavailable, "hybrid retrieve", errors.Join(lexErr, semErr))
	}

	for _, reason := range set.reasons {
		uc.logger.Warn("retrieval_degraded", "reason", reason)
		if uc.observer != nil {
			uc.observer.RecordDegraded(reason)
		}
	}
	return set, nil
}

func (uc *QueryUseCase) rank(ctx context.Context, query domain.HybridQuery, set retrievalSet) ([]domain.FusedResult, []string) {
	weights := uc.cfg.Weights
	if query.Weights != nil {
		weights = *query.Weights
	}

	reasons := set.reasons
	fused := Fuse(set.lexical, set.semantic, weights)
	reranked, err := Rerank(ctx, uc.encoder, query.Text, fused, uc.cfg.RerankWindow)
	if err != nil {
		uc.logger.Warn("rerank_failed", "error", err)
		if uc.observer != nil {
			uc.observer.RecordDegraded(reasonRerankUnavailable)
		}
		reasons = append(reasons, reasonRerankUnavailable)
	}
	return reranked, reasons
}

func (uc *QueryUseCase) searchLexicalKinds(ctx context.Context, query domain.HybridQuery, pool int) ([]domain.RetrievalHit, error) {
	hits := make([]domain.RetrievalHit, 0, pool)
	for _, kind := range query.Kinds {
		result, err := uc.lexical.Search(ctx, domain.LexicalQuery{
			Kind:    kind,
			Text:    query.Text,
			Filters: query.Filters,
			Limit:   pool,
		})
		if err != nil {
			return nil, err
		}
		hits = append(hits, result.Hits...)
	}
	return hits, nil
}

func (uc *QueryUseCase) searchSemantic(ctx context.Context, query domain.HybridQuery, pool int) ([]domain.RetrievalHit, error) {
	vector, err := uc.embedder.EmbedQuery(ctx, query.Text)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrieverUnavailable, "embed query", err)
	}
	return uc.semantic.Search(ctx, domain.SemanticQuery{
		Vector:  vector,
		Kinds:   query.Kinds,
		Filters: query.Filters,
		Limit:   pool,
	})
}

func (uc *QueryUseCase) poolSize(window int) int {
	if window > uc.cfg.CandidatePool {
		return window
	}
	return uc.cfg.CandidatePool
}

func (uc *QueryUseCase) observe(retriever string, start time.Time, err error) {
	uc.observeSpan(retriever, time.Since(start), err)
}

func (uc *QueryUseCase) observeSpan(retriever string, span time.Duration, err error) {
	if uc.observer == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	uc.observer.ObserveRetriever(retriever, outcome, span)
}

// classifyBranchError turns a branch deadline into DeadlineExceeded even when
// the backend reported it as a transport failure.
func classifyBranchError(branchCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(branchCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

func degradedReason(err error, timeoutReason, unavailableReason string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutReason
	}
	return unavailableReason
}
