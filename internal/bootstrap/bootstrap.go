package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/kedb-retrieval/internal/config"
	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
	"github.com/kirillkom/kedb-retrieval/internal/core/usecase"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/cache/redis"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/embedding/hashing"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/policy"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/queue/memory"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/queue/nats"
	memstore "github.com/kirillkom/kedb-retrieval/internal/infrastructure/repository/memory"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/rerank/crossencoder"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/search/bleve"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/search/meilisearch"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/vector/sqlite"
	"github.com/kirillkom/kedb-retrieval/internal/observability/metrics"
)

// DecisionStore is the audit trail as both writer and reader.
type DecisionStore interface {
	ports.DecisionLog
	ports.DecisionReader
}

type lexicalBackend interface {
	ports.LexicalRetriever
	ports.IndexSink
	ports.IndexAdmin
}

type vectorBackend interface {
	ports.VectorIndex
	ports.SemanticRetriever
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Query       *usecase.QueryUseCase
	Suggest     *usecase.SuggestUseCase
	Sync        *usecase.Synchronizer
	Hook        *usecase.IndexSyncHook
	Maintenance *usecase.IndexMaintenanceUseCase

	DeadLetters ports.DeadLetterStore
	Decisions   DecisionStore

	HTTPMetrics *metrics.HTTPServerMetrics
	SyncMetrics *metrics.SyncMetrics

	closers []func()
}

// New wires every collaborator selected by cfg. service names the process
// in metrics and logs.
func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:      cfg,
		Logger:      logger,
		HTTPMetrics: metrics.NewHTTPServerMetrics(service),
		SyncMetrics: metrics.NewSyncMetrics(service),
	}
	app.HTTPMetrics.Register(app.SyncMetrics.Collectors()...)

	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger

	backendExec := resilience.NewExecutorWithLogger(resilience.Config{
		RetryInitialBackoff: cfg.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		RetryJitter:         0.2,
		BreakerEnabled:      cfg.BreakerEnabled,
	}, logger)
	syncExec := resilience.NewExecutorWithLogger(resilience.Config{
		RetryMaxAttempts:    cfg.SyncMaxAttempts,
		RetryInitialBackoff: cfg.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		RetryJitter:         0.2,
	}, logger).WithRetryObserver(a.SyncMetrics.RecordRetry)

	var source ports.SourceReader
	switch cfg.StoreBackend {
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.DeadLetters = postgres.NewDeadLetterRepository(db)
		a.Decisions = postgres.NewDecisionLog(db)
		source = postgres.NewSourceReader(db, 0)
	case "memory":
		a.DeadLetters = memstore.NewDeadLetterStore()
		a.Decisions = memstore.NewDecisionLog()
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	var (
		ledger   ports.ApplyLedger
		sessions ports.SessionStore
	)
	switch cfg.SessionBackend {
	case "redis":
		client := redis.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := redis.Ping(ctx, client); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		ledger = redis.NewLedger(client, redis.LedgerOptions{})
		sessions = redis.NewSessionStore(client, cfg.SessionTTL)
	case "memory":
		ledger = memstore.NewLedger()
		sessions = memstore.NewSessionStore()
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}

	var queue ports.SyncQueue
	switch cfg.SyncQueueBackend {
	case "nats":
		q, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			Stream:             cfg.NATSStream,
			AckWait:            2 * cfg.SyncTaskTimeout,
			ResilienceExecutor: backendExec,
			Logger:             logger,
			ErrorObserver:      a.SyncMetrics.RecordQueueError,
		})
		if err != nil {
			return fmt.Errorf("init sync queue: %w", err)
		}
		a.closers = append(a.closers, q.Close)
		queue = q
	case "memory":
		queue = memory.NewQueue(cfg.SyncQueueCapacity, logger)
	default:
		return fmt.Errorf("unknown SYNC_QUEUE_BACKEND %q", cfg.SyncQueueBackend)
	}

	lexical, err := a.lexicalBackend(backendExec)
	if err != nil {
		return err
	}
	vectors, err := a.vectorBackend(backendExec)
	if err != nil {
		return err
	}

	ollamaClient := ollama.NewWithExecutor(cfg.OllamaURL, cfg.OllamaGenModel, cfg.EmbeddingModel, backendExec)
	var embedder ports.Embedder
	switch cfg.EmbeddingBackend {
	case "ollama":
		embedder = ollama.NewEmbedder(ollamaClient, cfg.EmbeddingDimensions)
	case "hashing":
		embedder = hashing.New(cfg.EmbeddingDimensions)
	default:
		return fmt.Errorf("unknown EMBEDDING_BACKEND %q", cfg.EmbeddingBackend)
	}

	var encoder ports.CrossEncoder
	if cfg.RerankerURL != "" {
		encoder = crossencoder.New(cfg.RerankerURL, crossencoder.Options{
			Model:              cfg.RerankerModel,
			ResilienceExecutor: backendExec,
		})
	}
	var synthesizer ports.Synthesizer
	if cfg.SynthesisEnabled {
		synthesizer = ollama.NewSynthesizer(ollamaClient)
	}

	policySet := usecase.DefaultPolicySet()
	if cfg.PolicyFile != "" {
		policySet, err = policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
	}
	gate, err := usecase.NewPolicyGate(policySet)
	if err != nil {
		return fmt.Errorf("init policy gate: %w", err)
	}

	sinks := []ports.IndexSink{
		lexical,
		usecase.NewEmbeddingSink(cfg.VectorBackend, embedder, vectors),
	}
	a.Sync = usecase.NewSynchronizer(
		queue,
		sinks,
		ledger,
		a.DeadLetters,
		resilience.NewRetrier(syncExec, nil),
		usecase.SyncConfig{
			Workers:            cfg.SyncWorkers,
			AdmissionTimeout:   cfg.SyncAdmissionTimeout,
			TaskTimeout:        cfg.SyncTaskTimeout,
			RebuildConcurrency: cfg.RebuildConcurrency,
		},
		a.SyncMetrics,
		logger,
	)
	a.Hook = usecase.NewIndexSyncHook(a.Sync, logger)

	a.Maintenance = usecase.NewIndexMaintenanceUseCase([]usecase.NamedAdmin{
		{Name: cfg.LexicalBackend, Admin: lexical},
		{Name: cfg.VectorBackend, Admin: vectors},
	}, a.Sync, source, logger)

	a.Query = usecase.NewQueryUseCase(
		lexical,
		vectors,
		embedder,
		encoder,
		usecase.QueryConfig{
			LexicalTimeout:  cfg.LexicalTimeout,
			SemanticTimeout: cfg.SemanticTimeout,
			Weights:         domain.FusionWeights{Lexical: cfg.FusionLexicalWeight, Semantic: cfg.FusionSemanticWeight},
			RerankWindow:    cfg.RerankWindow,
			CandidatePool:   cfg.CandidatePool,
		},
		a.HTTPMetrics,
		logger,
	)
	a.Suggest = usecase.NewSuggestUseCase(
		a.Query,
		gate,
		a.Decisions,
		sessions,
		synthesizer,
		usecase.SuggestConfig{
			TopK:             cfg.SuggestionTopK,
			GateWindow:       cfg.SuggestGateWindow,
			SynthesisTimeout: cfg.SynthesisTimeout,
		},
		a.HTTPMetrics,
		logger,
	)
	return nil
}

func (a *App) lexicalBackend(exec *resilience.Executor) (lexicalBackend, error) {
	switch a.Config.LexicalBackend {
	case "meilisearch":
		return meilisearch.New(a.Config.MeilisearchURL, a.Config.MeilisearchMasterKey, meilisearch.Options{
			ResilienceExecutor: exec,
		}), nil
	case "bleve":
		index, err := bleve.New(a.Config.BleveDir)
		if err != nil {
			return nil, fmt.Errorf("open bleve index: %w", err)
		}
		a.closers = append(a.closers, func() { _ = index.Close() })
		return index, nil
	default:
		return nil, fmt.Errorf("unknown LEXICAL_BACKEND %q", a.Config.LexicalBackend)
	}
}

func (a *App) vectorBackend(exec *resilience.Executor) (vectorBackend, error) {
	switch a.Config.VectorBackend {
	case "qdrant":
		return qdrant.New(a.Config.QdrantURL, a.Config.QdrantCollection, qdrant.Options{
			VectorSize:         a.Config.EmbeddingDimensions,
			ResilienceExecutor: exec,
		}), nil
	case "sqlite":
		store, err := sqlite.Open(a.Config.SQLiteVectorDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite vectors: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown VECTOR_BACKEND %q", a.Config.VectorBackend)
	}
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
