package ports

import (
	"context"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// LexicalRetriever runs typo-tolerant keyword queries against one kind's index.
type LexicalRetriever interface {
	Search(ctx context.Context, query domain.LexicalQuery) (domain.LexicalResult, error)
}

// SemanticRetriever runs nearest-neighbour queries over document embeddings.
type SemanticRetriever interface {
	Search(ctx context.Context, query domain.SemanticQuery) ([]domain.RetrievalHit, error)
}

// IndexSink is one write target of the synchronizer.
type IndexSink interface {
	Name() string
	Upsert(ctx context.Context, doc domain.IndexedDocument) error
	Delete(ctx context.Context, kind domain.Kind, id string) error
	ListIDs(ctx context.Context, kind domain.Kind) ([]string, error)
}

// IndexAdmin declares index settings and reports backend reachability.
type IndexAdmin interface {
	EnsureIndexes(ctx context.Context) error
	Health(ctx context.Context) error
}

// VectorIndex stores one embedding per (kind, id).
type VectorIndex interface {
	IndexAdmin
	UpsertVector(ctx context.Context, doc domain.IndexedDocument, vector []float32) error
	Delete(ctx context.Context, kind domain.Kind, id string) error
	ListIDs(ctx context.Context, kind domain.Kind) ([]string, error)
}

// Embedder builds vectors for documents and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// CrossEncoder scores (query, passage) pairs jointly; one score per passage.
type CrossEncoder interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Synthesizer turns citations into prose. It never sees gated-out content.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, citations []domain.Citation) (string, error)
}

// SyncQueue is the multi-producer/multi-consumer transport for sync tasks.
type SyncQueue interface {
	Enqueue(ctx context.Context, task domain.SyncTask) error
	Consume(ctx context.Context, handler func(context.Context, domain.SyncTask) error) error
}

// ApplyLedger serializes applies per key and remembers the newest version applied.
type ApplyLedger interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
	Get(ctx context.Context, key string) (domain.AppliedVersion, bool, error)
	Put(ctx context.Context, key string, applied domain.AppliedVersion) error
}

// DeadLetterStore keeps tasks that exhausted their retries.
type DeadLetterStore interface {
	Record(ctx context.Context, letter domain.DeadLetter) error
	List(ctx context.Context, limit int, includeReplayed bool) ([]domain.DeadLetter, error)
	Get(ctx context.Context, id string) (*domain.DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// SourceReader iterates the system of record for rebuilds.
type SourceReader interface {
	Each(ctx context.Context, fn func(domain.SourceRecord) error) error
}

// DecisionLog is the append-only policy audit trail.
type DecisionLog interface {
	Append(ctx context.Context, decisions []domain.PolicyDecision) error
}

// SessionStore persists suggest sessions.
type SessionStore interface {
	Save(ctx context.Context, session *domain.SuggestSession) error
	Get(ctx context.Context, id string) (*domain.SuggestSession, error)
}

// DecisionReader reads back the audit trail of one session.
type DecisionReader interface {
	BySession(ctx context.Context, sessionID string) ([]domain.PolicyDecision, error)
}
