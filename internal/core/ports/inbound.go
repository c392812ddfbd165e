package ports

import (
	"context"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// SearchService is the inbound contract for caller-facing search.
type SearchService interface {
	SearchLexical(ctx context.Context, query domain.LexicalQuery) (domain.LexicalResult, error)
	SearchHybrid(ctx context.Context, query domain.HybridQuery) (domain.HybridResult, error)
}

// SuggestService is the agent-facing gated retrieval contract.
type SuggestService interface {
	Suggest(ctx context.Context, req domain.SuggestRequest) (*domain.SuggestResponse, error)
	Session(ctx context.Context, id string) (*domain.SuggestSession, error)
}

// IndexMaintenance covers index lifecycle operations.
type IndexMaintenance interface {
	InitIndexes(ctx context.Context) error
	Health(ctx context.Context) error
	RebuildAll(ctx context.Context) (domain.RebuildReport, error)
}

// SyncHook is called by the CRUD service after a committed write.
type SyncHook interface {
	RecordCommitted(ctx context.Context, record domain.SourceRecord)
	RecordDeleted(ctx context.Context, kind domain.Kind, id string, version int64)
}
