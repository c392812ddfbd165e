package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
)

// EmbeddingSink adapts a VectorIndex into an IndexSink by embedding each
// document's searchable text before writing it.
type EmbeddingSink struct {
	name     string
	embedder ports.Embedder
	index    ports.VectorIndex
}

func NewEmbeddingSink(name string, embedder ports.Embedder, index ports.VectorIndex) *EmbeddingSink {
	return &EmbeddingSink{name: name, embedder: embedder, index: index}
}

func (s *EmbeddingSink) Name() string {
	return s.name
}

// Upsert drops the vector of a document with no searchable text rather than
// embedding an empty string.
func (s *EmbeddingSink) Upsert(ctx context.Context, doc domain.IndexedDocument) error {
	text := doc.Text()
	if strings.TrimSpace(text) == "" {
		return s.index.Delete(ctx, doc.Kind, doc.ID)
	}

	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embed document: expected 1 vector, got %d", len(vectors))
	}
	return s.index.UpsertVector(ctx, doc, vectors[0])
}

func (s *EmbeddingSink) Delete(ctx context.Context, kind domain.Kind, id string) error {
	return s.index.Delete(ctx, kind, id)
}

func (s *EmbeddingSink) ListIDs(ctx context.Context, kind domain.Kind) ([]string, error) {
	return s.index.ListIDs(ctx, kind)
}
