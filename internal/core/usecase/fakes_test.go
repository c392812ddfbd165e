package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/resilience"
)

type lexicalFake struct {
	mu      sync.Mutex
	hits    map[domain.Kind][]domain.RetrievalHit
	err     error
	block   bool
	queries []domain.LexicalQuery
}

func (f *lexicalFake) Search(ctx context.Context, q domain.LexicalQuery) (domain.LexicalResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return domain.LexicalResult{}, ctx.Err()
	}
	if f.err != nil {
		return domain.LexicalResult{}, f.err
	}
	hits := f.hits[q.Kind]
	return domain.LexicalResult{Hits: hits, Total: len(hits)}, nil
}

type semanticFake struct {
	hits  []domain.RetrievalHit
	err   error
	block bool
	query domain.SemanticQuery
}

func (f *semanticFake) Search(ctx context.Context, q domain.SemanticQuery) ([]domain.RetrievalHit, error) {
	f.query = q
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type embedderFake struct {
	err error
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type encoderFake struct {
	scores []float64
	err    error
	calls  int
}

func (f *encoderFake) Score(_ context.Context, _ string, passages []string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.scores[:len(passages)], nil
}

// sinkFake records the newest document per key. Upserts fail while
// failures > 0, or forever when alwaysFail is set.
type sinkFake struct {
	name       string
	mu         sync.Mutex
	docs       map[string]domain.IndexedDocument
	upserts    int
	deletes    int
	failures   int
	alwaysFail bool
}

func newSinkFake(name string) *sinkFake {
	return &sinkFake{name: name, docs: make(map[string]domain.IndexedDocument)}
}

func (s *sinkFake) Name() string { return s.name }

func (s *sinkFake) Upsert(_ context.Context, doc domain.IndexedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alwaysFail {
		return errors.New("sink unreachable")
	}
	if s.failures > 0 {
		s.failures--
		return errors.New("sink hiccup")
	}
	s.upserts++
	s.docs[doc.Key()] = doc
	return nil
}

func (s *sinkFake) Delete(_ context.Context, kind domain.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alwaysFail {
		return errors.New("sink unreachable")
	}
	s.deletes++
	delete(s.docs, domain.DocumentKey(kind, id))
	return nil
}

func (s *sinkFake) ListIDs(_ context.Context, kind domain.Kind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for _, doc := range s.docs {
		if doc.Kind == kind {
			ids = append(ids, doc.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *sinkFake) doc(kind domain.Kind, id string) (domain.IndexedDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[domain.DocumentKey(kind, id)]
	return doc, ok
}

type sourceFake struct {
	records []domain.SourceRecord
	err     error
}

func (f *sourceFake) Each(_ context.Context, fn func(domain.SourceRecord) error) error {
	for _, record := range f.records {
		if err := fn(record); err != nil {
			return err
		}
	}
	return f.err
}

type decisionLogFake struct {
	mu        sync.Mutex
	decisions []domain.PolicyDecision
	err       error
}

func (f *decisionLogFake) Append(_ context.Context, decisions []domain.PolicyDecision) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, decisions...)
	return nil
}

type synthesizerFake struct {
	answer    string
	err       error
	citations []domain.Citation
}

func (f *synthesizerFake) Synthesize(_ context.Context, _ string, citations []domain.Citation) (string, error) {
	f.citations = citations
	return f.answer, f.err
}

func testRetrier(attempts int) *resilience.Retrier {
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
	return resilience.NewRetrier(exec, nil)
}

func hit(kind domain.Kind, id string, score float64, source domain.RetrievalSource, fields map[string]string) domain.RetrievalHit {
	return domain.RetrievalHit{ID: id, Kind: kind, Score: score, Source: source, Fields: fields}
}

func entryRecord(id string, revision int64, title string) domain.SourceRecord {
	return domain.SourceRecord{
		ID:            id,
		Kind:          domain.KindEntry,
		Revision:      revision,
		Title:         title,
		Description:   "connection pool exhausted under load",
		Severity:      "high",
		WorkflowState: "published",
		CreatedBy:     "alice",
		CreatedAt:     time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}
}
