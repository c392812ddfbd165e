package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

type DeadLetterStore struct {
	mu      sync.Mutex
	letters map[string]domain.DeadLetter
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{letters: make(map[string]domain.DeadLetter)}
}

func (s *DeadLetterStore) Record(_ context.Context, letter domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters[letter.ID] = letter
	return nil
}

// List returns letters newest first.
func (s *DeadLetterStore) List(_ context.Context, limit int, includeReplayed bool) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeadLetter, 0, len(s.letters))
	for _, letter := range s.letters {
		if letter.ReplayedAt != nil && !includeReplayed {
			continue
		}
		out = append(out, letter)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DeadLetterStore) Get(_ context.Context, id string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get dead letter", fmt.Errorf("dead letter %s", id))
	}
	return &letter, nil
}

func (s *DeadLetterStore) MarkReplayed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "mark dead letter replayed", fmt.Errorf("dead letter %s", id))
	}
	letter.ReplayedAt = &at
	s.letters[id] = letter
	return nil
}
