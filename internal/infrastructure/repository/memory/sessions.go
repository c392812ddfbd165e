package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// SessionStore keeps suggest sessions as JSON snapshots so callers never
// share mutable state with the store.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string][]byte)}
}

func (s *SessionStore) Save(_ context.Context, session *domain.SuggestSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	s.mu.Lock()
	s.sessions[session.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (*domain.SuggestSession, error) {
	s.mu.RLock()
	raw, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get session", fmt.Errorf("session %s", id))
	}
	var session domain.SuggestSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// All returns every stored session, oldest first.
func (s *SessionStore) All() []*domain.SuggestSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.SuggestSession, 0, len(s.sessions))
	for _, raw := range s.sessions {
		var session domain.SuggestSession
		if err := json.Unmarshal(raw, &session); err != nil {
			continue
		}
		out = append(out, &session)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
