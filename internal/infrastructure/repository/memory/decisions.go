package memory

import (
	"context"
	"sync"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// DecisionLog is an append-only in-memory audit trail.
type DecisionLog struct {
	mu        sync.Mutex
	decisions []domain.PolicyDecision
}

func NewDecisionLog() *DecisionLog {
	return &DecisionLog{}
}

func (l *DecisionLog) Append(_ context.Context, decisions []domain.PolicyDecision) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions = append(l.decisions, decisions...)
	return nil
}

// BySession returns a copy of the decisions recorded for one session.
func (l *DecisionLog) BySession(_ context.Context, sessionID string) ([]domain.PolicyDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.PolicyDecision, 0)
	for _, d := range l.decisions {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out, nil
}
