package domain

import (
	"fmt"
	"time"
)

type SessionState string

const (
	SessionReceived  SessionState = "received"
	SessionRetrieved SessionState = "retrieved"
	SessionFiltered  SessionState = "filtered"
	SessionGated     SessionState = "gated"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

var sessionTransitions = map[SessionState]SessionState{
	SessionReceived:  SessionRetrieved,
	SessionRetrieved: SessionFiltered,
	SessionFiltered:  SessionGated,
	SessionGated:     SessionCompleted,
}

func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type StateTransition struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
	At   time.Time    `json:"at"`
}

// SuggestSession records one agent-facing suggest call from receipt to completion.
type SuggestSession struct {
	ID              string            `json:"id"`
	Principal       Principal         `json:"principal"`
	Query           string            `json:"query"`
	State           SessionState      `json:"state"`
	Transitions     []StateTransition `json:"transitions"`
	Citations       []Citation        `json:"citations,omitempty"`
	DecisionIDs     []string          `json:"decision_ids,omitempty"`
	Degraded        bool              `json:"degraded"`
	DegradedReasons []string          `json:"degraded_reasons,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func NewSuggestSession(id string, principal Principal, query string, now time.Time) *SuggestSession {
	return &SuggestSession{
		ID:        id,
		Principal: principal,
		Query:     query,
		State:     SessionReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the session one step along the happy path. Skipping a step
// or leaving a terminal state is rejected.
func (s *SuggestSession) Advance(to SessionState, now time.Time) error {
	next, ok := sessionTransitions[s.State]
	if !ok || next != to {
		return WrapError(ErrInvalidTransition, "advance session", fmt.Errorf("%s -> %s", s.State, to))
	}
	s.transition(to, now)
	return nil
}

// Fail moves any non-terminal session to failed.
func (s *SuggestSession) Fail(reason string, now time.Time) error {
	if s.State.Terminal() {
		return WrapError(ErrInvalidTransition, "fail session", fmt.Errorf("%s is terminal", s.State))
	}
	s.FailureReason = reason
	s.transition(SessionFailed, now)
	return nil
}

// AttachCitations binds citations once, while the session is gated.
func (s *SuggestSession) AttachCitations(citations []Citation) error {
	if s.State != SessionGated {
		return WrapError(ErrInvalidTransition, "attach citations", fmt.Errorf("state %s", s.State))
	}
	if s.Citations != nil {
		return WrapError(ErrInvalidTransition, "attach citations", fmt.Errorf("citations already attached"))
	}
	s.Citations = append([]Citation{}, citations...)
	return nil
}

func (s *SuggestSession) transition(to SessionState, now time.Time) {
	s.Transitions = append(s.Transitions, StateTransition{From: s.State, To: to, At: now})
	s.State = to
	s.UpdatedAt = now
}
