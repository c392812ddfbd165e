package domain

import "time"

type Principal struct {
	Subject string   `json:"subject"`
	Role    string   `json:"role"`
	Scopes  []string `json:"scopes,omitempty"`
}

func AnonymousPrincipal() Principal {
	return Principal{Subject: "anonymous", Role: "viewer"}
}

func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type Outcome string

const (
	OutcomeAllow  Outcome = "allow"
	OutcomeDeny   Outcome = "deny"
	OutcomeRedact Outcome = "redact"
)

// PolicyDecision is an append-only audit record for one gated candidate.
type PolicyDecision struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	EntityID  string            `json:"entity_id"`
	Kind      Kind              `json:"kind"`
	Outcome   Outcome           `json:"outcome"`
	Rule      string            `json:"rule"`
	Reason    string            `json:"reason,omitempty"`
	Context   map[string]string `json:"evaluated_context,omitempty"`
	DecidedAt time.Time         `json:"decided_at"`
}

// Citation binds a visible result to the session that produced it.
type Citation struct {
	Rank       int     `json:"rank"`
	ID         string  `json:"id"`
	Kind       Kind    `json:"kind"`
	EntryID    string  `json:"entry_id,omitempty"`
	SolutionID string  `json:"solution_id,omitempty"`
	Title      string  `json:"title,omitempty"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
	Redacted   bool    `json:"redacted,omitempty"`
}
