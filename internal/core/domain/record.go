package domain

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindEntry    Kind = "entry"
	KindSolution Kind = "solution"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindEntry, KindSolution:
		return Kind(raw), nil
	default:
		return "", ValidationError("parse kind", fmt.Sprintf("unknown kind %q", raw))
	}
}

// IndexName is the lexical index holding documents of this kind.
func (k Kind) IndexName() string {
	switch k {
	case KindSolution:
		return "solutions"
	default:
		return "entries"
	}
}

var (
	Severities     = []string{"critical", "high", "medium", "low", "info"}
	WorkflowStates = []string{"draft", "in_review", "published", "retired", "merged"}
	SolutionTypes  = []string{"workaround", "resolution"}
)

type SolutionStep struct {
	Order          int    `json:"order"`
	Action         string `json:"action"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

// SourceRecord is an entry or solution row as committed by the system of record.
type SourceRecord struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Revision int64  `json:"revision"`

	Title       string `json:"title"`
	Description string `json:"description"`

	// entry fields
	Symptoms      []string `json:"symptoms,omitempty"`
	RootCause     string   `json:"root_cause,omitempty"`
	Severity      string   `json:"severity,omitempty"`
	WorkflowState string   `json:"workflow_state,omitempty"`

	// solution fields
	Steps        []SolutionStep `json:"steps,omitempty"`
	SolutionType string         `json:"solution_type,omitempty"`
	EntryID      string         `json:"entry_id,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is the staleness marker carried into the index. It is always the
// source revision, so live hooks and rebuilds compare on the same scale.
func (r SourceRecord) Version() int64 {
	return r.Revision
}

func (r SourceRecord) Validate() error {
	if r.ID == "" {
		return ValidationError("validate record", "record id is required")
	}
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	return nil
}
