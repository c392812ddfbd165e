package usecase

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

const snippetMaxRunes = 240

// DefaultPolicySet applies when no policy file is configured.
func DefaultPolicySet() domain.PolicySet {
	return domain.PolicySet{
		Rules: []domain.PolicyRule{
			{
				Name:    "admin-full-access",
				Roles:   []string{"admin"},
				Outcome: domain.OutcomeAllow,
			},
			{
				Name:           "unpublished-entries",
				Kinds:          []string{string(domain.KindEntry)},
				WorkflowStates: []string{"draft", "in_review"},
				UnlessScopes:   []string{"kedb:drafts"},
				UnlessOwner:    true,
				Outcome:        domain.OutcomeDeny,
				Reason:         "entry is not published",
			},
			{
				Name:         "critical-root-cause",
				Roles:        []string{"viewer"},
				Severities:   []string{"critical"},
				Outcome:      domain.OutcomeRedact,
				RedactFields: []string{"root_cause", "created_by"},
				Reason:       "critical root cause is restricted",
			},
		},
		Default: domain.OutcomeAllow,
	}
}

// PolicyGate decides allow, deny or redact for each candidate. Rules are
// evaluated in order and the first match wins.
type PolicyGate struct {
	policy domain.PolicySet
	now    func() time.Time
	newID  func() string
}

func NewPolicyGate(policy domain.PolicySet) (*PolicyGate, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &PolicyGate{
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}, nil
}

// Gate returns the visible candidates in their input order and exactly one
// decision per candidate.
func (g *PolicyGate) Gate(sessionID string, results []domain.FusedResult, principal domain.Principal) ([]domain.FusedResult, []domain.PolicyDecision) {
	visible := make([]domain.FusedResult, 0, len(results))
	decisions := make([]domain.PolicyDecision, 0, len(results))
	decidedAt := g.now()

	for _, result := range results {
		rule, outcome := g.evaluate(result, principal)

		decision := domain.PolicyDecision{
			ID:        g.newID(),
			SessionID: sessionID,
			EntityID:  result.ID,
			Kind:      result.Kind,
			Outcome:   outcome,
			Rule:      "default",
			Context:   evaluatedContext(result, principal),
			DecidedAt: decidedAt,
		}
		redactFields := g.policy.RedactFields
		if rule != nil {
			decision.Rule = rule.Name
			decision.Reason = rule.Reason
			if len(rule.RedactFields) > 0 {
				redactFields = rule.RedactFields
			}
		}
		decisions = append(decisions, decision)

		switch outcome {
		case domain.OutcomeAllow:
			visible = append(visible, result)
		case domain.OutcomeRedact:
			visible = append(visible, redact(result, redactFields))
		}
	}
	return visible, decisions
}

func (g *PolicyGate) evaluate(result domain.FusedResult, principal domain.Principal) (*domain.PolicyRule, domain.Outcome) {
	for i := range g.policy.Rules {
		rule := &g.policy.Rules[i]
		if ruleMatches(rule, result, principal) {
			return rule, rule.Outcome
		}
	}
	return nil, g.policy.Default
}

func ruleMatches(rule *domain.PolicyRule, result domain.FusedResult, principal domain.Principal) bool {
	if !matchAny(rule.Roles, principal.Role) ||
		!matchAny(rule.Kinds, string(result.Kind)) ||
		!matchAny(rule.WorkflowStates, result.Fields["workflow_state"]) ||
		!matchAny(rule.Severities, result.Fields["severity"]) ||
		!matchAny(rule.SolutionTypes, result.Fields["solution_type"]) {
		return false
	}
	for _, scope := range rule.UnlessScopes {
		if principal.HasScope(scope) {
			return false
		}
	}
	if rule.UnlessOwner && principal.Subject != "" && result.Fields["created_by"] == principal.Subject {
		return false
	}
	return true
}

// matchAny treats an empty list as a wildcard. A missing attribute never
// matches a non-empty list.
func matchAny(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	if value == "" {
		return false
	}
	return contains(allowed, value)
}

func redact(result domain.FusedResult, fields []string) domain.FusedResult {
	out := result
	out.Fields = make(map[string]string, len(result.Fields))
	for k, v := range result.Fields {
		out.Fields[k] = v
	}
	for _, field := range fields {
		if _, ok := out.Fields[field]; ok {
			out.Fields[field] = ""
		}
	}
	return out
}

func evaluatedContext(result domain.FusedResult, principal domain.Principal) map[string]string {
	ctx := map[string]string{
		"role": principal.Role,
		"kind": string(result.Kind),
	}
	if len(principal.Scopes) > 0 {
		ctx["scopes"] = strings.Join(principal.Scopes, ",")
	}
	for _, attr := range []string{"workflow_state", "severity", "solution_type"} {
		if v := result.Fields[attr]; v != "" {
			ctx[attr] = v
		}
	}
	return ctx
}

// BuildCitations converts gated results into citations, ranked from 1. A
// result counts as redacted when the gate decided redact for it.
func BuildCitations(visible []domain.FusedResult, decisions []domain.PolicyDecision) []domain.Citation {
	redacted := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		if d.Outcome == domain.OutcomeRedact {
			redacted[domain.DocumentKey(d.Kind, d.EntityID)] = true
		}
	}

	citations := make([]domain.Citation, 0, len(visible))
	for i, result := range visible {
		citation := domain.Citation{
			Rank:     i + 1,
			ID:       result.ID,
			Kind:     result.Kind,
			Title:    result.Fields["title"],
			Score:    result.Score(),
			Snippet:  snippet(result),
			Redacted: redacted[domain.DocumentKey(result.Kind, result.ID)],
		}
		switch result.Kind {
		case domain.KindEntry:
			citation.EntryID = result.ID
		case domain.KindSolution:
			citation.SolutionID = result.ID
			citation.EntryID = result.Fields["entry_id"]
		}
		citations = append(citations, citation)
	}
	return citations
}

// snippet is the first non-empty searchable field after the title, with
// whitespace collapsed and cut at a rune boundary.
func snippet(result domain.FusedResult) string {
	schema := domain.SchemaFor(result.Kind)
	text := ""
	for _, field := range schema.Searchable {
		if field == "title" {
			continue
		}
		if v := strings.TrimSpace(result.Fields[field]); v != "" {
			text = v
			break
		}
	}
	if text == "" {
		text = result.Fields["title"]
	}

	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetMaxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:snippetMaxRunes])) + "..."
}
