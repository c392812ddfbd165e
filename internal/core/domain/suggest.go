package domain

import "fmt"

type SuggestRequest struct {
	Query      string
	Principal  Principal
	Limit      int
	Synthesize bool
}

type SuggestResponse struct {
	SessionID         string           `json:"session_id"`
	Citations         []Citation       `json:"citations"`
	Degraded          bool             `json:"degraded"`
	DegradedReasons   []string         `json:"degraded_reasons,omitempty"`
	Decisions         []PolicyDecision `json:"decisions"`
	Answer            string           `json:"answer,omitempty"`
	SynthesisDegraded bool             `json:"synthesis_degraded,omitempty"`
}

// PolicyRule matches candidates by caller and sensitivity attributes. Empty
// match lists match everything.
type PolicyRule struct {
	Name           string   `yaml:"name" json:"name"`
	Roles          []string `yaml:"roles" json:"roles,omitempty"`
	Kinds          []string `yaml:"kinds" json:"kinds,omitempty"`
	WorkflowStates []string `yaml:"workflow_states" json:"workflow_states,omitempty"`
	Severities     []string `yaml:"severities" json:"severities,omitempty"`
	SolutionTypes  []string `yaml:"solution_types" json:"solution_types,omitempty"`
	UnlessScopes   []string `yaml:"unless_scopes" json:"unless_scopes,omitempty"`
	UnlessOwner    bool     `yaml:"unless_owner" json:"unless_owner,omitempty"`
	Outcome        Outcome  `yaml:"outcome" json:"outcome"`
	RedactFields   []string `yaml:"redact_fields" json:"redact_fields,omitempty"`
	Reason         string   `yaml:"reason" json:"reason,omitempty"`
}

type PolicySet struct {
	Rules        []PolicyRule `yaml:"rules" json:"rules"`
	Default      Outcome      `yaml:"default" json:"default"`
	RedactFields []string     `yaml:"redact_fields" json:"redact_fields,omitempty"`
}

func (o Outcome) Valid() bool {
	return o == OutcomeAllow || o == OutcomeDeny || o == OutcomeRedact
}

// Validate rejects rules without a name or with an unknown outcome. An empty
// default outcome is read as deny.
func (p *PolicySet) Validate() error {
	if p.Default == "" {
		p.Default = OutcomeDeny
	}
	if !p.Default.Valid() {
		return ValidationError("validate policy", fmt.Sprintf("unknown default outcome %q", p.Default))
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, rule := range p.Rules {
		if rule.Name == "" {
			return ValidationError("validate policy", fmt.Sprintf("rule %d has no name", i))
		}
		if _, dup := seen[rule.Name]; dup {
			return ValidationError("validate policy", fmt.Sprintf("duplicate rule %q", rule.Name))
		}
		seen[rule.Name] = struct{}{}
		if !rule.Outcome.Valid() {
			return ValidationError("validate policy", fmt.Sprintf("rule %q has unknown outcome %q", rule.Name, rule.Outcome))
		}
		for _, kind := range rule.Kinds {
			if _, err := ParseKind(kind); err != nil {
				return ValidationError("validate policy", fmt.Sprintf("rule %q: unknown kind %q", rule.Name, kind))
			}
		}
	}
	return nil
}
