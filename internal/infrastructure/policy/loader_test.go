package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

const samplePolicy = `
default: allow
rules:
  - name: drafts-hidden
    kinds: [entry]
    workflow_states: [draft]
    unless_scopes: ["kedb:drafts"]
    outcome: deny
    reason: entry is not published
  - name: viewer-root-cause
    roles: [viewer]
    severities: [critical]
    outcome: redact
    redact_fields: [root_cause]
`

func TestLoadFileParsesRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	set, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if set.Default != domain.OutcomeAllow {
		t.Fatalf("expected default allow, got %q", set.Default)
	}
	if len(set.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(set.Rules))
	}
	if set.Rules[0].UnlessScopes[0] != "kedb:drafts" || set.Rules[1].RedactFields[0] != "root_cause" {
		t.Fatalf("unexpected rules %+v", set.Rules)
	}
}

func TestParseDefaultsToDeny(t *testing.T) {
	set, err := Parse([]byte("rules: []\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if set.Default != domain.OutcomeDeny {
		t.Fatalf("expected deny default, got %q", set.Default)
	}
}

func TestParseRejectsUnknownKeysAndOutcomes(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "rules:\n  - name: a\n    outcome: allow\n    role: [admin]\n",
		"unknown outcome": "rules:\n  - name: a\n    outcome: maybe\n",
		"unknown kind":    "rules:\n  - name: a\n    kinds: [ticket]\n    outcome: deny\n",
		"duplicate name":  "rules:\n  - name: a\n    outcome: deny\n  - name: a\n    outcome: allow\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); !domain.IsKind(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
