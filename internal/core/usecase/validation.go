package usecase

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

const (
	MaxQueryLength = 500
	DefaultLimit   = 20
	MaxLimit       = 100
)

var filterEnums = map[string][]string{
	"severity":       domain.Severities,
	"workflow_state": domain.WorkflowStates,
	"solution_type":  domain.SolutionTypes,
}

// NormalizeLexicalQuery validates a search request and fills defaults.
func NormalizeLexicalQuery(q domain.LexicalQuery) (domain.LexicalQuery, error) {
	text, err := validateQueryText(q.Text)
	if err != nil {
		return q, err
	}
	q.Text = text

	if _, err := domain.ParseKind(string(q.Kind)); err != nil {
		return q, err
	}
	if q.Limit, err = normalizeLimit(q.Limit); err != nil {
		return q, err
	}
	if q.Offset < 0 {
		return q, domain.ValidationError("validate query", "offset must be >= 0")
	}
	if err := ValidateFilters(q.Kind, q.Filters); err != nil {
		return q, err
	}
	return q, nil
}

// NormalizeHybridQuery validates a hybrid request; filters must be valid for
// every requested kind.
func NormalizeHybridQuery(q domain.HybridQuery) (domain.HybridQuery, error) {
	text, err := validateQueryText(q.Text)
	if err != nil {
		return q, err
	}
	q.Text = text

	if len(q.Kinds) == 0 {
		q.Kinds = []domain.Kind{domain.KindEntry, domain.KindSolution}
	}
	for _, kind := range q.Kinds {
		if _, err := domain.ParseKind(string(kind)); err != nil {
			return q, err
		}
		if err := ValidateFilters(kind, q.Filters); err != nil {
			return q, err
		}
	}
	if q.Limit, err = normalizeLimit(q.Limit); err != nil {
		return q, err
	}
	if q.Offset < 0 {
		return q, domain.ValidationError("validate query", "offset must be >= 0")
	}
	if q.Weights != nil {
		if q.Weights.Lexical < 0 || q.Weights.Semantic < 0 || q.Weights.Lexical+q.Weights.Semantic == 0 {
			return q, domain.ValidationError("validate query", "fusion weights must be non-negative and not both zero")
		}
	}
	return q, nil
}

// ValidateFilters rejects keys outside the kind's filter vocabulary and
// values outside the enumerated domains.
func ValidateFilters(kind domain.Kind, filters domain.Filters) error {
	schema := domain.SchemaFor(kind)
	for _, key := range filters.Keys() {
		value := filters[key]
		if !schema.AllowsFilter(key) {
			return domain.ValidationError("validate filters", fmt.Sprintf("unknown filter %q for %s search", key, kind))
		}
		if strings.TrimSpace(value) == "" {
			return domain.ValidationError("validate filters", fmt.Sprintf("filter %q must not be empty", key))
		}
		if allowed, ok := filterEnums[key]; ok && !contains(allowed, value) {
			return domain.ValidationError("validate filters", fmt.Sprintf("filter %q must be one of %s", key, strings.Join(allowed, ", ")))
		}
		if key == "entry_id" {
			if _, err := uuid.Parse(value); err != nil {
				return domain.ValidationError("validate filters", "filter \"entry_id\" must be a UUID")
			}
		}
	}
	return nil
}

func validateQueryText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", domain.ValidationError("validate query", "query is required")
	}
	if utf8.RuneCountInString(text) > MaxQueryLength {
		return "", domain.ValidationError("validate query", fmt.Sprintf("query must be at most %d characters", MaxQueryLength))
	}
	return text, nil
}

func normalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 || limit > MaxLimit {
		return 0, domain.ValidationError("validate query", fmt.Sprintf("limit must be between 1 and %d", MaxLimit))
	}
	return limit, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
