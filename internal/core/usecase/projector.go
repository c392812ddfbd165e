package usecase

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// Project converts a source record into the flat document the indexes store.
// It performs no I/O and yields identical output for identical input.
func Project(record domain.SourceRecord) domain.IndexedDocument {
	doc := domain.IndexedDocument{
		ID:      record.ID,
		Kind:    record.Kind,
		Version: record.Version(),
	}

	createdAt := formatTimestamp(record.CreatedAt)
	switch record.Kind {
	case domain.KindSolution:
		doc.Searchable = map[string]string{
			"title":       clean(record.Title),
			"description": clean(record.Description),
			"steps_text":  joinSteps(record.Steps),
		}
		doc.Filterable = map[string]string{
			"solution_type": clean(record.SolutionType),
			"entry_id":      clean(record.EntryID),
		}
		doc.Sortable = map[string]string{
			"created_at": createdAt,
		}
	default:
		doc.Searchable = map[string]string{
			"title":       clean(record.Title),
			"description": clean(record.Description),
			"symptoms":    joinNonEmpty(record.Symptoms),
			"root_cause":  clean(record.RootCause),
		}
		doc.Filterable = map[string]string{
			"severity":       clean(record.Severity),
			"workflow_state": clean(record.WorkflowState),
			"created_by":     clean(record.CreatedBy),
		}
		doc.Sortable = map[string]string{
			"created_at": createdAt,
			"severity":   clean(record.Severity),
		}
	}
	return doc
}

// MarshalDocument is the canonical byte form of a projection.
func MarshalDocument(doc domain.IndexedDocument) []byte {
	// map keys are emitted sorted, so the encoding is stable.
	raw, _ := json.Marshal(doc)
	return raw
}

func joinSteps(steps []domain.SolutionStep) string {
	ordered := append([]domain.SolutionStep(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	parts := make([]string, 0, len(ordered))
	for _, step := range ordered {
		line := strings.TrimSpace(clean(step.Action) + " " + clean(step.ExpectedResult))
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

func joinNonEmpty(values []string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v = clean(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func clean(s string) string {
	return strings.TrimSpace(s)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
