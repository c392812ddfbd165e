package domain

import (
	"sort"
	"strings"
)

// IndexSchema enumerates the attribute sets a kind exposes to the index.
type IndexSchema struct {
	Searchable []string
	Filterable []string
	Sortable   []string
}

var (
	EntrySchema = IndexSchema{
		Searchable: []string{"title", "description", "symptoms", "root_cause"},
		Filterable: []string{"severity", "workflow_state", "created_by"},
		Sortable:   []string{"created_at", "severity"},
	}
	SolutionSchema = IndexSchema{
		Searchable: []string{"title", "description", "steps_text"},
		Filterable: []string{"solution_type", "entry_id"},
		Sortable:   []string{"created_at"},
	}
)

func SchemaFor(kind Kind) IndexSchema {
	if kind == KindSolution {
		return SolutionSchema
	}
	return EntrySchema
}

// AllowsFilter reports whether key belongs to the kind's filter vocabulary.
func (s IndexSchema) AllowsFilter(key string) bool {
	for _, f := range s.Filterable {
		if f == key {
			return true
		}
	}
	return false
}

// IndexedDocument is the flat projection of a SourceRecord held by the indexes.
type IndexedDocument struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Version    int64             `json:"version"`
	Searchable map[string]string `json:"searchable"`
	Filterable map[string]string `json:"filterable"`
	Sortable   map[string]string `json:"sortable"`
}

func (d IndexedDocument) Key() string {
	return DocumentKey(d.Kind, d.ID)
}

func DocumentKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// Fields merges every attribute into one flat map, the shape stored by
// document-oriented backends.
func (d IndexedDocument) Fields() map[string]string {
	out := make(map[string]string, len(d.Searchable)+len(d.Filterable)+len(d.Sortable))
	for k, v := range d.Sortable {
		out[k] = v
	}
	for k, v := range d.Filterable {
		out[k] = v
	}
	for k, v := range d.Searchable {
		out[k] = v
	}
	return out
}

// Text joins searchable fields in schema order; it is what gets embedded.
func (d IndexedDocument) Text() string {
	schema := SchemaFor(d.Kind)
	parts := make([]string, 0, len(schema.Searchable))
	for _, field := range schema.Searchable {
		if v := strings.TrimSpace(d.Searchable[field]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// Filters is an exact-match conjunction over filterable attributes.
type Filters map[string]string

// Keys returns filter keys in ascending order.
func (f Filters) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Matches reports whether every filter equals the corresponding attribute.
func (f Filters) Matches(attrs map[string]string) bool {
	for k, v := range f {
		if attrs[k] != v {
			return false
		}
	}
	return true
}
