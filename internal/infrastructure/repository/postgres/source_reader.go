package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

const defaultSourcePageSize = 500

const selectEntriesPage = `
SELECT e.id::text, e.revision, e.title, e.description, COALESCE(e.root_cause, ''), e.severity::text, e.workflow_state::text,
	e.created_by, e.created_at, e.updated_at,
	COALESCE((
		SELECT json_agg(s.description ORDER BY s.order_index)
		FROM entry_symptoms s
		WHERE s.entry_id = e.id
	), '[]'::json)
FROM entries e
WHERE e.id::text > $1
ORDER BY e.id::text
LIMIT $2
`

const selectSolutionsPage = `
SELECT s.id::text, s.revision, s.entry_id::text, s.title, s.description, s.solution_type::text,
	s.created_by, s.created_at, s.updated_at,
	COALESCE((
		SELECT json_agg(json_build_object(
			'order', st.order_index,
			'action', st.action,
			'expected_result', COALESCE(st.expected_result, '')
		) ORDER BY st.order_index)
		FROM solution_steps st
		WHERE st.solution_id = s.id
	), '[]'::json)
FROM solutions s
WHERE s.id::text > $1
ORDER BY s.id::text
LIMIT $2
`

// SourceReader walks the CRUD service's entries and solutions tables with
// keyset pagination so a rebuild never holds one long cursor open. The
// revision column is the same counter the CRUD hook sends, so rebuilt and
// live versions compare directly.
type SourceReader struct {
	db       *sql.DB
	pageSize int
}

func NewSourceReader(db *sql.DB, pageSize int) *SourceReader {
	if pageSize <= 0 {
		pageSize = defaultSourcePageSize
	}
	return &SourceReader{db: db, pageSize: pageSize}
}

func (r *SourceReader) Each(ctx context.Context, fn func(domain.SourceRecord) error) error {
	if err := r.eachPage(ctx, selectEntriesPage, scanEntry, fn); err != nil {
		return fmt.Errorf("read entries: %w", err)
	}
	if err := r.eachPage(ctx, selectSolutionsPage, scanSolution, fn); err != nil {
		return fmt.Errorf("read solutions: %w", err)
	}
	return nil
}

func (r *SourceReader) eachPage(
	ctx context.Context,
	query string,
	scan func(rowScanner) (domain.SourceRecord, error),
	fn func(domain.SourceRecord) error,
) error {
	after := ""
	for {
		page, err := r.page(ctx, query, after, scan)
		if err != nil {
			return err
		}
		for _, record := range page {
			if err := fn(record); err != nil {
				return err
			}
		}
		if len(page) < r.pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (r *SourceReader) page(ctx context.Context, query, after string, scan func(rowScanner) (domain.SourceRecord, error)) ([]domain.SourceRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, after, r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("query source page: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SourceRecord, 0, r.pageSize)
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source page: %w", err)
	}
	return out, nil
}

func scanEntry(row rowScanner) (domain.SourceRecord, error) {
	record := domain.SourceRecord{Kind: domain.KindEntry}
	var symptomsRaw []byte
	if err := row.Scan(
		&record.ID,
		&record.Revision,
		&record.Title,
		&record.Description,
		&record.RootCause,
		&record.Severity,
		&record.WorkflowState,
		&record.CreatedBy,
		&record.CreatedAt,
		&record.UpdatedAt,
		&symptomsRaw,
	); err != nil {
		return domain.SourceRecord{}, fmt.Errorf("scan entry: %w", err)
	}
	if err := json.Unmarshal(symptomsRaw, &record.Symptoms); err != nil {
		return domain.SourceRecord{}, fmt.Errorf("unmarshal symptoms for %s: %w", record.ID, err)
	}
	return record, nil
}

func scanSolution(row rowScanner) (domain.SourceRecord, error) {
	record := domain.SourceRecord{Kind: domain.KindSolution}
	var stepsRaw []byte
	if err := row.Scan(
		&record.ID,
		&record.Revision,
		&record.EntryID,
		&record.Title,
		&record.Description,
		&record.SolutionType,
		&record.CreatedBy,
		&record.CreatedAt,
		&record.UpdatedAt,
		&stepsRaw,
	); err != nil {
		return domain.SourceRecord{}, fmt.Errorf("scan solution: %w", err)
	}
	if err := json.Unmarshal(stepsRaw, &record.Steps); err != nil {
		return domain.SourceRecord{}, fmt.Errorf("unmarshal steps for %s: %w", record.ID, err)
	}
	return record, nil
}
