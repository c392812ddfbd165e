package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

type DeadLetterRepository struct {
	db *sql.DB
}

func NewDeadLetterRepository(db *sql.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Record(ctx context.Context, letter domain.DeadLetter) error {
	taskJSON, err := json.Marshal(letter.Task)
	if err != nil {
		return fmt.Errorf("marshal dead letter task: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO kedb_sync_dead_letters (id, task_id, entity_id, kind, op, task, last_error, attempts, failed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING
`, letter.ID, letter.Task.ID, letter.Task.EntityID, string(letter.Task.Kind), string(letter.Task.Op),
		taskJSON, letter.LastError, letter.Attempts, letter.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepository) List(ctx context.Context, limit int, includeReplayed bool) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, task, last_error, attempts, failed_at, replayed_at
FROM kedb_sync_dead_letters
`
	if !includeReplayed {
		query += "WHERE replayed_at IS NULL\n"
	}
	query += "ORDER BY failed_at DESC, id\nLIMIT $1"

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DeadLetter, 0)
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, task, last_error, attempts, failed_at, replayed_at
FROM kedb_sync_dead_letters
WHERE id = $1
`, id)

	letter, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get dead letter", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}
	return &letter, nil
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE kedb_sync_dead_letters
SET replayed_at = $2
WHERE id = $1
`, id, at)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark dead letter rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "mark dead letter replayed", fmt.Errorf("id=%s", id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (domain.DeadLetter, error) {
	var (
		letter   domain.DeadLetter
		taskRaw  []byte
		replayed sql.NullTime
	)
	if err := row.Scan(&letter.ID, &taskRaw, &letter.LastError, &letter.Attempts, &letter.FailedAt, &replayed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DeadLetter{}, err
		}
		return domain.DeadLetter{}, fmt.Errorf("scan dead letter: %w", err)
	}
	if err := json.Unmarshal(taskRaw, &letter.Task); err != nil {
		return domain.DeadLetter{}, fmt.Errorf("unmarshal dead letter task: %w", err)
	}
	if replayed.Valid {
		at := replayed.Time
		letter.ReplayedAt = &at
	}
	return letter, nil
}
