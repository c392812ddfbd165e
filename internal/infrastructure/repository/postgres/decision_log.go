package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// DecisionLog is the append-only policy audit trail. A batch is written in
// one transaction so a session never has a partial decision set.
type DecisionLog struct {
	db *sql.DB
}

func NewDecisionLog(db *sql.DB) *DecisionLog {
	return &DecisionLog{db: db}
}

func (l *DecisionLog) Append(ctx context.Context, decisions []domain.PolicyDecision) error {
	if len(decisions) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, d := range decisions {
		contextJSON, err := json.Marshal(d.Context)
		if err != nil {
			return fmt.Errorf("marshal evaluated context: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO kedb_policy_decisions (id, session_id, entity_id, kind, outcome, rule, reason, evaluated_context, decided_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, d.ID, d.SessionID, d.EntityID, string(d.Kind), string(d.Outcome), d.Rule, d.Reason, contextJSON, d.DecidedAt); err != nil {
			return fmt.Errorf("insert decision %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decision tx: %w", err)
	}
	return nil
}

func (l *DecisionLog) BySession(ctx context.Context, sessionID string) ([]domain.PolicyDecision, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, session_id, entity_id, kind, outcome, rule, reason, evaluated_context, decided_at
FROM kedb_policy_decisions
WHERE session_id = $1
ORDER BY decided_at, id
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PolicyDecision, 0)
	for rows.Next() {
		var (
			d             domain.PolicyDecision
			kind, outcome string
			contextRaw    []byte
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.EntityID, &kind, &outcome, &d.Rule, &d.Reason, &contextRaw, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Kind = domain.Kind(kind)
		d.Outcome = domain.Outcome(outcome)
		if len(contextRaw) > 0 {
			if err := json.Unmarshal(contextRaw, &d.Context); err != nil {
				return nil, fmt.Errorf("unmarshal evaluated context: %w", err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}
