package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockID int64 = 2026101501

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables owned by this service. The entries and
// solutions tables belong to the CRUD service and are only read.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS kedb_sync_dead_letters (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	op TEXT NOT NULL,
	task JSONB NOT NULL,
	last_error TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL,
	replayed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_kedb_dead_letters_failed_at ON kedb_sync_dead_letters(failed_at DESC);

CREATE TABLE IF NOT EXISTS kedb_policy_decisions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	outcome TEXT NOT NULL,
	rule TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	evaluated_context JSONB NOT NULL DEFAULT '{}'::jsonb,
	decided_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kedb_policy_decisions_session ON kedb_policy_decisions(session_id, decided_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
