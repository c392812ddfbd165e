package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock, func() { _ = db.Close() }
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(schemaLockID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kedb_sync_dead_letters").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeadLetterGetReturnsDomainNotFound(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery("FROM kedb_sync_dead_letters").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := NewDeadLetterRepository(db).Get(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeadLetterListHidesReplayedByDefault(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	failedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "task", "last_error", "attempts", "failed_at", "replayed_at"}).
		AddRow("dl-1", []byte(`{"id":"t-1","entity_id":"e-1","kind":"entry","op":"delete","version":3}`), "sink down", 5, failedAt, nil)

	mock.ExpectQuery("WHERE replayed_at IS NULL").
		WithArgs(10).
		WillReturnRows(rows)

	letters, err := NewDeadLetterRepository(db).List(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	got := letters[0]
	if got.Task.EntityID != "e-1" || got.Task.Op != domain.SyncDelete || got.Attempts != 5 || got.ReplayedAt != nil {
		t.Fatalf("unexpected dead letter %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeadLetterMarkReplayedReturnsNotFoundWhenNoRows(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	mock.ExpectExec("UPDATE kedb_sync_dead_letters").
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewDeadLetterRepository(db).MarkReplayed(context.Background(), "missing", time.Now())
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDecisionLogAppendIsAtomic(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	decisions := []domain.PolicyDecision{
		{ID: "d-1", SessionID: "s-1", EntityID: "e-1", Kind: domain.KindEntry, Outcome: domain.OutcomeAllow, Rule: "default"},
		{ID: "d-2", SessionID: "s-1", EntityID: "e-2", Kind: domain.KindEntry, Outcome: domain.OutcomeDeny, Rule: "unpublished-entries"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO kedb_policy_decisions").
		WithArgs("d-1", "s-1", "e-1", "entry", "allow", "default", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO kedb_policy_decisions").
		WithArgs("d-2", "s-1", "e-2", "entry", "deny", "unpublished-entries", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := NewDecisionLog(db).Append(context.Background(), decisions); err == nil {
		t.Fatalf("expected append error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDecisionLogBySessionDecodesContext(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	rows := sqlmock.NewRows([]string{"id", "session_id", "entity_id", "kind", "outcome", "rule", "reason", "evaluated_context", "decided_at"}).
		AddRow("d-1", "s-1", "sol-1", "solution", "redact", "critical-root-cause", "restricted", []byte(`{"role":"viewer"}`), time.Now())
	mock.ExpectQuery("FROM kedb_policy_decisions").WithArgs("s-1").WillReturnRows(rows)

	decisions, err := NewDecisionLog(db).BySession(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("BySession() error = %v", err)
	}
	if len(decisions) != 1 || decisions[0].Outcome != domain.OutcomeRedact || decisions[0].Context["role"] != "viewer" {
		t.Fatalf("unexpected decisions %+v", decisions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSourceReaderPagesEntriesThenSolutions(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	now := time.Now().UTC()
	entryCols := []string{"id", "revision", "title", "description", "root_cause", "severity", "workflow_state", "created_by", "created_at", "updated_at", "symptoms"}
	solutionCols := []string{"id", "revision", "entry_id", "title", "description", "solution_type", "created_by", "created_at", "updated_at", "steps"}

	mock.ExpectQuery("FROM entries e").WithArgs("", 2).WillReturnRows(
		sqlmock.NewRows(entryCols).
			AddRow("e-1", int64(4), "DB timeout", "pool exhausted", "", "high", "published", "alice", now, now, []byte(`["slow queries"]`)).
			AddRow("e-2", int64(1), "Disk full", "no space", "logs", "critical", "draft", "bob", now, now, []byte(`[]`)),
	)
	mock.ExpectQuery("FROM entries e").WithArgs("e-2", 2).WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectQuery("FROM solutions s").WithArgs("", 2).WillReturnRows(
		sqlmock.NewRows(solutionCols).
			AddRow("s-1", int64(2), "e-1", "Raise pool", "increase size", "resolution", "alice", now, now,
				[]byte(`[{"order":1,"action":"edit config","expected_result":"ok"}]`)),
	)

	var records []domain.SourceRecord
	err := NewSourceReader(db, 2).Each(context.Background(), func(r domain.SourceRecord) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Each() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Kind != domain.KindEntry || len(records[0].Symptoms) != 1 || records[0].Symptoms[0] != "slow queries" {
		t.Fatalf("unexpected entry %+v", records[0])
	}
	if records[0].Version() != 4 || records[1].Version() != 1 {
		t.Fatalf("expected revision column as version, got %d and %d", records[0].Version(), records[1].Version())
	}
	sol := records[2]
	if sol.Kind != domain.KindSolution || sol.EntryID != "e-1" || len(sol.Steps) != 1 || sol.Steps[0].Action != "edit config" {
		t.Fatalf("unexpected solution %+v", sol)
	}
	if sol.Revision != 2 {
		t.Fatalf("expected solution revision 2, got %d", sol.Revision)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSourceReaderStopsOnCallbackError(t *testing.T) {
	db, mock, done := newMock(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectQuery("FROM entries e").WithArgs("", 10).WillReturnRows(
		sqlmock.NewRows([]string{"id", "revision", "title", "description", "root_cause", "severity", "workflow_state", "created_by", "created_at", "updated_at", "symptoms"}).
			AddRow("e-1", int64(1), "t", "d", "", "low", "published", "alice", now, now, []byte(`[]`)),
	)

	stop := errors.New("stop")
	err := NewSourceReader(db, 10).Each(context.Background(), func(domain.SourceRecord) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
