package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
	queuememory "github.com/kirillkom/kedb-retrieval/internal/infrastructure/queue/memory"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/repository/memory"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/resilience"
)

type syncHarness struct {
	sync        *Synchronizer
	sink        *sinkFake
	ledger      *memory.Ledger
	deadLetters *memory.DeadLetterStore
	queue       *queuememory.Queue
}

func newSyncHarness(t *testing.T, queueCapacity, attempts int) *syncHarness {
	t.Helper()
	h := &syncHarness{
		sink:        newSinkFake("lexical"),
		ledger:      memory.NewLedger(),
		deadLetters: memory.NewDeadLetterStore(),
		queue:       queuememory.NewQueue(queueCapacity, nil),
	}
	h.sync = NewSynchronizer(
		h.queue,
		[]ports.IndexSink{h.sink},
		h.ledger,
		h.deadLetters,
		testRetrier(attempts),
		SyncConfig{AdmissionTimeout: 20 * time.Millisecond, TaskTimeout: time.Second},
		nil,
		nil,
	)
	return h
}

func upsertTask(record domain.SourceRecord) domain.SyncTask {
	return domain.SyncTask{Op: domain.SyncUpsert, Record: &record}
}

func (h *syncHarness) handle(t *testing.T, task domain.SyncTask) {
	t.Helper()
	if err := h.sync.HandleTask(context.Background(), h.sync.prepare(task)); err != nil {
		t.Fatalf("HandleTask() error = %v", err)
	}
}

func TestHandleTaskAppliesUpsertAndRecordsVersion(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.handle(t, upsertTask(entryRecord("e-1", 3, "DB timeout")))

	doc, ok := h.sink.doc(domain.KindEntry, "e-1")
	if !ok {
		t.Fatalf("expected document in sink")
	}
	if doc.Version != 3 || doc.Searchable["title"] != "DB timeout" {
		t.Fatalf("unexpected document %+v", doc)
	}
	applied, ok, _ := h.ledger.Get(context.Background(), "entry:e-1")
	if !ok || applied.Version != 3 || applied.Deleted {
		t.Fatalf("unexpected ledger entry %+v ok=%v", applied, ok)
	}
}

func TestHandleTaskReapplyOfSameVersionIsNoop(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	record := entryRecord("e-1", 3, "DB timeout")
	h.handle(t, upsertTask(record))
	h.handle(t, upsertTask(record))

	if h.sink.upserts != 1 {
		t.Fatalf("expected 1 sink upsert, got %d", h.sink.upserts)
	}
}

func TestHandleTaskIgnoresOlderVersion(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.handle(t, upsertTask(entryRecord("e-1", 2, "rev2")))
	h.handle(t, upsertTask(entryRecord("e-1", 1, "rev1")))

	doc, _ := h.sink.doc(domain.KindEntry, "e-1")
	if doc.Version != 2 || doc.Searchable["title"] != "rev2" {
		t.Fatalf("expected rev2 to survive, got %+v", doc)
	}
}

func TestHandleTaskDeleteOfAbsentDocumentSucceeds(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.handle(t, domain.SyncTask{Op: domain.SyncDelete, Kind: domain.KindSolution, EntityID: "missing"})

	if h.sink.deletes != 1 {
		t.Fatalf("expected delete to reach sink, got %d", h.sink.deletes)
	}
	letters, _ := h.deadLetters.List(context.Background(), 10, true)
	if len(letters) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(letters))
	}
	applied, ok, _ := h.ledger.Get(context.Background(), "solution:missing")
	if !ok || !applied.Deleted || applied.Version != 1 {
		t.Fatalf("expected tombstone at version 1, got %+v ok=%v", applied, ok)
	}
}

func TestHandleTaskUnversionedDeleteSupersedesAppliedRevision(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.handle(t, upsertTask(entryRecord("e-1", 4, "rev4")))
	h.handle(t, domain.SyncTask{Op: domain.SyncDelete, Kind: domain.KindEntry, EntityID: "e-1"})

	applied, _, _ := h.ledger.Get(context.Background(), "entry:e-1")
	if !applied.Deleted || applied.Version != 5 {
		t.Fatalf("expected tombstone at version 5, got %+v", applied)
	}

	h.handle(t, upsertTask(entryRecord("e-1", 4, "late rev4")))
	h.handle(t, upsertTask(entryRecord("e-1", 5, "late rev5")))
	if _, ok := h.sink.doc(domain.KindEntry, "e-1"); ok {
		t.Fatalf("expected revisions up to the tombstone to stay deleted")
	}

	h.handle(t, upsertTask(entryRecord("e-1", 6, "rev6")))
	doc, ok := h.sink.doc(domain.KindEntry, "e-1")
	if !ok || doc.Version != 6 || doc.Searchable["title"] != "rev6" {
		t.Fatalf("expected newer revision after delete to be indexed, got %+v ok=%v", doc, ok)
	}
}

func TestHandleTaskUnversionedDeleteIsNeverStale(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.handle(t, domain.SyncTask{Op: domain.SyncDelete, Kind: domain.KindEntry, EntityID: "e-1"})
	h.handle(t, domain.SyncTask{Op: domain.SyncDelete, Kind: domain.KindEntry, EntityID: "e-1"})

	if h.sink.deletes != 2 {
		t.Fatalf("expected both deletes to reach the sink, got %d", h.sink.deletes)
	}
	applied, _, _ := h.ledger.Get(context.Background(), "entry:e-1")
	if applied.Version != 2 {
		t.Fatalf("expected version 2 after two unversioned deletes, got %d", applied.Version)
	}
}

func TestConcurrentRevisionsConvergeOnNewest(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newSyncHarness(t, 4, 3)
		rev1 := h.sync.prepare(upsertTask(entryRecord("e-1", 1, "rev1")))
		rev2 := h.sync.prepare(upsertTask(entryRecord("e-1", 2, "rev2")))

		var wg sync.WaitGroup
		for _, task := range []domain.SyncTask{rev2, rev1} {
			wg.Add(1)
			go func(task domain.SyncTask) {
				defer wg.Done()
				_ = h.sync.HandleTask(context.Background(), task)
			}(task)
		}
		wg.Wait()

		doc, ok := h.sink.doc(domain.KindEntry, "e-1")
		if !ok || doc.Version != 2 {
			t.Fatalf("run %d: expected rev2 in index, got %+v ok=%v", i, doc, ok)
		}
	}
}

func TestHandleTaskRetriesTransientFailure(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.sink.failures = 2
	h.handle(t, upsertTask(entryRecord("e-1", 1, "DB timeout")))

	if _, ok := h.sink.doc(domain.KindEntry, "e-1"); !ok {
		t.Fatalf("expected document after retries")
	}
	letters, _ := h.deadLetters.List(context.Background(), 10, true)
	if len(letters) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(letters))
	}
}

func TestHandleTaskDeadLettersAfterRetryBudget(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.sink.alwaysFail = true
	h.handle(t, upsertTask(entryRecord("e-1", 1, "DB timeout")))

	letters, _ := h.deadLetters.List(context.Background(), 10, true)
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	letter := letters[0]
	if letter.Attempts != 3 || letter.Task.EntityID != "e-1" || letter.LastError == "" {
		t.Fatalf("unexpected dead letter %+v", letter)
	}
	if _, ok, _ := h.ledger.Get(context.Background(), "entry:e-1"); ok {
		t.Fatalf("failed apply must not advance the ledger")
	}
}

func TestHandleTaskUsesFullBudgetWhileBackendKeepsFailing(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.sync.retrier = resilience.NewRetrier(resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:        3,
		RetryInitialBackoff:     time.Millisecond,
		RetryMaxBackoff:         time.Millisecond,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	}), nil)
	h.sink.alwaysFail = true

	for i := 0; i < 12; i++ {
		h.handle(t, upsertTask(entryRecord(fmt.Sprintf("e-%d", i), 1, "DB timeout")))
	}

	letters, _ := h.deadLetters.List(context.Background(), 20, true)
	if len(letters) != 12 {
		t.Fatalf("expected 12 dead letters, got %d", len(letters))
	}
	for _, letter := range letters {
		if letter.Attempts != 3 {
			t.Fatalf("expected every task to use 3 attempts, got %+v", letter)
		}
	}
}

func TestHookDoesNotTouchSinks(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.sink.alwaysFail = true
	hook := NewIndexSyncHook(h.sync, nil)

	hook.RecordCommitted(context.Background(), entryRecord("e-1", 1, "DB timeout"))
	hook.RecordDeleted(context.Background(), domain.KindEntry, "e-2", 0)

	if h.queue.Len() != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", h.queue.Len())
	}
	if h.sink.upserts != 0 || h.sink.deletes != 0 {
		t.Fatalf("expected no sink calls on the write path")
	}
}

func TestHookDeadLettersWhenQueueIsFull(t *testing.T) {
	h := newSyncHarness(t, 1, 3)
	hook := NewIndexSyncHook(h.sync, nil)
	if err := h.queue.Enqueue(context.Background(), domain.SyncTask{ID: "filler"}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	start := time.Now()
	hook.RecordCommitted(context.Background(), entryRecord("e-1", 1, "DB timeout"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected bounded admission, took %v", elapsed)
	}

	letters, _ := h.deadLetters.List(context.Background(), 10, true)
	if len(letters) != 1 || letters[0].Task.EntityID != "e-1" {
		t.Fatalf("expected rejected task to be dead-lettered, got %+v", letters)
	}
}

func TestEnqueueRejectsInvalidTask(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	err := h.sync.Enqueue(context.Background(), domain.SyncTask{Op: domain.SyncDelete, Kind: "ticket", EntityID: "x"})
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	unversioned := entryRecord("e-1", 0, "DB timeout")
	unversioned.UpdatedAt = time.Now().UTC()
	err = h.sync.Enqueue(context.Background(), upsertTask(unversioned))
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for upsert without revision, got %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("expected nothing queued, got %d", h.queue.Len())
	}
}

func TestDrainConsumesUntilCancelled(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	if err := h.sync.Enqueue(context.Background(), upsertTask(entryRecord("e-1", 1, "DB timeout"))); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sync.Drain(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.sink.doc(domain.KindEntry, "e-1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task was not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestRebuildAllAppliesSourceAndSweepsOrphans(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.sink.docs["entry:gone"] = domain.IndexedDocument{ID: "gone", Kind: domain.KindEntry, Version: 1}

	source := &sourceFake{records: []domain.SourceRecord{
		entryRecord("e-1", 1, "DB timeout"),
		{ID: "s-1", Kind: domain.KindSolution, Revision: 1, Title: "Raise pool size", EntryID: "e-1"},
		{ID: "", Kind: domain.KindEntry},
	}}
	report, err := h.sync.RebuildAll(context.Background(), source)
	if err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	if report.Applied != 2 || report.Skipped != 1 || report.Swept != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, ok := h.sink.doc(domain.KindEntry, "gone"); ok {
		t.Fatalf("expected orphan to be swept")
	}
	if _, ok := h.sink.doc(domain.KindSolution, "s-1"); !ok {
		t.Fatalf("expected solution to be indexed")
	}
}

func TestRebuildAllReappliesCurrentVersion(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	record := entryRecord("e-1", 4, "DB timeout")
	h.handle(t, upsertTask(record))

	report, err := h.sync.RebuildAll(context.Background(), &sourceFake{records: []domain.SourceRecord{record}})
	if err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	if report.Applied != 1 || h.sink.upserts != 2 {
		t.Fatalf("expected forced re-apply, got report %+v upserts %d", report, h.sink.upserts)
	}
}

func TestRebuildThenLiveUpsertWithHigherRevisionIsApplied(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.handle(t, upsertTask(entryRecord("e-1", 2, "rev2")))

	stored := entryRecord("e-1", 2, "rev2")
	stored.UpdatedAt = time.Date(2026, 9, 3, 12, 0, 0, 0, time.UTC)
	report, err := h.sync.RebuildAll(context.Background(), &sourceFake{records: []domain.SourceRecord{stored}})
	if err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	if report.Applied != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	applied, _, _ := h.ledger.Get(context.Background(), "entry:e-1")
	if applied.Version != 2 {
		t.Fatalf("expected rebuild to record revision 2, got %d", applied.Version)
	}

	h.handle(t, upsertTask(entryRecord("e-1", 3, "rev3")))
	doc, _ := h.sink.doc(domain.KindEntry, "e-1")
	if doc.Version != 3 || doc.Searchable["title"] != "rev3" {
		t.Fatalf("expected live rev3 after rebuild, got %+v", doc)
	}
}

func TestRebuildSkipsUnversionedRecords(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	unversioned := entryRecord("e-1", 0, "DB timeout")
	unversioned.UpdatedAt = time.Now().UTC()

	report, err := h.sync.RebuildAll(context.Background(), &sourceFake{records: []domain.SourceRecord{unversioned}})
	if err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	if report.Skipped != 1 || report.Applied != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, ok := h.sink.doc(domain.KindEntry, "e-1"); ok {
		t.Fatalf("expected unversioned record to stay out of the index")
	}
}

func TestRebuildSweepKeepsLiveWrites(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	h.sink.docs["entry:fresh"] = domain.IndexedDocument{ID: "fresh", Kind: domain.KindEntry, Version: 5}
	_ = h.ledger.Put(context.Background(), "entry:fresh", domain.AppliedVersion{
		Version:   5,
		AppliedAt: time.Now().UTC().Add(time.Hour),
	})

	report, err := h.sync.RebuildAll(context.Background(), &sourceFake{})
	if err != nil {
		t.Fatalf("RebuildAll() error = %v", err)
	}
	if report.Swept != 0 {
		t.Fatalf("expected live write to survive sweep, got %+v", report)
	}
	if _, ok := h.sink.doc(domain.KindEntry, "fresh"); !ok {
		t.Fatalf("expected fresh document to remain")
	}
}

func TestReplayReenqueuesDeadLetter(t *testing.T) {
	h := newSyncHarness(t, 4, 3)
	record := entryRecord("e-1", 1, "DB timeout")
	letter := domain.DeadLetter{
		ID:       "dl-1",
		Task:     h.sync.prepare(upsertTask(record)),
		Attempts: 3,
		FailedAt: time.Now().UTC(),
	}
	letter.Task.Attempts = 3
	if err := h.deadLetters.Record(context.Background(), letter); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if err := h.sync.Replay(context.Background(), "dl-1"); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if h.queue.Len() != 1 {
		t.Fatalf("expected replayed task in queue, got %d", h.queue.Len())
	}
	stored, _ := h.deadLetters.Get(context.Background(), "dl-1")
	if stored.ReplayedAt == nil {
		t.Fatalf("expected dead letter to be marked replayed")
	}

	if err := h.sync.Replay(context.Background(), "missing"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown dead letter, got %v", err)
	}
}
