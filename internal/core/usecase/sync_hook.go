package usecase

import (
	"context"
	"log/slog"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// IndexSyncHook is handed to the CRUD service. It only enqueues: a failed
// admission is logged, counted and dead-lettered, and the caller's write
// stands regardless.
type IndexSyncHook struct {
	sync   *Synchronizer
	logger *slog.Logger
}

func NewIndexSyncHook(sync *Synchronizer, logger *slog.Logger) *IndexSyncHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexSyncHook{sync: sync, logger: logger}
}

func (h *IndexSyncHook) RecordCommitted(ctx context.Context, record domain.SourceRecord) {
	h.submit(ctx, domain.SyncTask{
		EntityID: record.ID,
		Kind:     record.Kind,
		Op:       domain.SyncUpsert,
		Record:   &record,
	})
}

// RecordDeleted enqueues a delete. A zero version deletes whatever is
// indexed and supersedes it by one revision.
func (h *IndexSyncHook) RecordDeleted(ctx context.Context, kind domain.Kind, id string, version int64) {
	h.submit(ctx, domain.SyncTask{
		EntityID: id,
		Kind:     kind,
		Op:       domain.SyncDelete,
		Version:  version,
	})
}

func (h *IndexSyncHook) submit(ctx context.Context, task domain.SyncTask) {
	task = h.sync.prepare(task)
	err := h.sync.Enqueue(ctx, task)
	if err == nil {
		return
	}

	h.sync.recordEnqueue("rejected")
	h.logger.Error("sync_enqueue_failed",
		"task_id", task.ID,
		"entity_id", task.EntityID,
		"kind", task.Kind,
		"op", task.Op,
		"error", err,
	)
	if domain.IsKind(err, domain.ErrValidation) {
		return
	}
	h.sync.deadLetter(task, err)
}
