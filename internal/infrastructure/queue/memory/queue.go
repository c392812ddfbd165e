package memory

import (
	"context"
	"log/slog"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

// Queue is a bounded in-process task channel for single-binary deployments
// and tests. Enqueue blocks only while the buffer is full.
type Queue struct {
	tasks  chan domain.SyncTask
	logger *slog.Logger
}

func NewQueue(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{tasks: make(chan domain.SyncTask, capacity), logger: logger}
}

func (q *Queue) Enqueue(ctx context.Context, task domain.SyncTask) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume handles tasks until ctx ends. Several consumers may share a queue.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, domain.SyncTask) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-q.tasks:
			if err := handler(ctx, task); err != nil {
				q.logger.Error("sync_task_handler_failed", "task_id", task.ID, "entity_id", task.EntityID, "error", err)
			}
		}
	}
}

// Len reports buffered tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}
