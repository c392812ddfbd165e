package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
)

// Retrier runs fn with bounded exponential backoff; resilience.Retrier implements it.
type Retrier interface {
	Retry(ctx context.Context, operation string, fn func(context.Context) error) error
}

// SyncObserver receives synchronizer telemetry; metrics.SyncMetrics implements it.
type SyncObserver interface {
	StartTask()
	FinishTask(op, outcome string, duration time.Duration)
	ObserveQueueLag(lag time.Duration)
	RecordEnqueue(outcome string)
	RecordDeadLetter(kind string)
}

type SyncConfig struct {
	Workers            int
	AdmissionTimeout   time.Duration
	TaskTimeout        time.Duration
	RebuildConcurrency int
}

func (c SyncConfig) normalize() SyncConfig {
	out := c
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.AdmissionTimeout <= 0 {
		out.AdmissionTimeout = 250 * time.Millisecond
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 2 * time.Minute
	}
	if out.RebuildConcurrency <= 0 {
		out.RebuildConcurrency = 4
	}
	return out
}

const (
	outcomeApplied = "applied"
	outcomeStale   = "stale"
	outcomeFailed  = "dead_letter"
)

// Synchronizer keeps the search indexes eventually consistent with the
// system of record. Apply failures never reach the write path: they are
// retried and then dead-lettered.
type Synchronizer struct {
	queue       ports.SyncQueue
	sinks       []ports.IndexSink
	ledger      ports.ApplyLedger
	deadLetters ports.DeadLetterStore
	retrier     Retrier
	observer    SyncObserver
	logger      *slog.Logger
	cfg         SyncConfig
	now         func() time.Time
}

func NewSynchronizer(
	queue ports.SyncQueue,
	sinks []ports.IndexSink,
	ledger ports.ApplyLedger,
	deadLetters ports.DeadLetterStore,
	retrier Retrier,
	cfg SyncConfig,
	observer SyncObserver,
	logger *slog.Logger,
) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		queue:       queue,
		sinks:       sinks,
		ledger:      ledger,
		deadLetters: deadLetters,
		retrier:     retrier,
		observer:    observer,
		logger:      logger,
		cfg:         cfg.normalize(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue admits a task within the configured admission time. It never
// touches index I/O.
func (s *Synchronizer) Enqueue(ctx context.Context, task domain.SyncTask) error {
	task = s.prepare(task)
	if err := task.Validate(); err != nil {
		return err
	}

	admitCtx, cancel := context.WithTimeout(ctx, s.cfg.AdmissionTimeout)
	defer cancel()
	if err := s.queue.Enqueue(admitCtx, task); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.WrapError(domain.ErrQueueFull, "enqueue sync task", err)
		}
		return fmt.Errorf("enqueue sync task: %w", err)
	}
	s.recordEnqueue("accepted")
	return nil
}

// Drain consumes the queue with the configured worker count until ctx ends.
func (s *Synchronizer) Drain(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			return s.queue.Consume(gctx, s.HandleTask)
		})
	}
	return g.Wait()
}

// HandleTask applies one dequeued task with retries. Exhausted tasks are
// dead-lettered; the error is absorbed here.
func (s *Synchronizer) HandleTask(ctx context.Context, task domain.SyncTask) error {
	start := time.Now()
	if s.observer != nil {
		s.observer.StartTask()
		if !task.EnqueuedAt.IsZero() {
			s.observer.ObserveQueueLag(s.now().Sub(task.EnqueuedAt))
		}
	}

	outcome, err := s.applyWithRetry(ctx, "sync.apply", &task, false)
	if err != nil {
		outcome = outcomeFailed
		s.deadLetter(task, err)
	}
	if s.observer != nil {
		s.observer.FinishTask(string(task.Op), outcome, time.Since(start))
	}
	return nil
}

// RebuildAll re-projects every source record through the version-guarded
// apply path, then sweeps indexed documents the source no longer has.
func (s *Synchronizer) RebuildAll(ctx context.Context, source ports.SourceReader) (domain.RebuildReport, error) {
	started := s.now()
	var applied, skipped, failed atomic.Int64

	var seenMu sync.Mutex
	seen := map[domain.Kind]map[string]struct{}{
		domain.KindEntry:    {},
		domain.KindSolution: {},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RebuildConcurrency)
	iterErr := source.Each(gctx, func(record domain.SourceRecord) error {
		if err := record.Validate(); err != nil {
			s.logger.Warn("rebuild_skip_invalid_record", "id", record.ID, "error", err)
			skipped.Add(1)
			return nil
		}
		seenMu.Lock()
		seen[record.Kind][record.ID] = struct{}{}
		seenMu.Unlock()
		if record.Revision <= 0 {
			s.logger.Warn("rebuild_skip_unversioned_record", "id", record.ID, "kind", record.Kind)
			skipped.Add(1)
			return nil
		}

		g.Go(func() error {
			task := s.prepare(domain.SyncTask{
				EntityID: record.ID,
				Kind:     record.Kind,
				Op:       domain.SyncUpsert,
				Record:   &record,
			})
			outcome, err := s.applyWithRetry(gctx, "sync.rebuild", &task, true)
			switch {
			case err != nil:
				failed.Add(1)
				s.deadLetter(task, err)
			case outcome == outcomeStale:
				skipped.Add(1)
			default:
				applied.Add(1)
			}
			return nil
		})
		return nil
	})
	waitErr := g.Wait()

	report := domain.RebuildReport{
		Applied: int(applied.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	if err := errors.Join(iterErr, waitErr); err != nil {
		report.Duration = time.Since(started).String()
		return report, fmt.Errorf("rebuild iterate source: %w", err)
	}

	swept, err := s.sweep(ctx, seen, started)
	report.Swept = swept
	report.Duration = time.Since(started).String()
	if err != nil {
		return report, fmt.Errorf("rebuild sweep: %w", err)
	}

	s.logger.Info("rebuild_completed",
		"applied", report.Applied,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"swept", report.Swept,
		"duration", report.Duration,
	)
	return report, nil
}

// Replay re-enqueues a dead-lettered task with a fresh attempt budget.
func (s *Synchronizer) Replay(ctx context.Context, deadLetterID string) error {
	letter, err := s.deadLetters.Get(ctx, deadLetterID)
	if err != nil {
		return fmt.Errorf("load dead letter: %w", err)
	}
	task := letter.Task
	task.ID = ""
	task.Attempts = 0
	task.EnqueuedAt = time.Time{}
	if err := s.Enqueue(ctx, task); err != nil {
		return err
	}
	if err := s.deadLetters.MarkReplayed(ctx, deadLetterID, s.now()); err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	return nil
}

func (s *Synchronizer) applyWithRetry(ctx context.Context, operation string, task *domain.SyncTask, force bool) (string, error) {
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	if err := task.Validate(); err != nil {
		task.Attempts++
		return "", err
	}

	var outcome string
	err := s.retrier.Retry(taskCtx, operation, func(attemptCtx context.Context) error {
		task.Attempts++
		var applyErr error
		outcome, applyErr = s.apply(attemptCtx, *task, force)
		return applyErr
	})
	return outcome, err
}

// apply writes one task to every sink while holding the key's ledger lock.
// A version older than the newest applied one is a stale no-op; an equal
// version is skipped unless force is set. An unversioned delete is resolved
// here to one past the newest applied version and is never stale.
func (s *Synchronizer) apply(ctx context.Context, task domain.SyncTask, force bool) (string, error) {
	key := task.Key()
	unlock, err := s.ledger.Lock(ctx, key)
	if err != nil {
		return "", domain.WrapError(domain.ErrSyncApply, "lock "+key, err)
	}
	defer unlock()

	current, ok, err := s.ledger.Get(ctx, key)
	if err != nil {
		return "", domain.WrapError(domain.ErrSyncApply, "read ledger "+key, err)
	}
	if task.Op == domain.SyncDelete && task.Version == 0 {
		task.Version = current.Version + 1
	} else if ok && (task.Version < current.Version || (task.Version == current.Version && !force)) {
		return outcomeStale, nil
	}

	switch task.Op {
	case domain.SyncUpsert:
		doc := Project(*task.Record)
		for _, sink := range s.sinks {
			if err := sink.Upsert(ctx, doc); err != nil {
				return "", domain.WrapError(domain.ErrSyncApply, sink.Name()+" upsert "+key, err)
			}
		}
	case domain.SyncDelete:
		for _, sink := range s.sinks {
			if err := sink.Delete(ctx, task.Kind, task.EntityID); err != nil {
				return "", domain.WrapError(domain.ErrSyncApply, sink.Name()+" delete "+key, err)
			}
		}
	}

	entry := domain.AppliedVersion{
		Version:   task.Version,
		Deleted:   task.Op == domain.SyncDelete,
		AppliedAt: s.now(),
	}
	if err := s.ledger.Put(ctx, key, entry); err != nil {
		return "", domain.WrapError(domain.ErrSyncApply, "write ledger "+key, err)
	}
	return outcomeApplied, nil
}

// sweep removes indexed documents absent from the rebuild source, except
// those written by live traffic after the rebuild started.
func (s *Synchronizer) sweep(ctx context.Context, seen map[domain.Kind]map[string]struct{}, started time.Time) (int, error) {
	stale := make(map[string]domain.SyncTask)
	for _, sink := range s.sinks {
		for _, kind := range []domain.Kind{domain.KindEntry, domain.KindSolution} {
			ids, err := sink.ListIDs(ctx, kind)
			if err != nil {
				return 0, fmt.Errorf("list %s ids in %s: %w", kind, sink.Name(), err)
			}
			for _, id := range ids {
				if _, ok := seen[kind][id]; ok {
					continue
				}
				task := domain.SyncTask{EntityID: id, Kind: kind, Op: domain.SyncDelete}
				stale[task.Key()] = task
			}
		}
	}

	swept := 0
	for _, task := range stale {
		removed, err := s.sweepOne(ctx, task, started)
		if err != nil {
			return swept, err
		}
		if removed {
			swept++
		}
	}
	return swept, nil
}

func (s *Synchronizer) sweepOne(ctx context.Context, task domain.SyncTask, started time.Time) (bool, error) {
	key := task.Key()
	unlock, err := s.ledger.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	current, ok, err := s.ledger.Get(ctx, key)
	unlock()
	if err != nil {
		return false, err
	}
	if ok && !current.Deleted && !current.AppliedAt.Before(started) {
		return false, nil
	}

	if _, err := s.applyWithRetry(ctx, "sync.sweep", &task, true); err != nil {
		s.deadLetter(task, err)
		return false, nil
	}
	return true, nil
}

func (s *Synchronizer) prepare(task domain.SyncTask) domain.SyncTask {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = s.now()
	}
	if task.Record != nil {
		if task.EntityID == "" {
			task.EntityID = task.Record.ID
		}
		if task.Kind == "" {
			task.Kind = task.Record.Kind
		}
		if task.Version == 0 {
			task.Version = task.Record.Version()
		}
	}
	return task
}

func (s *Synchronizer) deadLetter(task domain.SyncTask, cause error) {
	letter := domain.DeadLetter{
		ID:        uuid.NewString(),
		Task:      task,
		LastError: cause.Error(),
		Attempts:  task.Attempts,
		FailedAt:  s.now(),
	}

	s.logger.Error("sync_task_dead_lettered",
		"task_id", task.ID,
		"entity_id", task.EntityID,
		"kind", task.Kind,
		"op", task.Op,
		"attempts", task.Attempts,
		"error", cause,
	)
	if s.observer != nil {
		s.observer.RecordDeadLetter(string(task.Kind))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deadLetters.Record(ctx, letter); err != nil {
		s.logger.Error("dead_letter_record_failed", "task_id", task.ID, "error", err)
	}
}

func (s *Synchronizer) recordEnqueue(outcome string) {
	if s.observer != nil {
		s.observer.RecordEnqueue(outcome)
	}
}
