package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/infrastructure/resilience"
)

const (
	durableConsumer = "sync-workers"
	defaultStream   = "KEDB_SYNC"
)

// Queue carries sync tasks as JSON through a JetStream work-queue stream.
// Publishes are acknowledged by the server and deduplicated on task ID; one
// durable consumer shared by every worker takes each task, and a task is
// only removed once a worker acks it.
type Queue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	subject  string
	stream   string
	ackWait  time.Duration
	maxDeliv int
	executor *resilience.Executor
	logger   *slog.Logger
	onError  func(kind string)

	mu     sync.Mutex
	handle jetstream.Stream
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	Stream               string
	AckWait              time.Duration
	MaxDeliver           int
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
	// ErrorObserver is told about asynchronous connection errors, e.g.
	// "slow_consumer".
	ErrorObserver func(kind string)
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		subject:  subject,
		stream:   options.Stream,
		ackWait:  options.AckWait,
		maxDeliv: options.MaxDeliver,
		executor: options.ResilienceExecutor,
		logger:   logger,
		onError:  options.ErrorObserver,
	}
	if q.stream == "" {
		q.stream = defaultStream
	}
	if q.ackWait <= 0 {
		q.ackWait = 5 * time.Minute
	}
	if q.maxDeliv <= 0 {
		q.maxDeliv = 5
	}

	conn, err := nats.Connect(
		url,
		nats.Name("kedb-retrieval"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			q.asyncError(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	q.conn = conn
	q.js = js
	return q, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Enqueue returns once the stream has persisted the task. A republished task
// ID inside the stream's duplicate window is dropped by the server.
func (q *Queue) Enqueue(ctx context.Context, task domain.SyncTask) error {
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}

	call := func(callCtx context.Context) error {
		if _, err := q.ensureStream(callCtx); err != nil {
			return err
		}
		if _, err := q.js.Publish(callCtx, q.subject, payload, jetstream.WithMsgID(task.ID)); err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return resilience.WrapTemporary("nats publish", err, transient)
	}
	return nil
}

// Consume blocks until ctx ends, then drains the consumer so in-flight tasks
// finish and get acked.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, domain.SyncTask) error) error {
	stream, err := q.ensureStream(ctx)
	if err != nil {
		return err
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableConsumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    q.maxDeliv,
		FilterSubject: q.subject,
	})
	if err != nil {
		return fmt.Errorf("jetstream consumer %s: %w", durableConsumer, err)
	}

	consumeCtx, err := consumer.Consume(
		func(msg jetstream.Msg) { q.handleMessage(ctx, msg, handler) },
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			q.logger.Warn("jetstream_consume_error", "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("jetstream consume: %w", err)
	}

	<-ctx.Done()
	consumeCtx.Drain()
	select {
	case <-consumeCtx.Closed():
	case <-time.After(5 * time.Second):
		consumeCtx.Stop()
	}
	return nil
}

// Health reports the connection state for readiness checks.
func (q *Queue) Health(_ context.Context) error {
	if q.conn == nil || !q.conn.IsConnected() {
		return domain.WrapError(domain.ErrTemporary, "nats health", nats.ErrDisconnected)
	}
	return nil
}

// ackable is the part of jetstream.Msg the worker needs.
type ackable interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// handleMessage acks a handled task, naks one the handler failed or that
// arrived during shutdown so it is redelivered, and terminates a payload
// that can never decode.
func (q *Queue) handleMessage(ctx context.Context, msg ackable, handler func(context.Context, domain.SyncTask) error) {
	if ctx.Err() != nil {
		q.settle(msg.Nak, "nak", "")
		return
	}

	task, err := decodeTask(msg.Data())
	if err != nil {
		q.logger.Error("sync_task_decode_failed", "error", err, "bytes", len(msg.Data()))
		q.settle(msg.Term, "term", "")
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := handler(handlerCtx, task); err != nil {
		q.logger.Error("sync_task_handler_failed", "task_id", task.ID, "entity_id", task.EntityID, "error", err)
		q.settle(msg.Nak, "nak", task.ID)
		return
	}
	q.settle(msg.Ack, "ack", task.ID)
}

func (q *Queue) settle(fn func() error, action, taskID string) {
	if err := fn(); err != nil {
		q.logger.Warn("jetstream_settle_failed", "action", action, "task_id", taskID, "error", err)
	}
}

// asyncError logs errors the client reports outside any call. A slow
// consumer means the server dropped messages for this connection.
func (q *Queue) asyncError(err error) {
	kind := "async"
	if errors.Is(err, nats.ErrSlowConsumer) {
		kind = "slow_consumer"
	}
	q.logger.Error("nats_async_error", "kind", kind, "error", err)
	if q.onError != nil {
		q.onError(kind)
	}
}

func (q *Queue) ensureStream(ctx context.Context) (jetstream.Stream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handle != nil {
		return q.handle, nil
	}
	stream, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       q.stream,
		Subjects:   []string{q.subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream stream %s: %w", q.stream, err)
	}
	q.handle = stream
	return stream, nil
}

func encodeTask(task domain.SyncTask) ([]byte, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal sync task: %w", err)
	}
	return payload, nil
}

func decodeTask(data []byte) (domain.SyncTask, error) {
	var task domain.SyncTask
	if err := json.Unmarshal(data, &task); err != nil {
		return domain.SyncTask{}, fmt.Errorf("unmarshal sync task: %w", err)
	}
	return task, nil
}
