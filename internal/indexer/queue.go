package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const submitRetryInterval = 50 * time.Millisecond

// Job asks a worker to ingest one stored document.
type Job struct {
	DocumentID int64
}

// Runner ingests a stored document.
type Runner interface {
	IngestStored(ctx context.Context, documentID int64) error
}

// Queue runs ingestion jobs on a fixed pool of workers. Jobs run with a context detached from
// whoever submitted them; the document status records the outcome.
type Queue struct {
	runner  Runner
	workers int
	jobs    chan Job
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	pending atomic.Int64
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets a logger for job outcomes.
func WithQueueLogger(l *zap.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a queue with the given worker count and buffer size (both at least 1).
func NewQueue(runner Runner, workers, size int, opts ...QueueOption) *Queue {
	q := &Queue{
		runner:  runner,
		workers: max(workers, 1),
		jobs:    make(chan Job, max(size, 1)),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = utils.OrNop(q.logger)
	return q
}

// Start launches the workers. Only values from ctx are kept; cancelling it does not stop jobs.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	g, gctx := errgroup.WithContext(base)
	for worker := range q.workers {
		g.Go(func() error {
			q.work(gctx, worker)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(q.done)
	}()
	q.logger.Info("ingestion queue started", zap.Int("workers", q.workers), zap.Int("buffer", cap(q.jobs)))
}

func (q *Queue) work(ctx context.Context, worker int) {
	for job := range q.jobs {
		q.run(ctx, worker, job)
		q.pending.Add(-1)
	}
}

func (q *Queue) run(ctx context.Context, worker int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("ingestion panicked", zap.Int("worker", worker), zap.Int64("document_id", job.DocumentID), zap.Any("panic", r))
		}
	}()
	if err := q.runner.IngestStored(ctx, job.DocumentID); err != nil {
		q.logger.Warn("ingestion job failed", zap.Int("worker", worker), zap.Int64("document_id", job.DocumentID), zap.Error(err))
		return
	}
	q.logger.Debug("ingestion job done", zap.Int("worker", worker), zap.Int64("document_id", job.DocumentID))
}

// Submit enqueues a job without blocking.
func (q *Queue) Submit(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return models.ErrQueueClosed
	}
	q.pending.Add(1)
	select {
	case q.jobs <- job:
		return nil
	default:
		q.pending.Add(-1)
		return fmt.Errorf("%w: %d jobs waiting", models.ErrQueueFull, cap(q.jobs))
	}
}

// submitWait enqueues a job, retrying while the buffer is full until ctx is done.
func (q *Queue) submitWait(ctx context.Context, job Job) error {
	ticker := time.NewTicker(submitRetryInterval)
	defer ticker.Stop()
	for {
		err := q.Submit(job)
		if !errors.Is(err, models.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending returns the number of queued or running jobs.
func (q *Queue) Pending() int64 { return q.pending.Load() }

// Recover requeues documents left pending or processing by a previous run.
func (q *Queue) Recover(ctx context.Context, st storage.Storage) (int, error) {
	reset, err := st.ResetProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset processing documents: %w", err)
	}
	docs, err := st.ListDocumentsByStatus(ctx, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending documents: %w", err)
	}
	n := 0
	for _, doc := range docs {
		if err := q.submitWait(ctx, Job{DocumentID: doc.ID}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		q.logger.Info("requeued unfinished documents", zap.Int("count", n), zap.Int64("interrupted", reset))
	}
	return n, nil
}

// Shutdown stops accepting jobs and waits for queued jobs to finish. When ctx ends first the
// running jobs are cancelled and ctx's error is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		q.logger.Warn("ingestion queue shutdown timed out", zap.Int64("pending", q.Pending()))
		return ctx.Err()
	}
}
