package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
)

const (
	defaultPollTimeout = 5 * time.Second
	defaultConcurrency = 1
)

// Executor runs a named job through the reliability envelope.
type Executor interface {
	Execute(ctx context.Context, jobName string) (*model.RunOutcome, error)
}

// WorkerOptions configures a worker pool.
type WorkerOptions struct {
	Queue    *Queue
	Executor Executor
	Logger   *slog.Logger

	// Concurrency is the number of worker goroutines; defaults to 1.
	Concurrency int
	// PollTimeout bounds each blocking dequeue; defaults to 5s.
	PollTimeout time.Duration
}

// Worker drains the queue and executes each task through the guard.
// Tasks are acked after execution regardless of outcome: the guard has
// already logged the run and fed the breaker, and the next scheduled
// trigger retries naturally. Only a worker crash leaves a task in the
// processing list for Reclaim.
type Worker struct {
	queue    *Queue
	executor Executor
	logger   *slog.Logger
	workers  int
	poll     time.Duration
}

// NewWorker creates a Worker from options.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Queue == nil {
		return nil, errors.New("workqueue: queue is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("workqueue: executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = defaultConcurrency
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	return &Worker{
		queue:    opts.Queue,
		executor: opts.Executor,
		logger:   logger,
		workers:  workers,
		poll:     poll,
	}, nil
}

// Run reclaims orphaned tasks, then processes the queue until the
// context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	reclaimed, err := w.queue.Reclaim(ctx)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		w.logger.InfoContext(ctx, "requeued orphaned tasks", "count", reclaimed)
	}

	w.logger.InfoContext(ctx, "starting queue workers", "workers", w.workers)
	group, gctx := errgroup.WithContext(ctx)
	for range w.workers {
		group.Go(func() error { return w.runLoop(gctx) })
	}
	return group.Wait()
}

func (w *Worker) runLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		task, token, err := w.queue.Dequeue(ctx, w.poll)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.ErrorContext(ctx, "dequeue failed", "error", err)
			continue
		}
		if task == nil {
			continue
		}
		w.processTask(ctx, task, token)
	}
	return ctx.Err()
}

func (w *Worker) processTask(ctx context.Context, task *Task, token string) {
	outcome, err := w.executor.Execute(ctx, task.JobName)
	switch {
	case err != nil:
		w.logger.ErrorContext(ctx, "queued run could not execute", "job", task.JobName, "error", err)
	case outcome.Skipped:
		w.logger.InfoContext(ctx, "queued run skipped", "job", task.JobName, "reason", outcome.Reason)
	case outcome.Err != nil:
		w.logger.WarnContext(ctx, "queued run failed",
			"job", task.JobName, "run_id", outcome.RunID, "error", outcome.Err)
	default:
		w.logger.InfoContext(ctx, "queued run completed", "job", task.JobName, "run_id", outcome.RunID)
	}

	ackCtx := context.WithoutCancel(ctx)
	if ackErr := w.queue.Ack(ackCtx, token); ackErr != nil {
		w.logger.ErrorContext(ctx, "failed to ack task", "job", task.JobName, "error", ackErr)
	}
}
