// Package reaper provides the run-log maintenance loop: failing
// abandoned running rows and pruning old finalized rows.
package reaper

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/aurelia-ai/pipeline/config"
	"github.com/aurelia-ai/pipeline/internal/observability/statsd"
)

// RunMaintenance is the subset of the run repository the reaper drives.
type RunMaintenance interface {
	FailStaleRunning(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	DeleteOldRuns(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Repo    RunMaintenance
	Config  config.ReaperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Runner periodically cleans up the job_runs table. Multiple instances
// are safe to run concurrently; the repository serializes each step
// with an advisory lock so overlapping ticks skip instead of contend.
type Runner struct {
	repo    RunMaintenance
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Repo == nil {
		return nil, errors.New("run maintenance repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger.With("component", "reaper"),
		metrics: opts.Metrics,
	}, nil
}

// Run starts the maintenance loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting run reaper",
		"interval", r.config.Interval,
		"running_max_age", r.config.RunningMaxAge,
		"retention_max_age", r.config.RetentionMaxAge)

	// Jitter the first tick so co-started instances spread out.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "run reaper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.runCleanup(ctx)
		}
	}
}

func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return
	}
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// runCleanup performs one maintenance pass. Errors are logged, not
// returned; the loop keeps running on transient failures.
func (r *Runner) runCleanup(ctx context.Context) {
	start := time.Now()

	failed, err := r.repo.FailStaleRunning(ctx, r.config.RunningMaxAge, r.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "failed to fail stale running rows", "error", err)
		}
	} else if failed > 0 {
		r.logger.InfoContext(ctx, "failed abandoned runs", "count", failed)
	}

	deleted, err := r.repo.DeleteOldRuns(ctx, r.config.RetentionMaxAge, r.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "failed to delete old runs", "error", err)
		}
	} else if deleted > 0 {
		r.logger.InfoContext(ctx, "deleted old runs", "count", deleted)
	}

	r.emitMetrics(failed, deleted, time.Since(start))
}

func (r *Runner) emitMetrics(failed, deleted int64, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.Count("reaper.runs_failed", failed, nil)
	r.metrics.Count("reaper.runs_deleted", deleted, nil)
	r.metrics.Timing("reaper.cleanup_duration", elapsed, nil)
}
