// Package guard wraps every pipeline job in the reliability envelope:
// circuit breaker admission, dependency gating, run logging, and timeout
// enforcement. Nothing executes a handler except through the guard.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aurelia-ai/pipeline/internal/data"
	"github.com/aurelia-ai/pipeline/internal/domain/breaker"
	"github.com/aurelia-ai/pipeline/internal/domain/depgraph"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
	"github.com/aurelia-ai/pipeline/internal/observability/metrics"
	"github.com/aurelia-ai/pipeline/internal/observability/notify"
	"github.com/aurelia-ai/pipeline/internal/observability/statsd"
)

// BreakerStore is the full breaker contract the guard drives: admission
// plus outcome recording.
type BreakerStore interface {
	breaker.Store
	RecordFailure(ctx context.Context, p data.RecordFailureParams) (model.BreakerState, bool, error)
	RecordSuccess(ctx context.Context, jobName string) error
}

// DepChecker evaluates dependency requirements for a job.
type DepChecker interface {
	Evaluate(ctx context.Context, jobName string) (depgraph.Result, error)
}

// RunLog records run lifecycle rows.
type RunLog interface {
	Start(ctx context.Context, jobName string) (*model.JobRun, error)
	Finish(ctx context.Context, req *model.FinishRunRequest) (*model.JobRun, error)
}

// Options groups the guard's collaborators.
type Options struct {
	Registry *Registry
	Breakers BreakerStore
	Deps     DepChecker
	Runs     RunLog
	Logger   *slog.Logger
	Metrics  statsd.Sink
	Notifier notify.Sink
	// Now may be nil for the system clock.
	Now func() time.Time
}

// Guard executes registered jobs through the reliability envelope.
type Guard struct {
	registry *Registry
	breakers BreakerStore
	gate     *breaker.Gate
	deps     DepChecker
	runs     RunLog
	logger   *slog.Logger
	metrics  statsd.Sink
	notifier notify.Sink
	now      func() time.Time
}

// New creates a Guard from options.
func New(opts Options) (*Guard, error) {
	if opts.Registry == nil {
		return nil, errors.New("guard: registry is required")
	}
	if opts.Breakers == nil {
		return nil, errors.New("guard: breaker store is required")
	}
	if opts.Deps == nil {
		return nil, errors.New("guard: dependency checker is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("guard: run log is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Guard{
		registry: opts.Registry,
		breakers: opts.Breakers,
		gate:     breaker.NewGate(opts.Breakers, now),
		deps:     opts.Deps,
		runs:     opts.Runs,
		logger:   logger,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		now:      now,
	}, nil
}

type handlerResult struct {
	summary json.RawMessage
	err     error
}

// Execute runs jobName through the full envelope and returns a
// structured outcome. A non-nil error means the guard itself could not
// operate (unknown job, store unavailable); handler failures are
// reported inside the outcome, not as the error.
func (g *Guard) Execute(ctx context.Context, jobName string) (*model.RunOutcome, error) {
	spec, ok := g.registry.Get(jobName)
	if !ok {
		return nil, apperrors.NotFoundf("unknown job %q", jobName)
	}

	decision, err := g.gate.Acquire(ctx, jobName, spec.BreakerCooldown)
	if err != nil {
		return nil, fmt.Errorf("breaker acquire for %s: %w", jobName, err)
	}
	if !decision.Allow {
		g.logger.WarnContext(ctx, "run skipped, circuit breaker open", "job", jobName)
		metrics.EmitRun(g.metrics, metrics.RunMetric{JobName: jobName, Outcome: metrics.OutcomeSkippedBreaker})
		return &model.RunOutcome{
			JobName: jobName,
			Skipped: true,
			Reason:  model.SkipReasonBreakerOpen,
		}, nil
	}
	if decision.Trial {
		g.logger.InfoContext(ctx, "half-open trial admitted", "job", jobName)
	}

	depRes, err := g.deps.Evaluate(ctx, jobName)
	if err != nil {
		return nil, fmt.Errorf("dependency check for %s: %w", jobName, err)
	}
	if !depRes.Satisfied {
		g.logger.WarnContext(ctx, "run skipped, dependencies not met",
			"job", jobName, "unsatisfied", len(depRes.Unsatisfied))
		metrics.EmitRun(g.metrics, metrics.RunMetric{JobName: jobName, Outcome: metrics.OutcomeSkippedDeps})
		return &model.RunOutcome{
			JobName:     jobName,
			Skipped:     true,
			Reason:      model.SkipReasonDependencyNotMet,
			Unsatisfied: depRes.Unsatisfied,
		}, nil
	}
	if depRes.StaleBypass {
		g.logger.WarnContext(ctx, "dependencies unmet but job is stale, bypassing",
			"job", jobName, "unsatisfied", len(depRes.Unsatisfied))
	}

	run, err := g.runs.Start(ctx, jobName)
	if err != nil {
		return nil, fmt.Errorf("start run for %s: %w", jobName, err)
	}
	g.logger.InfoContext(ctx, "run started", "job", jobName, "run_id", run.ID)

	started := g.now()
	summary, handlerErr, timedOut := g.runHandler(ctx, spec)
	duration := g.now().Sub(started)

	outcome := &model.RunOutcome{
		JobName:     jobName,
		RunID:       run.ID,
		Executed:    true,
		StaleBypass: depRes.StaleBypass,
		Summary:     summary,
		Duration:    duration,
		Err:         handlerErr,
		TimedOut:    timedOut,
	}

	// Bookkeeping must land even when the trigger's context died with the
	// handler.
	bgCtx := context.WithoutCancel(ctx)
	g.finalizeRun(bgCtx, run.ID, outcome)
	g.settleBreaker(bgCtx, spec, handlerErr)
	g.emitRunMetrics(outcome)
	return outcome, nil
}

// runHandler races the handler against the job deadline. A handler that
// overruns is abandoned to finish in the background; its context is
// canceled so in-flight store and database calls unwind.
func (g *Guard) runHandler(ctx context.Context, spec JobSpec) (json.RawMessage, error, bool) {
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	resCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- handlerResult{err: apperrors.Internalf("handler panic: %v", r)}
			}
		}()
		summary, err := spec.Handler(runCtx)
		resCh <- handlerResult{summary: summary, err: err}
	}()

	select {
	case res := <-resCh:
		return res.summary, res.err, false
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, apperrors.Timeout(fmt.Sprintf("run exceeded %s deadline", spec.Timeout)), true
		}
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCanceled, "run canceled"), false
	}
}

func (g *Guard) finalizeRun(ctx context.Context, runID string, outcome *model.RunOutcome) {
	req := &model.FinishRunRequest{
		RunID:         runID,
		Status:        model.RunStatusCompleted,
		ResultSummary: outcome.Summary,
		HTTPStatus:    http.StatusOK,
	}
	if outcome.Err != nil {
		req.Status = model.RunStatusFailed
		req.ErrorMessage = outcome.Err.Error()
		req.HTTPStatus = http.StatusInternalServerError
		req.ResultSummary = nil
	}

	if _, err := g.runs.Finish(ctx, req); err != nil {
		g.logger.ErrorContext(ctx, "failed to finalize run",
			"job", outcome.JobName, "run_id", runID, "error", err)
	}
}

func (g *Guard) settleBreaker(ctx context.Context, spec JobSpec, handlerErr error) {
	if handlerErr == nil {
		if err := g.breakers.RecordSuccess(ctx, spec.Name); err != nil {
			g.logger.ErrorContext(ctx, "failed to record breaker success", "job", spec.Name, "error", err)
		}
		return
	}

	state, justOpened, err := g.breakers.RecordFailure(ctx, data.RecordFailureParams{
		JobName:          spec.Name,
		FailureThreshold: spec.BreakerThreshold,
		Cooldown:         spec.BreakerCooldown,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to record breaker failure", "job", spec.Name, "error", err)
		return
	}
	if !justOpened {
		return
	}

	g.logger.ErrorContext(ctx, "circuit breaker opened",
		"job", spec.Name, "state", state, "cooldown", spec.BreakerCooldown)
	metrics.EmitBreakerOpened(g.metrics, spec.Name)
	if g.notifier != nil {
		payload := notify.AlertPayload{
			Kind:       notify.KindBreakerOpen,
			JobName:    spec.Name,
			Error:      handlerErr.Error(),
			Severity:   notify.SeverityCritical,
			OccurredAt: g.now(),
			Metadata: map[string]string{
				"cooldown": spec.BreakerCooldown.String(),
			},
		}
		if notifyErr := g.notifier.SendAlert(ctx, payload); notifyErr != nil {
			g.logger.ErrorContext(ctx, "failed to send breaker notification", "job", spec.Name, "error", notifyErr)
		}
	}
}

func (g *Guard) emitRunMetrics(outcome *model.RunOutcome) {
	m := metrics.RunMetric{
		JobName:     outcome.JobName,
		Outcome:     metrics.OutcomeCompleted,
		StaleBypass: outcome.StaleBypass,
		Duration:    outcome.Duration,
		Err:         outcome.Err,
	}
	switch {
	case outcome.TimedOut:
		m.Outcome = metrics.OutcomeTimeout
	case outcome.Err != nil:
		m.Outcome = metrics.OutcomeFailed
	}
	metrics.EmitRun(g.metrics, m)
}
