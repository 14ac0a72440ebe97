package guard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/pipeline/internal/data"
	"github.com/aurelia-ai/pipeline/internal/domain/breaker"
	"github.com/aurelia-ai/pipeline/internal/domain/depgraph"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
	"github.com/aurelia-ai/pipeline/internal/observability/notify"
	"github.com/aurelia-ai/pipeline/internal/testutil"
)

type stubBreakers struct {
	mu sync.Mutex

	breaker *model.CircuitBreaker

	claimResult bool
	claimCalls  int

	failState      model.BreakerState
	failJustOpened bool
	failureCalls   []data.RecordFailureParams
	successCalls   []string
}

func (s *stubBreakers) Get(_ context.Context, jobName string) (*model.CircuitBreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breaker != nil {
		return s.breaker, nil
	}
	return &model.CircuitBreaker{JobName: jobName, State: model.BreakerClosed}, nil
}

func (s *stubBreakers) ClaimTrial(_ context.Context, _ string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	return s.claimResult, nil
}

func (s *stubBreakers) RecordFailure(_ context.Context, p data.RecordFailureParams) (model.BreakerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCalls = append(s.failureCalls, p)
	return s.failState, s.failJustOpened, nil
}

func (s *stubBreakers) RecordSuccess(_ context.Context, jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successCalls = append(s.successCalls, jobName)
	return nil
}

type stubDeps struct {
	result depgraph.Result
	err    error
}

func (s *stubDeps) Evaluate(context.Context, string) (depgraph.Result, error) {
	return s.result, s.err
}

type stubRuns struct {
	mu sync.Mutex

	startErr    error
	started     []string
	finishCalls []*model.FinishRunRequest
}

func (s *stubRuns) Start(_ context.Context, jobName string) (*model.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.started = append(s.started, jobName)
	return &model.JobRun{
		ID:        "run-1",
		JobName:   jobName,
		Status:    model.RunStatusRunning,
		StartedAt: testutil.TestTime(),
	}, nil
}

func (s *stubRuns) Finish(_ context.Context, req *model.FinishRunRequest) (*model.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishCalls = append(s.finishCalls, req)
	return &model.JobRun{ID: req.RunID, Status: req.Status}, nil
}

type capturedAlerts struct {
	mu       sync.Mutex
	payloads []notify.AlertPayload
}

func (c *capturedAlerts) sink() notify.Sink {
	return notify.SinkFunc(func(_ context.Context, p notify.AlertPayload) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.payloads = append(c.payloads, p)
		return nil
	})
}

func newTestRegistry(t *testing.T, handler Handler, timeout time.Duration) *Registry {
	t.Helper()
	reg := NewRegistry()
	err := reg.Register(JobSpec{
		Name:             "bronze:message",
		Handler:          handler,
		Timeout:          timeout,
		BreakerThreshold: 3,
		BreakerCooldown:  10 * time.Minute,
	})
	require.NoError(t, err)
	return reg
}

func newTestGuard(t *testing.T, reg *Registry, breakers *stubBreakers, deps *stubDeps, runs *stubRuns, alerts *capturedAlerts) *Guard {
	t.Helper()
	opts := Options{
		Registry: reg,
		Breakers: breakers,
		Deps:     deps,
		Runs:     runs,
		Logger:   slog.New(slog.DiscardHandler),
	}
	if alerts != nil {
		opts.Notifier = alerts.sink()
	}
	g, err := New(opts)
	require.NoError(t, err)
	return g
}

func satisfiedDeps() *stubDeps {
	return &stubDeps{result: depgraph.Result{Satisfied: true}}
}

func TestGuardExecuteSuccess(t *testing.T) {
	summary := json.RawMessage(`{"rows_read": 12}`)
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		return summary, nil
	}, time.Second)
	breakers := &stubBreakers{}
	runs := &stubRuns{}
	g := newTestGuard(t, reg, breakers, satisfiedDeps(), runs, nil)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	assert.True(t, outcome.Executed)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, "run-1", outcome.RunID)
	assert.JSONEq(t, string(summary), string(outcome.Summary))
	require.NoError(t, outcome.Err)

	require.Len(t, runs.finishCalls, 1)
	finish := runs.finishCalls[0]
	assert.Equal(t, model.RunStatusCompleted, finish.Status)
	assert.Equal(t, http.StatusOK, finish.HTTPStatus)
	assert.JSONEq(t, string(summary), string(finish.ResultSummary))

	assert.Equal(t, []string{"bronze:message"}, breakers.successCalls)
	assert.Empty(t, breakers.failureCalls)
}

func TestGuardExecuteUnknownJob(t *testing.T) {
	reg := NewRegistry()
	g := newTestGuard(t, reg, &stubBreakers{}, satisfiedDeps(), &stubRuns{}, nil)

	outcome, err := g.Execute(context.Background(), "bronze:nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Nil(t, outcome)
}

func TestGuardExecuteSkipsOnOpenBreaker(t *testing.T) {
	cooldownUntil := testutil.TestTime().Add(time.Hour)
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not run with an open breaker")
		return nil, nil
	}, time.Second)
	breakers := &stubBreakers{breaker: &model.CircuitBreaker{
		JobName:       "bronze:message",
		State:         model.BreakerOpen,
		CooldownUntil: &cooldownUntil,
	}}
	runs := &stubRuns{}
	g := newTestGuard(t, reg, breakers, satisfiedDeps(), runs, nil)
	g.now = testutil.TestTime
	g.gate = breaker.NewGate(breakers, testutil.TestTime)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	assert.True(t, outcome.Skipped)
	assert.Equal(t, model.SkipReasonBreakerOpen, outcome.Reason)
	assert.Empty(t, outcome.RunID)
	assert.Empty(t, runs.started, "skipped runs must not log a JobRun row")
	assert.Empty(t, runs.finishCalls)
}

func TestGuardExecuteHalfOpenTrialRuns(t *testing.T) {
	cooldownUntil := testutil.TestTime().Add(-time.Minute)
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, time.Second)
	breakers := &stubBreakers{
		breaker: &model.CircuitBreaker{
			JobName:       "bronze:message",
			State:         model.BreakerOpen,
			CooldownUntil: &cooldownUntil,
		},
		claimResult: true,
	}
	runs := &stubRuns{}
	g := newTestGuard(t, reg, breakers, satisfiedDeps(), runs, nil)
	g.now = testutil.TestTime
	g.gate = breaker.NewGate(breakers, testutil.TestTime)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	assert.True(t, outcome.Executed)
	assert.Equal(t, 1, breakers.claimCalls)
	assert.Equal(t, []string{"bronze:message"}, breakers.successCalls)
}

func TestGuardExecuteSkipsOnUnmetDependencies(t *testing.T) {
	lastSuccess := testutil.TestTime().Add(-48 * time.Hour)
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not run with unmet dependencies")
		return nil, nil
	}, time.Second)
	deps := &stubDeps{result: depgraph.Result{
		Satisfied: false,
		Unsatisfied: []model.UnmetDep{{
			JobName:           "bronze:message",
			RequiredWithinHrs: 24,
			LastSuccessAt:     &lastSuccess,
		}},
	}}
	runs := &stubRuns{}
	g := newTestGuard(t, reg, &stubBreakers{}, deps, runs, nil)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	assert.True(t, outcome.Skipped)
	assert.Equal(t, model.SkipReasonDependencyNotMet, outcome.Reason)
	require.Len(t, outcome.Unsatisfied, 1)
	assert.Equal(t, "bronze:message", outcome.Unsatisfied[0].JobName)
	assert.Empty(t, runs.started)
}

func TestGuardExecuteStaleBypassRuns(t *testing.T) {
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, time.Second)
	deps := &stubDeps{result: depgraph.Result{
		Satisfied:   true,
		StaleBypass: true,
		Unsatisfied: []model.UnmetDep{{JobName: "upstream", RequiredWithinHrs: 6}},
	}}
	runs := &stubRuns{}
	g := newTestGuard(t, reg, &stubBreakers{}, deps, runs, nil)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	assert.True(t, outcome.Executed)
	assert.True(t, outcome.StaleBypass)
	require.Len(t, runs.finishCalls, 1)
	assert.Equal(t, model.RunStatusCompleted, runs.finishCalls[0].Status)
}

func TestGuardExecuteFailureRecordsBreaker(t *testing.T) {
	handlerErr := apperrors.Transient("source table unavailable")
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		return nil, handlerErr
	}, time.Second)
	breakers := &stubBreakers{failState: model.BreakerClosed}
	runs := &stubRuns{}
	g := newTestGuard(t, reg, breakers, satisfiedDeps(), runs, nil)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	assert.True(t, outcome.Executed)
	require.Error(t, outcome.Err)
	assert.False(t, outcome.TimedOut)

	require.Len(t, runs.finishCalls, 1)
	finish := runs.finishCalls[0]
	assert.Equal(t, model.RunStatusFailed, finish.Status)
	assert.Equal(t, http.StatusInternalServerError, finish.HTTPStatus)
	assert.Contains(t, finish.ErrorMessage, "source table unavailable")
	assert.Nil(t, finish.ResultSummary)

	require.Len(t, breakers.failureCalls, 1)
	assert.Equal(t, "bronze:message", breakers.failureCalls[0].JobName)
	assert.Equal(t, 3, breakers.failureCalls[0].FailureThreshold)
	assert.Empty(t, breakers.successCalls)
}

func TestGuardExecuteNotifiesOnceWhenBreakerOpens(t *testing.T) {
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}, time.Second)
	breakers := &stubBreakers{failState: model.BreakerOpen, failJustOpened: true}
	alerts := &capturedAlerts{}
	g := newTestGuard(t, reg, breakers, satisfiedDeps(), &stubRuns{}, alerts)

	_, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	require.Len(t, alerts.payloads, 1)
	alert := alerts.payloads[0]
	assert.Equal(t, notify.KindBreakerOpen, alert.Kind)
	assert.Equal(t, "bronze:message", alert.JobName)
	assert.Equal(t, notify.SeverityCritical, alert.Severity)
	assert.Contains(t, alert.Error, "boom")

	// A failure that does not open the breaker stays quiet.
	breakers.failJustOpened = false
	breakers.failState = model.BreakerClosed
	_, err = g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)
	assert.Len(t, alerts.payloads, 1)
}

func TestGuardExecuteTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	reg := newTestRegistry(t, func(ctx context.Context) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return json.RawMessage(`{}`), nil
		}
	}, 20*time.Millisecond)
	breakers := &stubBreakers{}
	runs := &stubRuns{}
	g := newTestGuard(t, reg, breakers, satisfiedDeps(), runs, nil)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	assert.True(t, outcome.TimedOut)
	require.Error(t, outcome.Err)
	assert.True(t, apperrors.IsTimeout(outcome.Err))

	require.Len(t, runs.finishCalls, 1)
	finish := runs.finishCalls[0]
	assert.Equal(t, model.RunStatusFailed, finish.Status)
	assert.Contains(t, finish.ErrorMessage, "deadline")

	// A timeout counts as a failure toward the breaker threshold.
	require.Len(t, breakers.failureCalls, 1)
}

func TestGuardExecuteHandlerPanicBecomesFailure(t *testing.T) {
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		panic("index out of range")
	}, time.Second)
	breakers := &stubBreakers{}
	runs := &stubRuns{}
	g := newTestGuard(t, reg, breakers, satisfiedDeps(), runs, nil)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.NoError(t, err)

	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "handler panic")
	require.Len(t, runs.finishCalls, 1)
	assert.Equal(t, model.RunStatusFailed, runs.finishCalls[0].Status)
	require.Len(t, breakers.failureCalls, 1)
}

func TestGuardExecuteStartFailurePropagates(t *testing.T) {
	reg := newTestRegistry(t, func(context.Context) (json.RawMessage, error) {
		t.Fatal("handler must not run when the run row cannot be inserted")
		return nil, nil
	}, time.Second)
	runs := &stubRuns{startErr: errors.New("connection refused")}
	g := newTestGuard(t, reg, &stubBreakers{}, satisfiedDeps(), runs, nil)

	outcome, err := g.Execute(context.Background(), "bronze:message")
	require.Error(t, err)
	assert.Nil(t, outcome)
}
