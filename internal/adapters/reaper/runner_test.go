package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/pipeline/config"
)

type stubMaintenance struct {
	mu sync.Mutex

	failReturn   int64
	deleteReturn int64
	failErr      error

	failCalls   int
	deleteCalls int
	tick        chan struct{}
}

func (s *stubMaintenance) FailStaleRunning(_ context.Context, _ time.Duration, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCalls++
	return s.failReturn, s.failErr
}

func (s *stubMaintenance) DeleteOldRuns(_ context.Context, _ time.Duration, _ int) (int64, error) {
	s.mu.Lock()
	s.deleteCalls++
	s.mu.Unlock()
	if s.tick != nil {
		select {
		case s.tick <- struct{}{}:
		default:
		}
	}
	return s.deleteReturn, nil
}

func testReaperConfig() config.ReaperConfig {
	// Short interval keeps startup jitter negligible in tests.
	return config.ReaperConfig{
		Interval:        100 * time.Millisecond,
		RunningMaxAge:   time.Hour,
		RetentionMaxAge: 24 * time.Hour,
		BatchSize:       100,
	}
}

func TestNewRunnerRequiresRepo(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: testReaperConfig()})
	require.Error(t, err)
}

func TestRunnerRunsInitialCleanupAndStops(t *testing.T) {
	repo := &stubMaintenance{failReturn: 2, deleteReturn: 5, tick: make(chan struct{}, 1)}
	runner, err := NewRunner(RunnerOptions{
		Repo:   repo,
		Config: testReaperConfig(),
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	select {
	case <-repo.tick:
	case <-time.After(5 * time.Second):
		t.Fatal("initial cleanup did not run")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "graceful shutdown returns nil")
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.GreaterOrEqual(t, repo.failCalls, 1)
	assert.GreaterOrEqual(t, repo.deleteCalls, 1)
}

func TestRunnerContinuesPastStepError(t *testing.T) {
	repo := &stubMaintenance{failErr: errors.New("lock contended"), tick: make(chan struct{}, 1)}
	runner, err := NewRunner(RunnerOptions{
		Repo:   repo,
		Config: testReaperConfig(),
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	// The delete step still runs after the fail step errored.
	select {
	case <-repo.tick:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not reach the delete step")
	}
	cancel()
	require.NoError(t, <-errCh)
}
