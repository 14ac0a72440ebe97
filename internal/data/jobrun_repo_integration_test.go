package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
	"github.com/aurelia-ai/pipeline/internal/testutil"
)

func TestJobRunRepo_Integration_StartAndFinish(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, NewFixedTimeProvider(testutil.TestTime()))

		run, err := repo.Start(context.Background(), "bronze:message")
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusRunning, run.Status)
		assert.NotEmpty(t, run.ID)

		finished, err := repo.Finish(context.Background(), &model.FinishRunRequest{
			RunID:         run.ID,
			Status:        model.RunStatusCompleted,
			ResultSummary: json.RawMessage(`{"rows_read": 12}`),
			HTTPStatus:    200,
		})
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, finished.Status)
		require.NotNil(t, finished.CompletedAt)
		require.NotNil(t, finished.DurationMs)
		assert.JSONEq(t, `{"rows_read": 12}`, string(finished.ResultSummary))
		require.NotNil(t, finished.HTTPStatus)
		assert.Equal(t, 200, *finished.HTTPStatus)
	})
}

func TestJobRunRepo_Integration_FinishIsExactlyOnce(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRunRepo(db, nil)

		run, err := repo.Start(context.Background(), "silver:message")
		require.NoError(t, err)

		req := &model.FinishRunRequest{
			RunID:  run.ID,
			Status: model.RunStatusCompleted,
		}
		_, err = repo.Finish(context.Background(), req)
		require.NoError(t, err)

		_, err = repo.Finish(context.Background(), req)
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err), "second finish must be a conflict, got %v", err)

		_, err = repo.Finish(context.Background(), &model.FinishRunRequest{
			RunID:        "00000000-0000-0000-0000-000000000000",
			Status:       model.RunStatusFailed,
			ErrorMessage: "boom",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err), "unknown run must be not found, got %v", err)
	})
}

func TestJobRunRepo_Integration_LastSuccessfulCompletion(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, tp)

		_, found, err := repo.LastSuccessfulCompletion(context.Background(), "bronze:sms_log")
		require.NoError(t, err)
		assert.False(t, found)

		run1, err := repo.Start(context.Background(), "bronze:sms_log")
		require.NoError(t, err)
		tp.AddTime(time.Minute)
		_, err = repo.Finish(context.Background(), &model.FinishRunRequest{
			RunID: run1.ID, Status: model.RunStatusCompleted,
		})
		require.NoError(t, err)

		// A later failed run must not advance the success marker.
		tp.AddTime(time.Minute)
		run2, err := repo.Start(context.Background(), "bronze:sms_log")
		require.NoError(t, err)
		tp.AddTime(time.Minute)
		_, err = repo.Finish(context.Background(), &model.FinishRunRequest{
			RunID: run2.ID, Status: model.RunStatusFailed, ErrorMessage: "extract failed",
		})
		require.NoError(t, err)

		completedAt, found, err := repo.LastSuccessfulCompletion(context.Background(), "bronze:sms_log")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, testutil.TestTime().Add(time.Minute), completedAt.UTC())
	})
}

func TestJobRunRepo_Integration_ListFilters(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, tp)

		for _, jobName := range []string{"bronze:message", "bronze:message", "silver:message"} {
			run, err := repo.Start(context.Background(), jobName)
			require.NoError(t, err)
			_, err = repo.Finish(context.Background(), &model.FinishRunRequest{
				RunID: run.ID, Status: model.RunStatusCompleted,
			})
			require.NoError(t, err)
			tp.AddTime(time.Second)
		}

		all, err := repo.List(context.Background(), ListRunsParams{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		byJob, err := repo.List(context.Background(), ListRunsParams{JobName: "bronze:message"})
		require.NoError(t, err)
		assert.Len(t, byJob, 2)

		byStatus, err := repo.List(context.Background(), ListRunsParams{Status: model.RunStatusFailed})
		require.NoError(t, err)
		assert.Empty(t, byStatus)

		limited, err := repo.List(context.Background(), ListRunsParams{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		// Newest first.
		assert.Equal(t, "silver:message", limited[0].JobName)
	})
}

func TestJobRunRepo_Integration_FailStaleRunning(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, tp)

		stale, err := repo.Start(context.Background(), "bronze:device_reading")
		require.NoError(t, err)

		tp.AddTime(3 * time.Hour)
		fresh, err := repo.Start(context.Background(), "bronze:device_reading")
		require.NoError(t, err)

		failed, err := repo.FailStaleRunning(context.Background(), 2*time.Hour, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), failed)

		staleRun, err := repo.Get(context.Background(), stale.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, staleRun.Status)
		require.NotNil(t, staleRun.ErrorMessage)

		freshRun, err := repo.Get(context.Background(), fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusRunning, freshRun.Status)
	})
}

func TestJobRunRepo_Integration_DeleteOldRuns(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRunRepo(db, tp)

		old, err := repo.Start(context.Background(), "silver:transaction")
		require.NoError(t, err)
		_, err = repo.Finish(context.Background(), &model.FinishRunRequest{
			RunID: old.ID, Status: model.RunStatusCompleted,
		})
		require.NoError(t, err)

		tp.AddTime(31 * 24 * time.Hour)
		recent, err := repo.Start(context.Background(), "silver:transaction")
		require.NoError(t, err)

		deleted, err := repo.DeleteOldRuns(context.Background(), 30*24*time.Hour, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		// Running rows are never deleted, and the recent row survives.
		_, err = repo.Get(context.Background(), recent.ID)
		require.NoError(t, err)
		_, err = repo.Get(context.Background(), old.ID)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})
}
