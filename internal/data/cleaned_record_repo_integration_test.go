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
	"github.com/aurelia-ai/pipeline/internal/testutil"
)

func cleanedRecord(id string, updatedAt time.Time, payload string) *model.CleanedRecord {
	return &model.CleanedRecord{
		ID:              id,
		TenantID:        "tenant-a",
		DataType:        model.DataTypeMessage,
		SourceUpdatedAt: updatedAt,
		Payload:         json.RawMessage(payload),
	}
}

func TestCleanedRecordRepo_Integration_UpsertBatch(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewCleanedRecordRepo(db, NewFixedTimeProvider(testutil.TestTime()))
		base := testutil.TestTime()

		n, err := repo.UpsertBatch(context.Background(), []*model.CleanedRecord{
			cleanedRecord("m-1", base, `{"body": "one"}`),
			cleanedRecord("m-2", base, `{"body": "two"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		count, err := repo.Count(context.Background(), "tenant-a", model.DataTypeMessage)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})
}

func TestCleanedRecordRepo_Integration_ReplayCannotRegress(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewCleanedRecordRepo(db, NewFixedTimeProvider(testutil.TestTime()))
		base := testutil.TestTime()

		_, err := repo.UpsertBatch(context.Background(), []*model.CleanedRecord{
			cleanedRecord("m-1", base.Add(time.Hour), `{"body": "newer"}`),
		})
		require.NoError(t, err)

		// Replaying an object holding the older version is a no-op.
		n, err := repo.UpsertBatch(context.Background(), []*model.CleanedRecord{
			cleanedRecord("m-1", base, `{"body": "older"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		got, err := repo.Get(context.Background(), "m-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"body": "newer"}`, string(got.Payload))
		assert.Equal(t, base.Add(time.Hour), got.SourceUpdatedAt.UTC())

		// A genuinely newer version replaces the row.
		n, err = repo.UpsertBatch(context.Background(), []*model.CleanedRecord{
			cleanedRecord("m-1", base.Add(2*time.Hour), `{"body": "newest"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err = repo.Get(context.Background(), "m-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"body": "newest"}`, string(got.Payload))
	})
}

func TestCleanedRecordRepo_Integration_EmptyBatchIsNoop(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewCleanedRecordRepo(db, nil)

		n, err := repo.UpsertBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
