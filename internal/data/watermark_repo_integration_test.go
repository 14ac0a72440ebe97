package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	"github.com/aurelia-ai/pipeline/internal/testutil"
)

func TestWatermarkRepo_Integration_MissingRowReadsAsEpoch(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewWatermarkRepo(db)

		got, err := repo.Get(context.Background(), WatermarkKey{
			TenantID: "tenant-a",
			DataType: model.DataTypeMessage,
			Stage:    model.StageBronze,
		})
		require.NoError(t, err)
		assert.True(t, got.IsZero() || got.Unix() <= 0, "missing watermark must read as epoch, got %v", got)
	})
}

func TestWatermarkRepo_Integration_AdvanceIsMonotonic(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewWatermarkRepo(db)
		key := WatermarkKey{
			TenantID: "tenant-a",
			DataType: model.DataTypeMessage,
			Stage:    model.StageBronze,
		}
		base := testutil.TestTime()

		advanced, err := repo.Advance(context.Background(), key, base)
		require.NoError(t, err)
		assert.True(t, advanced)

		// Replaying an older window must not rewind.
		advanced, err = repo.Advance(context.Background(), key, base.Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, advanced)

		got, err := repo.Get(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, got.Equal(base), "watermark regressed: got %v want %v", got, base)

		advanced, err = repo.Advance(context.Background(), key, base.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, advanced)
	})
}

func TestWatermarkRepo_Integration_StagesAreIndependent(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewWatermarkRepo(db)
		base := testutil.TestTime()

		bronzeKey := WatermarkKey{TenantID: "tenant-a", DataType: model.DataTypeSMSLog, Stage: model.StageBronze}
		silverKey := WatermarkKey{TenantID: "tenant-a", DataType: model.DataTypeSMSLog, Stage: model.StageSilver}

		_, err := repo.Advance(context.Background(), bronzeKey, base)
		require.NoError(t, err)

		got, err := repo.Get(context.Background(), silverKey)
		require.NoError(t, err)
		assert.True(t, got.IsZero() || got.Unix() <= 0, "silver watermark must be untouched")
	})
}

func TestWatermarkRepo_Integration_RewindForcesOlderValue(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewWatermarkRepo(db)
		key := WatermarkKey{
			TenantID: "tenant-a",
			DataType: model.DataTypeTransaction,
			Stage:    model.StageSilver,
		}
		base := testutil.TestTime()

		_, err := repo.Advance(context.Background(), key, base)
		require.NoError(t, err)

		older := base.Add(-48 * time.Hour)
		require.NoError(t, repo.Rewind(context.Background(), key, older))

		got, err := repo.Get(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, got.Equal(older), "rewind must force the older value, got %v", got)
	})
}
