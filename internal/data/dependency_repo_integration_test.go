package data

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
	"github.com/aurelia-ai/pipeline/internal/testutil"
)

func TestDependencyRepo_Integration_UpsertAndList(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewDependencyRepo(db)

		require.NoError(t, repo.Upsert(context.Background(), &model.DependencyRequirement{
			JobName:             "silver:message",
			DependsOn:           "bronze:message",
			RequiredWithinHours: 6,
		}))
		require.NoError(t, repo.Upsert(context.Background(), &model.DependencyRequirement{
			JobName:             "silver:message",
			DependsOn:           "bronze:conversation",
			RequiredWithinHours: 12,
		}))

		deps, err := repo.ListForJob(context.Background(), "silver:message")
		require.NoError(t, err)
		require.Len(t, deps, 2)
		assert.Equal(t, "bronze:conversation", deps[0].DependsOn)
		assert.Equal(t, "bronze:message", deps[1].DependsOn)

		// Upsert tightens an existing edge in place.
		require.NoError(t, repo.Upsert(context.Background(), &model.DependencyRequirement{
			JobName:             "silver:message",
			DependsOn:           "bronze:message",
			RequiredWithinHours: 3,
		}))
		deps, err = repo.ListForJob(context.Background(), "silver:message")
		require.NoError(t, err)
		require.Len(t, deps, 2)
		assert.Equal(t, 3, deps[1].RequiredWithinHours)
	})
}

func TestDependencyRepo_Integration_JobWithoutDepsIsEmpty(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewDependencyRepo(db)

		deps, err := repo.ListForJob(context.Background(), "bronze:message")
		require.NoError(t, err)
		assert.Empty(t, deps)
	})
}

func TestDependencyRepo_Integration_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewDependencyRepo(db)

		require.NoError(t, repo.Upsert(context.Background(), &model.DependencyRequirement{
			JobName:             "silver:voice_call",
			DependsOn:           "bronze:voice_call",
			RequiredWithinHours: 6,
		}))
		require.NoError(t, repo.Delete(context.Background(), "silver:voice_call", "bronze:voice_call"))

		err := repo.Delete(context.Background(), "silver:voice_call", "bronze:voice_call")
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestDependencyRepo_Upsert_RejectsSelfDependency(t *testing.T) {
	repo := NewDependencyRepo(nil)

	err := repo.Upsert(context.Background(), &model.DependencyRequirement{
		JobName:             "bronze:message",
		DependsOn:           "bronze:message",
		RequiredWithinHours: 6,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
