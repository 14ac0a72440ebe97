package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

// DependencyRepo provides database operations for job dependency
// requirements.
type DependencyRepo struct {
	DB *sql.DB
}

// NewDependencyRepo creates a DependencyRepo with the given database
// connection.
func NewDependencyRepo(db *sql.DB) *DependencyRepo {
	return &DependencyRepo{DB: db}
}

// ListForJob returns the dependency requirements of jobName. An empty
// slice means the job has no upstream requirements.
func (r *DependencyRepo) ListForJob(ctx context.Context, jobName string) ([]*model.DependencyRequirement, error) {
	if strings.TrimSpace(jobName) == "" {
		return nil, apperrors.ValidationField("job_name", "job name is required")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT job_name, depends_on, required_within_hours
		FROM dependency_requirements
		WHERE job_name = $1
		ORDER BY depends_on
	`, jobName)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list dependencies for job: %w", err))
	}
	defer rows.Close()

	return collectDependencies(rows)
}

// List returns every configured dependency requirement.
func (r *DependencyRepo) List(ctx context.Context) ([]*model.DependencyRequirement, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT job_name, depends_on, required_within_hours
		FROM dependency_requirements
		ORDER BY job_name, depends_on
	`)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list dependencies: %w", err))
	}
	defer rows.Close()

	return collectDependencies(rows)
}

// Upsert creates or updates a requirement edge.
func (r *DependencyRepo) Upsert(ctx context.Context, req *model.DependencyRequirement) error {
	if req == nil {
		return apperrors.Validation("dependency requirement is required")
	}
	if err := req.Validate(); err != nil {
		return apperrors.Validation(err.Error())
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO dependency_requirements (job_name, depends_on, required_within_hours)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_name, depends_on) DO UPDATE
		SET required_within_hours = EXCLUDED.required_within_hours
	`, req.JobName, req.DependsOn, req.RequiredWithinHours)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("upsert dependency: %w", err))
	}
	return nil
}

// Delete removes a requirement edge. Deleting a missing edge returns a
// not found error.
func (r *DependencyRepo) Delete(ctx context.Context, jobName, dependsOn string) error {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM dependency_requirements
		WHERE job_name = $1 AND depends_on = $2
	`, jobName, dependsOn)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("delete dependency: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("rows affected: %w", err))
	}
	if affected == 0 {
		return apperrors.NotFound("dependency requirement")
	}
	return nil
}

func collectDependencies(rows *sql.Rows) ([]*model.DependencyRequirement, error) {
	var deps []*model.DependencyRequirement
	for rows.Next() {
		var d model.DependencyRequirement
		if err := rows.Scan(&d.JobName, &d.DependsOn, &d.RequiredWithinHours); err != nil {
			return nil, apperrors.MapDBError(fmt.Errorf("scan dependency: %w", err))
		}
		deps = append(deps, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("iterate dependencies: %w", err))
	}
	return deps, nil
}
