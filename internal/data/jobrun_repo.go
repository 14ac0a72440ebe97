package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aurelia-ai/pipeline/internal/data/pgxutil"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

// Advisory lock namespace for run reaper operations. Major key 2000 is
// reserved for pipeline run maintenance.
const (
	advisoryLockRunsMajor     = 2000
	advisoryLockRunsFailStale = 1
	advisoryLockRunsDeleteOld = 2
)

const jobRunColumns = `
  id,
  job_name,
  status,
  started_at,
  completed_at,
  duration_ms,
  result_summary,
  http_status,
  error_message,
  created_at
`

// JobRunRepo provides database operations for the append-only run log.
type JobRunRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewJobRunRepo creates a JobRunRepo with the given database connection.
func NewJobRunRepo(db *sql.DB, tp TimeProvider) *JobRunRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobRunRepo{DB: db, timeProvider: tp}
}

// Start inserts a new running JobRun for jobName and returns it.
func (r *JobRunRepo) Start(ctx context.Context, jobName string) (*model.JobRun, error) {
	if strings.TrimSpace(jobName) == "" {
		return nil, apperrors.ValidationField("job_name", "job name is required")
	}

	now := r.timeProvider.Now().UTC()
	run := &model.JobRun{
		ID:        uuid.NewString(),
		JobName:   jobName,
		Status:    model.RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, status, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.JobName, run.Status, run.StartedAt, run.CreatedAt)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("start job run: %w", err))
	}
	return run, nil
}

// Finish finalizes a running JobRun exactly once. A second Finish for the
// same run id returns a conflict error and leaves the row untouched.
func (r *JobRunRepo) Finish(ctx context.Context, req *model.FinishRunRequest) (*model.JobRun, error) {
	if req == nil {
		return nil, apperrors.Validation("finish run request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	now := r.timeProvider.Now().UTC()

	summary := req.ResultSummary
	if len(summary) == 0 {
		summary = json.RawMessage(`{}`)
	}

	var httpStatus sql.NullInt32
	if req.HTTPStatus != 0 {
		httpStatus = sql.NullInt32{Int32: int32(req.HTTPStatus), Valid: true}
	}
	var errMsg sql.NullString
	if strings.TrimSpace(req.ErrorMessage) != "" {
		errMsg = sql.NullString{String: req.ErrorMessage, Valid: true}
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE job_runs
		SET status = $2,
		    completed_at = $3,
		    duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint,
		    result_summary = $4,
		    http_status = $5,
		    error_message = $6
		WHERE id = $1 AND status = 'running'
		RETURNING `+jobRunColumns,
		req.RunID, req.Status, now, []byte(summary), httpStatus, errMsg)

	run, err := scanJobRun(row)
	if err != nil {
		if apperrors.IsNotFound(err) {
			// Either the run id is unknown or the row was already finalized.
			exists, existsErr := r.exists(ctx, req.RunID)
			if existsErr != nil {
				return nil, existsErr
			}
			if exists {
				return nil, apperrors.Conflict("job run already finalized")
			}
		}
		return nil, err
	}
	return run, nil
}

func (r *JobRunRepo) exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_runs WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("check job run exists: %w", err))
	}
	return found, nil
}

// Get returns a single JobRun by id.
func (r *JobRunRepo) Get(ctx context.Context, id string) (*model.JobRun, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+jobRunColumns+` FROM job_runs WHERE id = $1`, id)
	return scanJobRun(row)
}

// LastSuccessfulCompletion returns the completed_at of the most recent
// completed run for jobName. The bool is false when the job has never
// completed successfully.
func (r *JobRunRepo) LastSuccessfulCompletion(ctx context.Context, jobName string) (time.Time, bool, error) {
	var completedAt time.Time
	err := r.DB.QueryRowContext(ctx, `
		SELECT completed_at FROM job_runs
		WHERE job_name = $1 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1
	`, jobName).Scan(&completedAt)
	if err != nil {
		mapped := apperrors.MapDBError(fmt.Errorf("last successful completion: %w", err))
		if apperrors.IsNotFound(mapped) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, mapped
	}
	return completedAt, true, nil
}

// ListRunsParams filters and pages the run log listing.
type ListRunsParams struct {
	JobName string
	Status  model.RunStatus
	Limit   int
	Offset  int
}

const defaultRunListLimit = 50

// List returns run log entries newest-first, optionally filtered by job
// name and status.
func (r *JobRunRepo) List(ctx context.Context, params ListRunsParams) ([]*model.JobRun, error) {
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultRunListLimit
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	conditions := []string{}
	args := []any{}
	if strings.TrimSpace(params.JobName) != "" {
		args = append(args, params.JobName)
		conditions = append(conditions, fmt.Sprintf("job_name = $%d", len(args)))
	}
	if params.Status != "" {
		if !params.Status.Valid() {
			return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid run status %q", params.Status))
		}
		args = append(args, params.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(
		`SELECT %s FROM job_runs%s ORDER BY started_at DESC LIMIT $%d OFFSET $%d`,
		jobRunColumns, where, len(args)-1, len(args))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list job runs: %w", err))
	}
	defer rows.Close()

	var runs []*model.JobRun
	for rows.Next() {
		run, scanErr := scanJobRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("iterate job runs: %w", err))
	}
	return runs, nil
}

// FailStaleRunning marks running rows older than maxAge as failed. A crashed
// process can leave runs stuck in running forever; this is the cleanup path.
// Uses an advisory lock so concurrent reaper instances do not conflict.
func (r *JobRunRepo) FailStaleRunning(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockRunsMajor, advisoryLockRunsFailStale).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			now := r.timeProvider.Now().UTC()
			cutoff := now.Add(-maxAge)

			res, err := tx.ExecContext(ctx, `
				UPDATE job_runs
				SET status = 'failed',
				    error_message = 'run abandoned: process exited before finalization',
				    completed_at = $1,
				    duration_ms = (EXTRACT(EPOCH FROM ($1::timestamptz - started_at)) * 1000)::bigint
				WHERE id IN (
					SELECT id FROM job_runs
					WHERE status = 'running'
					  AND started_at < $2
					ORDER BY started_at
					LIMIT $3
				)
			`, now, cutoff, batchSize)
			if err != nil {
				return fmt.Errorf("fail stale running runs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return rowsAffected, nil
}

// DeleteOldRuns deletes finalized runs older than maxAge, batchSize at a
// time to avoid long locks.
func (r *JobRunRepo) DeleteOldRuns(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockRunsMajor, advisoryLockRunsDeleteOld).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoff := r.timeProvider.Now().UTC().Add(-maxAge)

			res, err := tx.ExecContext(ctx, `
				DELETE FROM job_runs
				WHERE id IN (
					SELECT id FROM job_runs
					WHERE status IN ('completed', 'failed')
					  AND started_at < $1
					ORDER BY started_at
					LIMIT $2
				)
			`, cutoff, batchSize)
			if err != nil {
				return fmt.Errorf("delete old runs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return rowsAffected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRun(row rowScanner) (*model.JobRun, error) {
	var run model.JobRun
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	var summary []byte
	var httpStatus sql.NullInt32
	var errMsg sql.NullString

	err := row.Scan(
		&run.ID,
		&run.JobName,
		&run.Status,
		&run.StartedAt,
		&completedAt,
		&durationMs,
		&summary,
		&httpStatus,
		&errMsg,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("scan job run: %w", err))
	}

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		run.DurationMs = &d
	}
	if len(summary) > 0 {
		run.ResultSummary = json.RawMessage(summary)
	}
	if httpStatus.Valid {
		s := int(httpStatus.Int32)
		run.HTTPStatus = &s
	}
	if errMsg.Valid {
		m := errMsg.String
		run.ErrorMessage = &m
	}
	return &run, nil
}
