package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
)

// BreakerRepo provides database operations for per-job circuit breakers.
// Every mutation is a single atomic server-side statement so that two
// concurrent guard invocations for the same job cannot lose an update.
type BreakerRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewBreakerRepo creates a new BreakerRepo with the given database connection.
func NewBreakerRepo(db *sql.DB) *BreakerRepo {
	return &BreakerRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewBreakerRepoWithTimeProvider creates a BreakerRepo with a custom TimeProvider (useful for testing).
func NewBreakerRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *BreakerRepo {
	return &BreakerRepo{DB: db, timeProvider: tp}
}

const breakerColumns = `
  job_name,
  state,
  consecutive_failures,
  cooldown_until,
  updated_at
`

// Get returns the breaker row for a job, or a zero-value closed breaker
// when the job has never recorded an outcome.
func (r *BreakerRepo) Get(ctx context.Context, jobName string) (*model.CircuitBreaker, error) {
	if jobName == "" {
		return nil, errors.New("job name is required")
	}

	cb := &model.CircuitBreaker{}
	err := r.DB.QueryRowContext(ctx, `
		SELECT `+breakerColumns+`
		FROM circuit_breakers
		WHERE job_name = $1
	`, jobName).Scan(&cb.JobName, &cb.State, &cb.ConsecutiveFailures, &cb.CooldownUntil, &cb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.CircuitBreaker{JobName: jobName, State: model.BreakerClosed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get circuit breaker: %w", err)
	}
	return cb, nil
}

// List returns all breaker rows ordered by job name.
func (r *BreakerRepo) List(ctx context.Context) ([]model.CircuitBreaker, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+breakerColumns+`
		FROM circuit_breakers
		ORDER BY job_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list circuit breakers: %w", err)
	}
	defer rows.Close()

	var result []model.CircuitBreaker
	for rows.Next() {
		var cb model.CircuitBreaker
		if err := rows.Scan(&cb.JobName, &cb.State, &cb.ConsecutiveFailures, &cb.CooldownUntil, &cb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan circuit breaker: %w", err)
		}
		result = append(result, cb)
	}
	return result, rows.Err()
}

// RecordFailureParams groups parameters for RecordFailure.
type RecordFailureParams struct {
	JobName          string
	FailureThreshold int
	Cooldown         time.Duration
}

// RecordFailure increments the failure counter and opens the breaker when
// the threshold is reached, in one atomic upsert. A failure while already
// open (a failed half-open trial) re-arms the cooldown. Returns the
// resulting state and whether this call is the one that opened the breaker.
func (r *BreakerRepo) RecordFailure(ctx context.Context, p RecordFailureParams) (model.BreakerState, bool, error) {
	if p.JobName == "" {
		return "", false, errors.New("job name is required")
	}
	if p.FailureThreshold < 1 {
		return "", false, errors.New("failure threshold must be positive")
	}

	now := r.timeProvider.Now().UTC()
	cooldownUntil := now.Add(p.Cooldown)

	var state model.BreakerState
	var failures int
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO circuit_breakers (job_name, state, consecutive_failures, cooldown_until, updated_at)
		VALUES ($1, CASE WHEN 1 >= $2 THEN 'open' ELSE 'closed' END,
		        1, CASE WHEN 1 >= $2 THEN $3::timestamptz ELSE NULL END, $4)
		ON CONFLICT (job_name) DO UPDATE
		SET consecutive_failures = circuit_breakers.consecutive_failures + 1,
		    state = CASE
		        WHEN circuit_breakers.consecutive_failures + 1 >= $2 THEN 'open'
		        ELSE circuit_breakers.state
		    END,
		    cooldown_until = CASE
		        WHEN circuit_breakers.consecutive_failures + 1 >= $2 THEN $3::timestamptz
		        ELSE circuit_breakers.cooldown_until
		    END,
		    updated_at = $4
		RETURNING state, consecutive_failures
	`, p.JobName, p.FailureThreshold, cooldownUntil, now).Scan(&state, &failures)
	if err != nil {
		return "", false, fmt.Errorf("record breaker failure: %w", err)
	}

	// Failures only grow past the threshold while the breaker is already
	// open, so equality marks the opening transition exactly once.
	justOpened := state == model.BreakerOpen && failures == p.FailureThreshold
	return state, justOpened, nil
}

// RecordSuccess resets the breaker to closed with zeroed counters. Called
// after any successful run, including a successful half-open trial.
func (r *BreakerRepo) RecordSuccess(ctx context.Context, jobName string) error {
	if jobName == "" {
		return errors.New("job name is required")
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO circuit_breakers (job_name, state, consecutive_failures, cooldown_until, updated_at)
		VALUES ($1, 'closed', 0, NULL, $2)
		ON CONFLICT (job_name) DO UPDATE
		SET state = 'closed',
		    consecutive_failures = 0,
		    cooldown_until = NULL,
		    updated_at = $2
	`, jobName, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("record breaker success: %w", err)
	}
	return nil
}

// ClaimTrial attempts to claim the single half-open trial for an open
// breaker whose cooldown has expired. The conditional update re-arms the
// cooldown, so of N concurrent callers exactly one sees a row update and
// wins the trial; the rest stay short-circuited.
func (r *BreakerRepo) ClaimTrial(ctx context.Context, jobName string, cooldown time.Duration) (bool, error) {
	if jobName == "" {
		return false, errors.New("job name is required")
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE circuit_breakers
		SET cooldown_until = $3, updated_at = $2
		WHERE job_name = $1 AND state = 'open' AND cooldown_until <= $2
	`, jobName, now, now.Add(cooldown))
	if err != nil {
		return false, fmt.Errorf("claim breaker trial: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim breaker trial rows: %w", err)
	}
	return n == 1, nil
}

// Reset force-closes a breaker. Operator escape hatch used by the admin CLI.
func (r *BreakerRepo) Reset(ctx context.Context, jobName string) error {
	return r.RecordSuccess(ctx, jobName)
}
