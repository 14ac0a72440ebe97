package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of a job run.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type RunStatus string

const (
	// RunStatusRunning indicates the run has started and not yet finalized.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the run finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run finished with an error or timed out.
	RunStatusFailed RunStatus = "failed"
)

// Valid returns true if the RunStatus is valid.
func (s RunStatus) Valid() bool {
	return s == RunStatusRunning || s == RunStatusCompleted || s == RunStatusFailed
}

// UnmarshalText implements encoding.TextUnmarshaler for RunStatus.
func (s *RunStatus) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	rs := RunStatus(v)
	if rs.Valid() {
		*s = rs
		return nil
	}
	return fmt.Errorf("invalid RunStatus: %q", v)
}

// JobRun is one append-only execution log entry. A row is inserted with
// status=running when the guard starts a handler and finalized exactly
// once; it is never mutated afterward.
type JobRun struct {
	ID            string          `json:"id"                       db:"id"`
	JobName       string          `json:"job_name"                 db:"job_name"`
	Status        RunStatus       `json:"status"                   db:"status"`
	StartedAt     time.Time       `json:"started_at"               db:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"   db:"completed_at"`
	DurationMs    *int64          `json:"duration_ms,omitempty"    db:"duration_ms"`
	ResultSummary json.RawMessage `json:"result_summary,omitempty" db:"result_summary"`
	HTTPStatus    *int            `json:"http_status,omitempty"    db:"http_status"`
	ErrorMessage  *string         `json:"error_message,omitempty"  db:"error_message"`
	CreatedAt     time.Time       `json:"created_at"               db:"created_at"`
}

// FinishRunRequest carries the finalization payload for a running JobRun.
type FinishRunRequest struct {
	RunID         string
	Status        RunStatus
	ResultSummary json.RawMessage
	HTTPStatus    int
	ErrorMessage  string
}

// Validate validates the FinishRunRequest fields.
func (r *FinishRunRequest) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if r.Status != RunStatusCompleted && r.Status != RunStatusFailed {
		return fmt.Errorf("finish status must be completed or failed, got %q", r.Status)
	}
	if r.Status == RunStatusFailed && strings.TrimSpace(r.ErrorMessage) == "" {
		return errors.New("error message is required for failed runs")
	}
	return nil
}

// SkipReason explains why the guard declined to invoke a handler.
type SkipReason string

const (
	// SkipReasonBreakerOpen means the circuit breaker is open and cooling down.
	SkipReasonBreakerOpen SkipReason = "circuit_breaker_open"
	// SkipReasonDependencyNotMet means one or more upstream jobs have not
	// succeeded recently enough.
	SkipReasonDependencyNotMet SkipReason = "dependency_not_met"
)

// RunOutcome is the guard's structured verdict for a single trigger call.
// Exactly one of Executed/Skipped is meaningful: when Skipped is true the
// handler never ran and Reason/Unsatisfied explain why.
type RunOutcome struct {
	JobName     string          `json:"job"`
	RunID       string          `json:"run_id,omitempty"`
	Executed    bool            `json:"-"`
	Skipped     bool            `json:"skipped,omitempty"`
	Reason      SkipReason      `json:"reason,omitempty"`
	Unsatisfied []UnmetDep      `json:"unsatisfied,omitempty"`
	StaleBypass bool            `json:"stale_bypass,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	Duration    time.Duration   `json:"-"`
	Err         error           `json:"-"`
	TimedOut    bool            `json:"-"`
}

// UnmetDep describes a single unsatisfied dependency in a RunOutcome.
type UnmetDep struct {
	JobName           string     `json:"job"`
	RequiredWithinHrs int        `json:"required_within_hours"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
}
