package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aurelia-ai/pipeline/internal/data"
	"github.com/aurelia-ai/pipeline/internal/domain/model"
)

// RunLister reads the run log for the monitoring API.
type RunLister interface {
	List(ctx context.Context, params data.ListRunsParams) ([]*model.JobRun, error)
}

// BreakerLister reads breaker rows for the monitoring API.
type BreakerLister interface {
	List(ctx context.Context) ([]model.CircuitBreaker, error)
}

// MonitorHandlers serves the read-only monitoring endpoints.
type MonitorHandlers struct {
	runs     RunLister
	breakers BreakerLister
	now      func() time.Time
}

// NewMonitorHandlers creates monitoring handlers. now may be nil for
// the system clock.
func NewMonitorHandlers(runs RunLister, breakers BreakerLister, now func() time.Time) *MonitorHandlers {
	if now == nil {
		now = time.Now
	}
	return &MonitorHandlers{runs: runs, breakers: breakers, now: now}
}

// ListRuns handles GET /api/runs with optional job, status, limit, and
// offset query parameters.
func (h *MonitorHandlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	params := data.ListRunsParams{
		JobName: r.URL.Query().Get("job"),
	}

	if rawStatus := r.URL.Query().Get("status"); rawStatus != "" {
		var status model.RunStatus
		if err := status.UnmarshalText([]byte(rawStatus)); err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_status", Err: err})
			return
		}
		params.Status = status
	}

	var ok bool
	if params.Limit, ok = parseIntParam(w, r, "limit"); !ok {
		return
	}
	if params.Offset, ok = parseIntParam(w, r, "offset"); !ok {
		return
	}

	runs, err := h.runs.List(r.Context(), params)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "list_runs_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// breakerView is the monitoring projection of a breaker row; the
// effective state folds cooldown expiry in so callers see half_open.
type breakerView struct {
	JobName             string             `json:"job_name"`
	State               model.BreakerState `json:"state"`
	EffectiveState      model.BreakerState `json:"effective_state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	CooldownUntil       *time.Time         `json:"cooldown_until,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// ListBreakers handles GET /api/breakers.
func (h *MonitorHandlers) ListBreakers(w http.ResponseWriter, r *http.Request) {
	breakers, err := h.breakers.List(r.Context())
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "list_breakers_failed", Err: err})
		return
	}

	now := h.now()
	views := make([]breakerView, 0, len(breakers))
	for _, b := range breakers {
		views = append(views, breakerView{
			JobName:             b.JobName,
			State:               b.State,
			EffectiveState:      b.EffectiveState(now),
			ConsecutiveFailures: b.ConsecutiveFailures,
			CooldownUntil:       b.CooldownUntil,
			UpdatedAt:           b.UpdatedAt,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{"breakers": views, "count": len(views)})
}

func parseIntParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_" + name,
			Err:     errors.New(name + " must be a non-negative integer"),
		})
		return 0, false
	}
	return value, true
}
