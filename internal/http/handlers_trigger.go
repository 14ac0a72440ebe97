package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	apperrors "github.com/aurelia-ai/pipeline/internal/errors"
)

// Executor runs a named job through the reliability envelope.
type Executor interface {
	Execute(ctx context.Context, jobName string) (*model.RunOutcome, error)
}

// TriggerHandlers serves the per-job trigger endpoint.
type TriggerHandlers struct {
	executor Executor
	logger   *slog.Logger
	now      func() time.Time
}

// NewTriggerHandlers creates trigger handlers. now may be nil for the
// system clock.
func NewTriggerHandlers(executor Executor, logger *slog.Logger, now func() time.Time) *TriggerHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &TriggerHandlers{executor: executor, logger: logger, now: now}
}

// Run handles GET /jobs/{name}/run. The response is always JSON: an ok
// payload with the run summary, a skipped payload explaining the
// short-circuit, or an error payload with a 5xx status.
func (h *TriggerHandlers) Run(w http.ResponseWriter, r *http.Request) {
	jobName := r.PathValue("name")

	outcome, err := h.executor.Execute(r.Context(), jobName)
	if err != nil {
		if apperrors.IsNotFound(err) {
			WriteError(w, ErrorParams{
				Code:    http.StatusNotFound,
				ErrCode: "unknown_job",
				Err:     err,
			})
			return
		}
		h.logger.ErrorContext(r.Context(), "trigger could not execute", "job", jobName, "error", err)
		h.writeFailure(w, jobName, err)
		return
	}

	if outcome.Skipped {
		WriteJSON(w, http.StatusOK, skippedResponse(outcome))
		return
	}
	if outcome.Err != nil {
		h.writeFailure(w, jobName, outcome.Err)
		return
	}

	WriteJSON(w, http.StatusOK, okResponse(outcome))
}

func (h *TriggerHandlers) writeFailure(w http.ResponseWriter, jobName string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.DeadlineExceeded) || apperrors.IsTimeout(err) {
		status = http.StatusGatewayTimeout
	}
	WriteJSON(w, status, map[string]string{
		"error":     err.Error(),
		"job":       jobName,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func okResponse(outcome *model.RunOutcome) map[string]any {
	resp := map[string]any{
		"ok":          true,
		"job":         outcome.JobName,
		"run_id":      outcome.RunID,
		"duration_ms": outcome.Duration.Milliseconds(),
	}
	if len(outcome.Summary) > 0 {
		resp["summary"] = json.RawMessage(outcome.Summary)
	}
	if outcome.StaleBypass {
		resp["stale_bypass"] = true
	}
	return resp
}

func skippedResponse(outcome *model.RunOutcome) map[string]any {
	resp := map[string]any{
		"ok":      false,
		"skipped": true,
		"job":     outcome.JobName,
		"reason":  outcome.Reason,
	}
	if len(outcome.Unsatisfied) > 0 {
		resp["unsatisfied"] = outcome.Unsatisfied
	}
	return resp
}
