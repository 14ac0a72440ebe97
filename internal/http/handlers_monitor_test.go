package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/pipeline/internal/domain/model"
	"github.com/aurelia-ai/pipeline/internal/testutil"
)

func doGet(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListRuns(t *testing.T) {
	completed := testutil.TestTime()
	runs := &stubRunLister{runs: []*model.JobRun{{
		ID:          "run-1",
		JobName:     "bronze:message",
		Status:      model.RunStatusCompleted,
		StartedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}}}
	handler := newTestRouter(&stubExecutor{}, runs, &stubBreakerLister{})

	rec := doGet(t, handler, "/api/runs?job=bronze:message&status=completed&limit=10&offset=5")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])

	assert.Equal(t, "bronze:message", runs.lastParams.JobName)
	assert.Equal(t, model.RunStatusCompleted, runs.lastParams.Status)
	assert.Equal(t, 10, runs.lastParams.Limit)
	assert.Equal(t, 5, runs.lastParams.Offset)
}

func TestListRunsInvalidStatus(t *testing.T) {
	handler := newTestRouter(&stubExecutor{}, &stubRunLister{}, &stubBreakerLister{})

	rec := doGet(t, handler, "/api/runs?status=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_status", decodeBody(t, rec)["error"])
}

func TestListRunsInvalidLimit(t *testing.T) {
	handler := newTestRouter(&stubExecutor{}, &stubRunLister{}, &stubBreakerLister{})

	rec := doGet(t, handler, "/api/runs?limit=-3")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", decodeBody(t, rec)["error"])
}

func TestListBreakersEffectiveState(t *testing.T) {
	expired := testutil.TestTime().Add(-time.Minute)
	active := testutil.TestTime().Add(time.Hour)
	breakers := &stubBreakerLister{breakers: []model.CircuitBreaker{
		{JobName: "bronze:message", State: model.BreakerClosed},
		{JobName: "bronze:sms_log", State: model.BreakerOpen, ConsecutiveFailures: 3, CooldownUntil: &active},
		{JobName: "silver:message", State: model.BreakerOpen, ConsecutiveFailures: 5, CooldownUntil: &expired},
	}}
	handler := newTestRouter(&stubExecutor{}, &stubRunLister{}, breakers)

	rec := doGet(t, handler, "/api/breakers")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	views, ok := body["breakers"].([]any)
	require.True(t, ok)
	require.Len(t, views, 3)

	byJob := map[string]map[string]any{}
	for _, v := range views {
		entry := v.(map[string]any)
		byJob[entry["job_name"].(string)] = entry
	}

	assert.Equal(t, "closed", byJob["bronze:message"]["effective_state"])
	assert.Equal(t, "open", byJob["bronze:sms_log"]["effective_state"])
	assert.Equal(t, "half_open", byJob["silver:message"]["effective_state"],
		"expired cooldown reads as half_open")
	assert.Equal(t, "open", byJob["silver:message"]["state"])
}
