package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wanctl/internal/domain"
)

func TestStatusHandler(t *testing.T) {
	jobs := &fakeJobs{
		handle: &domain.RunHandle{ID: "run-9", State: domain.RunStateRunning},
		state:  domain.ProgressState{Phase: domain.PhaseLoadingCheckpoints, Percent: 42},
	}
	handler := statusHandler(newHandlerDeps(jobs), time.Now().Add(-60*time.Second))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "wanctl", resp.Service.Name)
	assert.GreaterOrEqual(t, resp.Service.UptimeSeconds, int64(59))
	require.NotNil(t, resp.Job.Handle)
	assert.Equal(t, "run-9", resp.Job.Handle.ID)
	assert.Equal(t, domain.PhaseLoadingCheckpoints, resp.Job.Progress.Phase)
}

func TestStatusHandlerMethodNotAllowed(t *testing.T) {
	handler := statusHandler(newHandlerDeps(&fakeJobs{}), time.Now())

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsCountsBusEvents(t *testing.T) {
	bus := &testBus{}
	jobs := &fakeJobs{
		handle: &domain.RunHandle{ID: "r", State: domain.RunStateRunning},
		state:  domain.ProgressState{Percent: 73},
	}
	deps := newHandlerDeps(jobs)
	deps.Bus = bus

	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", newTestLogger())
	metrics := RegisterRESTHandlers(srv, deps)

	ctx := t.Context()
	bus.Publish(ctx, domain.NewEvent(domain.EventJobStarted, "r", nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventJobOutput, "r", domain.OutputEvent{Data: "12345"}))
	bus.Publish(ctx, domain.NewEvent(domain.EventJobExited, "r", domain.ExitEvent{ExitCode: 0}))
	bus.Publish(ctx, domain.NewEvent(domain.EventJobExited, "r", domain.ExitEvent{ExitCode: 1}))
	bus.Publish(ctx, domain.NewEvent(domain.EventJobExited, "r", domain.ExitEvent{ExitCode: -1, Cancelled: true}))

	assert.Equal(t, int64(1), metrics.JobsStarted.Load())
	assert.Equal(t, int64(5), metrics.OutputBytes.Load())
	assert.Equal(t, int64(1), metrics.JobsSucceeded.Load())
	assert.Equal(t, int64(1), metrics.JobsFailed.Load())
	assert.Equal(t, int64(1), metrics.JobsCancelled.Load())

	handler := srv.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics?token=test-token", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, line := range []string{
		"wanctl_jobs_started_total 1",
		`wanctl_jobs_finished_total{outcome="failed"} 1`,
		"wanctl_job_running 1",
		"wanctl_job_progress_percent 73",
	} {
		assert.True(t, strings.Contains(body, line), "missing %q", line)
	}
}
