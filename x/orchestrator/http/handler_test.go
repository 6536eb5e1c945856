package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apicommon "github.com/compose-network/proxy-validator/server/api"
	"github.com/compose-network/proxy-validator/x/aggregator"
	"github.com/compose-network/proxy-validator/x/dispatcher"
	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/orchestrator"
	"github.com/compose-network/proxy-validator/x/proxy"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	submitted [][]proxy.Candidate
	opts      []dispatcher.Options
	jobs      map[string]orchestrator.JobStatus
	submitErr error
	done      chan struct{}
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{jobs: make(map[string]orchestrator.JobStatus), done: make(chan struct{})}
}

func (f *fakeOrchestrator) Submit(_ context.Context, c []proxy.Candidate, opts dispatcher.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, c)
	f.opts = append(f.opts, opts)
	id := "job-1"
	f.jobs[id] = orchestrator.JobStatus{JobID: id, State: job.StateWaiting, TotalCandidates: len(c)}
	return id, nil
}

func (f *fakeOrchestrator) Status(_ context.Context, id string) (orchestrator.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.jobs[id]
	if !ok {
		return orchestrator.JobStatus{}, orchestrator.ErrJobNotFound
	}
	return s, nil
}

func (f *fakeOrchestrator) Wait(ctx context.Context, id string) (orchestrator.JobStatus, error) {
	if _, err := f.Status(ctx, id); err != nil {
		return orchestrator.JobStatus{}, err
	}
	select {
	case <-f.done:
		return f.Status(ctx, id)
	case <-ctx.Done():
		return orchestrator.JobStatus{}, ctx.Err()
	}
}

func (f *fakeOrchestrator) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.jobs[id]
	switch {
	case !ok:
		return orchestrator.ErrJobNotFound
	case s.Terminal():
		return orchestrator.ErrJobFinished
	}
	s.State = job.StateFailed
	s.Reason = job.ErrorTypeCanceled.String()
	f.jobs[id] = s
	return nil
}

func (f *fakeOrchestrator) History() []orchestrator.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orchestrator.JobStatus
	for _, s := range f.jobs {
		if s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeOrchestrator) Stop(context.Context) error { return nil }

func (f *fakeOrchestrator) finish(id string, report *aggregator.Report) {
	f.mu.Lock()
	s := f.jobs[id]
	s.State = job.StateComplete
	s.Report = report
	f.jobs[id] = s
	f.mu.Unlock()
	close(f.done)
}

func newRouter(t *testing.T, orch orchestrator.Orchestrator) *mux.Router {
	t.Helper()
	r := mux.NewRouter()
	NewHandler(orch, 1<<20, zerolog.Nop()).RegisterMux(r)
	return r
}

func serve(r http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apicommon.ErrorDetail {
	t.Helper()
	var body apicommon.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestHandler_SubmitAndStatus(t *testing.T) {
	orch := newFakeOrchestrator()
	r := newRouter(t, orch)

	rec := serve(r, http.MethodPost, routeJobs, map[string]any{
		"candidates": []map[string]any{
			{"address": "10.0.0.1:8080", "protocol": "http"},
			{"address": "10.0.0.2:1080", "protocol": "socks5"},
		},
		"chunk_size":  1,
		"concurrency": 2,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "/v1/jobs/job-1", resp.StatusURL)
	assert.Equal(t, resp.StatusURL, rec.Header().Get("Location"))

	require.Len(t, orch.submitted, 1)
	assert.Len(t, orch.submitted[0], 2)
	assert.Equal(t, proxy.ProtocolSOCKS5, orch.submitted[0][1].Protocol)
	assert.Equal(t, dispatcher.Options{ChunkSize: 1, Concurrency: 2}, orch.opts[0])

	u, err := r.Get(routeNameStatus).URL("jobID", resp.JobID)
	require.NoError(t, err)
	rec = serve(r, http.MethodGet, u.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status orchestrator.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, job.StateWaiting, status.State)
	assert.Equal(t, 2, status.TotalCandidates)
}

func TestHandler_SubmitRejectsBadBodies(t *testing.T) {
	r := newRouter(t, newFakeOrchestrator())

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "not json", body: "{", code: "invalid_json"},
		{name: "unknown field", body: `{"candidates":[],"chunks":3}`, code: "invalid_json"},
		{name: "two documents", body: `{"candidates":[]} {}`, code: "invalid_json"},
		{name: "negative chunk size", body: `{"candidates":[],"chunk_size":-1}`, code: "invalid_job"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, routeJobs, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestHandler_SubmitBodyLimit(t *testing.T) {
	r := mux.NewRouter()
	NewHandler(newFakeOrchestrator(), 64, zerolog.Nop()).RegisterMux(r)

	body := `{"candidates":[` + strings.Repeat(`{"address":"10.0.0.1:80","protocol":"http"},`, 10) + `]}`
	req := httptest.NewRequest(http.MethodPost, routeJobs, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "exceeds 64 bytes")
}

func TestHandler_OrchestratorErrors(t *testing.T) {
	orch := newFakeOrchestrator()
	r := newRouter(t, orch)

	orch.submitErr = job.NewError(job.ErrorTypeValidation, "candidate 0: bad address")
	rec := serve(r, http.MethodPost, routeJobs, map[string]any{"candidates": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_job", decodeError(t, rec).Code)

	orch.submitErr = orchestrator.ErrStopped
	rec = serve(r, http.MethodPost, routeJobs, map[string]any{"candidates": []any{}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(r, http.MethodGet, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)

	rec = serve(r, http.MethodDelete, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Cancel(t *testing.T) {
	orch := newFakeOrchestrator()
	r := newRouter(t, orch)
	_, err := orch.Submit(context.Background(), nil, dispatcher.Options{})
	require.NoError(t, err)

	rec := serve(r, http.MethodDelete, "/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp cancelResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Canceled)

	rec = serve(r, http.MethodDelete, "/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "job_finished", decodeError(t, rec).Code)

	rec = serve(r, http.MethodGet, routeJobs+"?state=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, job.ErrorTypeCanceled.String(), list.Jobs[0].Reason)
}

func TestHandler_StatusWait(t *testing.T) {
	orch := newFakeOrchestrator()
	r := newRouter(t, orch)
	_, err := orch.Submit(context.Background(), nil, dispatcher.Options{})
	require.NoError(t, err)

	// Wait elapses: the current, non-terminal status is returned.
	rec := serve(r, http.MethodGet, "/v1/jobs/job-1?wait=20ms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status orchestrator.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.False(t, status.Terminal())

	go func() {
		time.Sleep(20 * time.Millisecond)
		orch.finish("job-1", &aggregator.Report{JobID: "job-1", Usable: 3})
	}()
	rec = serve(r, http.MethodGet, "/v1/jobs/job-1?wait=10s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, job.StateComplete, status.State)
	require.NotNil(t, status.Report)
	assert.Equal(t, 3, status.Report.Usable)

	rec = serve(r, http.MethodGet, "/v1/jobs/job-1?wait=forever", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_wait", decodeError(t, rec).Code)
}

func TestHandler_MethodNotRouted(t *testing.T) {
	r := newRouter(t, newFakeOrchestrator())

	rec := serve(r, http.MethodPut, "/v1/jobs/job-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
