//go:build !windows

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/proxy-validator/internal/fakevalidator"
	"github.com/compose-network/proxy-validator/validator-app/config"
	"github.com/compose-network/proxy-validator/x/job"
	"github.com/compose-network/proxy-validator/x/proxy"
)

func testConfig(t *testing.T, script string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Dispatch.Executor = config.ExecutorLocal
	cfg.Dispatch.ChunkSize = 10
	cfg.Dispatch.MaxConcurrency = 4
	cfg.Worker.Command = fakevalidator.Shell
	cfg.Worker.Args = fakevalidator.Args(fakevalidator.Write(t, script))
	cfg.Worker.Timeout = 5 * time.Second
	cfg.Worker.Backoff = []time.Duration{10 * time.Millisecond}
	cfg.Worker.TempDir = t.TempDir()
	cfg.Waiter.TimePerChunk = 5 * time.Second
	cfg.Waiter.MinimumFloor = time.Second
	cfg.Waiter.MinFallbackWindow = 5 * time.Second
	cfg.Waiter.PollInterval = 20 * time.Millisecond
	cfg.Tracker.File.Root = t.TempDir()
	cfg.Tracker.File.SweepSchedule = "@every 1h"
	require.NoError(t, cfg.Validate())
	return cfg
}

// startApp runs the app until the test ends and returns its API base URL.
func startApp(t *testing.T, cfg *config.Config) (*App, string) {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, "", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("app did not shut down")
		}
	})

	addrCtx, addrCancel := context.WithTimeout(ctx, 5*time.Second)
	defer addrCancel()
	addr, err := app.apiServer.Addr(addrCtx)
	require.NoError(t, err)
	return app, "http://" + addr.String()
}

func testCandidates(n int) []proxy.Candidate {
	out := make([]proxy.Candidate, n)
	for i := range out {
		out[i] = proxy.Candidate{Address: fmt.Sprintf("10.1.%d.%d:3128", i/250, i%250+1), Protocol: proxy.ProtocolHTTP}
	}
	return out
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestApp_SubmitAndWait(t *testing.T) {
	_, base := startApp(t, testConfig(t, fakevalidator.AllUsable))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newJobClient(base)
	c.pollWait = time.Second
	jobID, err := c.submit(ctx, testCandidates(25), 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	status, err := c.wait(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateComplete, status.State)
	assert.Equal(t, 3, status.TotalChunks)
	require.NotNil(t, status.Report)
	assert.Equal(t, 25, status.Report.Usable)
	assert.Len(t, status.Report.Proxies, 25)
}

func TestApp_SubmitRejectsInvalidCandidate(t *testing.T) {
	_, base := startApp(t, testConfig(t, fakevalidator.AllUsable))

	bad := []proxy.Candidate{{Address: "10.0.0.1:21", Protocol: "ftp"}}
	_, err := newJobClient(base).submit(context.Background(), bad, 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_job")
}

func TestApp_OperationalEndpoints(t *testing.T) {
	_, base := startApp(t, testConfig(t, fakevalidator.AllUsable))

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/health", &health))
	assert.Equal(t, "healthy", health["status"])

	var ready map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/ready", &ready))
	assert.Equal(t, "file", ready["tracker"])

	var stats map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/stats", &stats))
	assert.Equal(t, config.ExecutorLocal, stats["executor"])
	assert.Contains(t, stats, "finished_jobs")

	var notFound struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	assert.Equal(t, http.StatusNotFound, getJSON(t, base+"/v1/jobs/missing", &notFound))
	assert.Equal(t, "not_found", notFound.Error.Code)
}

func TestApp_MetricsExposeOrchestrator(t *testing.T) {
	app, base := startApp(t, testConfig(t, fakevalidator.AllUsable))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := newJobClient(base)
	c.pollWait = time.Second
	jobID, err := c.submit(ctx, testCandidates(5), 0, 0)
	require.NoError(t, err)
	_, err = c.wait(ctx, jobID)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.metricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "proxy_validator_orchestrator_jobs_submitted_total 1")
	assert.Contains(t, body, "proxy_validator_orchestrator_usable_proxies_total 5")
	assert.Contains(t, body, "go_goroutines")
}

func TestNewApp_RejectsBadSweepSchedule(t *testing.T) {
	cfg := testConfig(t, fakevalidator.AllUsable)
	cfg.Tracker.File.SweepSchedule = "every now and then"

	_, err := NewApp(context.Background(), cfg, "", zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep_schedule")
}

func TestWorkerFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.TrustPartialOutput = true

	args := workerFlags("/etc/pv.yaml", cfg)
	assert.Equal(t, []string{"worker", "--config", "/etc/pv.yaml"}, args[:3])
	assert.Contains(t, args, "--trust-partial-output=true")
	assert.Contains(t, args, cfg.Worker.Timeout.String())

	assert.NotContains(t, workerFlags("", cfg), "--config")
}

func TestWorkerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Backoff = []time.Duration{time.Second, 2 * time.Second}

	wcfg := workerConfig(cfg, zerolog.Nop(), "/tmp/pgids")
	assert.Equal(t, cfg.Worker.Command, wcfg.Command)
	assert.Equal(t, cfg.Worker.Args, wcfg.Args)
	assert.Equal(t, "/tmp/pgids", wcfg.PGIDDir)
	assert.Equal(t, 3, wcfg.Retry.MaxAttempts)
	require.NoError(t, wcfg.Validate())
}
