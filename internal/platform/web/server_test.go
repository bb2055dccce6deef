package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dontdude/gradex/internal/load"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthcheck(t *testing.T) {
	health := NewHealth()
	srv := httptest.NewServer(NewRouter(health, prometheus.NewRegistry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health.FlagUnhealthy("Job timeout exceeded; Docker presumed dead.")
	health.FlagUnhealthy("second reason")

	resp, err = http.Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Job timeout exceeded; Docker presumed dead.", body["reason"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.ReportLoad(context.Background(), load.Report{QueueName: "grader:jobs", AverageJobs: 0.75, MaxJobs: 2}))
	m.ObserveJob("succeeded")
	m.ObserveJob("succeeded")
	m.ObserveJob("timed_out")
	m.ObserveContainer(3)

	assert.Equal(t, 0.75, testutil.ToFloat64(m.averageJobs.WithLabelValues("grader:jobs")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.maxJobs.WithLabelValues("grader:jobs")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("succeeded")))

	srv := httptest.NewServer(NewRouter(NewHealth(), reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `grader_jobs_total{outcome="timed_out"} 1`)
	assert.Contains(t, string(raw), "grader_container_seconds_count 1")
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()
	cancel()
	assert.NoError(t, <-done)
}
