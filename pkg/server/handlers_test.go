package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/ingest"
	"github.com/nicktill/tinyrollup/pkg/storage/memory"
)

var noon = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T) (*App, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(noon.Add(time.Minute))

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	app, err := New(cfg, store, Options{Clock: clk}, nil)
	require.NoError(t, err)
	require.NoError(t, app.Prepare(context.Background()))
	return app, clk
}

func serve(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func ingestReadings(t *testing.T, h http.Handler, readings ...ingest.IngestReading) ingest.IngestResponse {
	t.Helper()
	body, err := json.Marshal(ingest.IngestRequest{Readings: readings})
	require.NoError(t, err)
	rr := serve(t, h, http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[ingest.IngestResponse](t, rr)
}

func reading(topic, payload string, ts time.Time) ingest.IngestReading {
	return ingest.IngestReading{Topic: topic, Payload: json.RawMessage(payload), Timestamp: &ts}
}

func TestHealth_StartingBeforeFirstCycle(t *testing.T) {
	app, _ := newTestApp(t)

	rr := serve(t, app.Handler(), http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[HealthResponse](t, rr)
	assert.Equal(t, "starting", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.Equal(t, "0s", resp.Uptime)
	assert.Equal(t, "idle", resp.Rollup.State)
}

func TestHealth_HealthyAfterCycleAndCleanup(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()
	h := app.Handler()

	_, err := app.Cascade.RunOneCycle(ctx, noon)
	require.NoError(t, err)

	// Cleanup has not run yet.
	rr := serve(t, h, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rr).Status)

	report, err := app.Compactor.CompactAndCleanup(ctx)
	require.NoError(t, err)
	app.CompactionMonitor.RecordSuccess(report)

	rr = serve(t, h, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthResponse](t, rr)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "skipped_empty", resp.Rollup.LastOutcome)
	assert.True(t, resp.Compaction.Healthy)
}

func TestHealth_DegradedWhenStale(t *testing.T) {
	app, clk := newTestApp(t)
	ctx := context.Background()

	_, err := app.Cascade.RunOneCycle(ctx, noon)
	require.NoError(t, err)
	report, err := app.Compactor.CompactAndCleanup(ctx)
	require.NoError(t, err)
	app.CompactionMonitor.RecordSuccess(report)

	clk.Add(time.Duration(config.HealthStaleIntervals+1) * app.Cascade.Interval())

	rr := serve(t, app.Handler(), http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	resp := decode[HealthResponse](t, rr)
	assert.Equal(t, "degraded", resp.Status)
	assert.False(t, resp.Rollup.Healthy)
}

func TestIngestThenRollup(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()
	h := app.Handler()

	resp := ingestReadings(t, h,
		reading("u4/302/co2", `{"value": 410, "value_units": "ppm"}`, noon.Add(-3*time.Minute)),
		reading("u4/302/co2", `{"value": 430, "value_units": "ppm"}`, noon.Add(-time.Minute)),
	)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 2, resp.Count)

	res, err := app.Cascade.RunOneCycle(ctx, noon)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	rr := serve(t, h, http.MethodGet, "/v1/checkpoint", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	cp := decode[CheckpointResponse](t, rr)
	assert.True(t, cp.Found)
	assert.Equal(t, "2024-03-10T12:00:00Z", cp.Checkpoint)
	assert.Equal(t, "5m0s", cp.Interval)

	rr = serve(t, h, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decode[StatusResponse](t, rr)
	assert.Equal(t, "2024-03-10T12:00:00Z", status.Rollup.Checkpoint)
	assert.EqualValues(t, 1, status.Rollup.Cycles)
	assert.EqualValues(t, 1, status.Rollup.Written["hires"])
	assert.Equal(t, 1, status.Inventory.TotalSensors)
	require.NotNil(t, status.Store)
	assert.Empty(t, status.Errors)

	rr = serve(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `rollup_cycles_total{outcome="ok"} 1`)
	assert.Contains(t, rr.Body.String(), `rollup_ingest_messages_total{result="written"} 2`)
}

func TestCheckpoint_NotFound(t *testing.T) {
	app, _ := newTestApp(t)

	rr := serve(t, app.Handler(), http.MethodGet, "/v1/checkpoint", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	cp := decode[CheckpointResponse](t, rr)
	assert.False(t, cp.Found)
	assert.Empty(t, cp.Checkpoint)
}

func TestRoutes(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Handler()

	tests := []struct {
		method string
		target string
		want   int
	}{
		{http.MethodGet, "/v1/health", http.StatusOK},
		{http.MethodGet, "/v1/status", http.StatusOK},
		{http.MethodGet, "/v1/checkpoint", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/v1/ingest", http.StatusMethodNotAllowed},
		{http.MethodPost, "/v1/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/v1/export?bucket=secrets", http.StatusBadRequest},
		{http.MethodGet, "/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rr := serve(t, h, tt.method, tt.target, nil)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestCORS(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestExportRoundTrip(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Handler()

	ingestReadings(t, h, reading("u4/302/temperature", `{"value": 21.5}`, noon.Add(-2*time.Minute)))

	target := "/v1/export?bucket=sensors&format=json&start=" + noon.Add(-time.Hour).Format(time.RFC3339) +
		"&end=" + noon.Add(time.Hour).Format(time.RFC3339)
	rr := serve(t, h, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, strings.Contains(rr.Body.String(), "temperature"))
}
