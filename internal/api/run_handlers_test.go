package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listenupapp/bookbridge/internal/migrate"
	"github.com/listenupapp/bookbridge/internal/store/sqlite"
)

func (ts *testServer) startRun(t *testing.T, body map[string]any) string {
	t.Helper()

	resp := ts.api.Post("/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var out RunIDResponse
	decode(t, resp.Body.Bytes(), &out)
	require.NotEmpty(t, out.RunID)
	return out.RunID
}

func TestStartRun_Completes(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	runID := ts.startRun(t, map[string]any{"pipeline": "document-to-relational"})
	run := ts.waitForRun(t, runID)

	assert.Equal(t, "COMPLETED", run.Status)
	assert.Equal(t, "document-to-relational", run.Pipeline)
	require.Len(t, run.Stages, 4)

	writes := map[string]int{}
	for _, st := range run.Stages {
		assert.Equal(t, "COMPLETED", st.State)
		writes[st.Stage] = st.WriteCount
	}
	assert.Equal(t, map[string]int{"authors": 4, "genres": 5, "books": 4, "comments": 5}, writes)

	counts, err := ts.rel.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sqlite.Counts{Authors: 4, Genres: 5, Books: 4, Comments: 5}, counts)
}

func TestStartRun_TruncateAddsStage(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	runID := ts.startRun(t, map[string]any{
		"pipeline":             "document-to-relational",
		"truncate_before_load": true,
		"since":                "2025-01-01T00:00:00Z",
	})
	run := ts.waitForRun(t, runID)

	assert.Equal(t, "COMPLETED", run.Status)
	assert.True(t, run.TruncateBeforeLoad)
	require.NotNil(t, run.Since)
	require.Len(t, run.Stages, 5)
	assert.Equal(t, "truncate", run.Stages[0].Stage)
}

func TestStartRun_SeedIsIdempotent(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	body := map[string]any{"pipeline": "document-to-relational", "seed": "nightly-2026-10-19"}
	first := ts.startRun(t, body)
	second := ts.startRun(t, body)
	assert.Equal(t, first, second)

	run := ts.waitForRun(t, first)
	assert.Equal(t, "nightly-2026-10-19", run.Seed)

	third := ts.startRun(t, body)
	assert.Equal(t, first, third, "a finished seeded run is not repeated")
}

func TestStartRun_InvalidInput(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	resp := ts.api.Post("/api/v1/runs", map[string]any{"pipeline": "sideways"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	var apiErr APIError
	decode(t, resp.Body.Bytes(), &apiErr)
	assert.Equal(t, "VALIDATION", apiErr.Code)

	resp = ts.api.Post("/api/v1/runs", map[string]any{
		"pipeline": "document-to-relational",
		"seed":     strings.Repeat("s", 129),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = ts.api.Post("/api/v1/runs", map[string]any{
		"pipeline": "document-to-relational",
		"seed":     "tab\tseed",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	decode(t, resp.Body.Bytes(), &apiErr)
	assert.Equal(t, "VALIDATION", apiErr.Code)
}

func TestStopAndRestartRun(t *testing.T) {
	ts := setupTestServerWithOptions(t, migrate.Options{
		ChunkSize: 1, PageSize: 2, SkipLimit: 10, Concurrency: 2, ChunkRate: 20,
	})
	defer ts.cleanup()

	runID := ts.startRun(t, map[string]any{"pipeline": "document-to-relational"})

	resp := ts.api.Post("/api/v1/runs/" + runID + "/stop")
	require.Equal(t, http.StatusOK, resp.Code)
	var stop StopRunResponse
	decode(t, resp.Body.Bytes(), &stop)
	assert.True(t, stop.Accepted)

	stopped := ts.waitForRun(t, runID)
	assert.Equal(t, "STOPPED", stopped.Status)

	resp = ts.api.Post("/api/v1/runs/" + runID + "/restart")
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	var restarted RunIDResponse
	decode(t, resp.Body.Bytes(), &restarted)
	assert.NotEqual(t, runID, restarted.RunID)

	resumed := ts.waitForRun(t, restarted.RunID)
	assert.Equal(t, "COMPLETED", resumed.Status)
	assert.Equal(t, runID, resumed.ResumedFrom)

	resp = ts.api.Post("/api/v1/runs/" + restarted.RunID + "/restart")
	assert.Equal(t, http.StatusConflict, resp.Code)
	var apiErr APIError
	decode(t, resp.Body.Bytes(), &apiErr)
	assert.Equal(t, "CONFLICT", apiErr.Code)

	counts, err := ts.rel.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sqlite.Counts{Authors: 4, Genres: 5, Books: 4, Comments: 5}, counts)
}

func TestRestartRun_KeepsOriginalSince(t *testing.T) {
	ts := setupTestServerWithOptions(t, migrate.Options{
		ChunkSize: 1, PageSize: 2, SkipLimit: 10, Concurrency: 2, ChunkRate: 20,
	})
	defer ts.cleanup()

	runID := ts.startRun(t, map[string]any{
		"pipeline": "document-to-relational",
		"since":    "2025-01-01T00:00:00Z",
	})

	resp := ts.api.Post("/api/v1/runs/" + runID + "/stop")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "STOPPED", ts.waitForRun(t, runID).Status)

	resp = ts.api.Post("/api/v1/runs/"+runID+"/restart", map[string]any{"seed": "retry-1"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	var restarted RunIDResponse
	decode(t, resp.Body.Bytes(), &restarted)

	resumed := ts.waitForRun(t, restarted.RunID)
	assert.Equal(t, "COMPLETED", resumed.Status)
	assert.Equal(t, "retry-1", resumed.Seed)
	require.NotNil(t, resumed.Since)
	assert.True(t, resumed.Since.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	counts, err := ts.rel.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Comments)
}

func TestRunEndpoints_UnknownRun(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	resp := ts.api.Get("/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	var apiErr APIError
	decode(t, resp.Body.Bytes(), &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)

	resp = ts.api.Post("/api/v1/runs/missing/stop")
	require.Equal(t, http.StatusOK, resp.Code)
	var stop StopRunResponse
	decode(t, resp.Body.Bytes(), &stop)
	assert.False(t, stop.Accepted)

	resp = ts.api.Post("/api/v1/runs/missing/restart")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPipelineRuns(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	resp := ts.api.Get("/api/v1/pipelines/document-to-relational/last-run")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	first := ts.startRun(t, map[string]any{"pipeline": "document-to-relational"})
	ts.waitForRun(t, first)
	second := ts.startRun(t, map[string]any{"pipeline": "document-to-relational"})
	ts.waitForRun(t, second)

	resp = ts.api.Get("/api/v1/pipelines/document-to-relational/runs")
	require.Equal(t, http.StatusOK, resp.Code)
	var list ListRunsResponse
	decode(t, resp.Body.Bytes(), &list)
	require.Len(t, list.Runs, 2)
	assert.Equal(t, second, list.Runs[0].ID)
	assert.Equal(t, first, list.Runs[1].ID)

	resp = ts.api.Get("/api/v1/pipelines/document-to-relational/runs?limit=1")
	require.Equal(t, http.StatusOK, resp.Code)
	decode(t, resp.Body.Bytes(), &list)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, second, list.Runs[0].ID)

	resp = ts.api.Get("/api/v1/pipelines/document-to-relational/last-run")
	require.Equal(t, http.StatusOK, resp.Code)
	var last RunResponse
	decode(t, resp.Body.Bytes(), &last)
	assert.Equal(t, second, last.ID)

	resp = ts.api.Get("/api/v1/pipelines/relational-to-document/runs")
	require.Equal(t, http.StatusOK, resp.Code)
	decode(t, resp.Body.Bytes(), &list)
	assert.Empty(t, list.Runs)

	resp = ts.api.Get("/api/v1/pipelines/sideways/runs")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.api.Get("/api/v1/pipelines/document-to-relational/runs?limit=501")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestRateLimit_MutatingRequests(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	for range 5 {
		resp := ts.api.Post("/api/v1/runs/missing/stop")
		require.Equal(t, http.StatusOK, resp.Code)
	}

	resp := ts.api.Post("/api/v1/runs/missing/stop")
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, "60", resp.Header().Get("Retry-After"))

	// Reads are never limited.
	resp = ts.api.Get("/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
