package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/storage/memory"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

type failingRuns struct{}

func (failingRuns) SaveRun(context.Context, store.Run) error {
	return errors.New("db down")
}

func (failingRuns) GetRun(context.Context, string) (store.Run, error) {
	return store.Run{}, errors.New("db down")
}

func (failingRuns) ListRuns(context.Context, *scrape.Phase, int, int) ([]store.Run, error) {
	return nil, errors.New("db down")
}

func seededRuns(t *testing.T) *memory.RunStore {
	t.Helper()
	runs := memory.NewRunStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := base.Add(time.Minute)
	require.NoError(t, runs.SaveRun(context.Background(), store.Run{
		Handle:      "job-1",
		TargetID:    42,
		Mode:        scrape.ModeBoth,
		Phase:       scrape.PhaseCompleted,
		Followers:   500,
		Following:   300,
		HasCounts:   true,
		SubmittedAt: base,
		UpdatedAt:   finished,
		FinishedAt:  &finished,
	}))
	require.NoError(t, runs.SaveRun(context.Background(), store.Run{
		Handle:            "job-2",
		TargetID:          7,
		Mode:              scrape.ModeFollowers,
		Phase:             scrape.PhaseDelayed,
		RetryAfterSeconds: 60,
		SubmittedAt:       base.Add(time.Hour),
		UpdatedAt:         base.Add(time.Hour),
	}))
	return runs
}

func TestRunHandler_ListRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), seededRuns(t))

	rec := env.do(t, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody(t, rec)["runs"].([]any)
	require.Len(t, runs, 2)
	require.Equal(t, "job-2", runs[0].(map[string]any)["job_handle"])
	require.EqualValues(t, 60, runs[0].(map[string]any)["retry_after_seconds"])

	rec = env.do(t, http.MethodGet, "/v1/runs?phase=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs = decodeBody(t, rec)["runs"].([]any)
	require.Len(t, runs, 1)
	counts := runs[0].(map[string]any)["result_counts"].(map[string]any)
	require.EqualValues(t, 500, counts["followers"])

	rec = env.do(t, http.MethodGet, "/v1/runs?limit=1&offset=1", "")
	require.Len(t, decodeBody(t, rec)["runs"], 1)
}

func TestRunHandler_ListRunsRejectsBadQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), seededRuns(t))
	for _, q := range []string{"?phase=sleeping", "?limit=0", "?limit=abc", "?offset=-1"} {
		rec := env.do(t, http.MethodGet, "/v1/runs"+q, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestRunHandler_GetRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), seededRuns(t))

	rec := env.do(t, http.MethodGet, "/v1/runs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody(t, rec)["run"].(map[string]any)
	require.Equal(t, "completed", run["phase"])
	require.NotEmpty(t, run["finished_at"])

	rec = env.do(t, http.MethodGet, "/v1/runs/job-404", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHandler_Unavailable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)
	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/v1/runs", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/v1/runs/job-1", "").Code)
}

func TestRunHandler_RepositoryErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), failingRuns{})
	require.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodGet, "/v1/runs", "").Code)
	require.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodGet, "/v1/runs/job-1", "").Code)
}
