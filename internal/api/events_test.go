package api

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStreamEvents_RelaysUntilTerminal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)
	stream := env.transport.Next("job-1").Send(`{"status":"in_progress","progress":10,"scrape_id":3}`)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/scrapes", `{"target_id":1,"mode":"both"}`).Code)

	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/scrapes/job-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream.Send(`{"status":"in_progress","progress":60}`).
		Send(`{"status":"completed","results":{"followers_count":500,"following_count":300}}`)

	names := readEvents(t, resp)
	require.GreaterOrEqual(t, len(names), 2)
	require.Equal(t, "status", names[0])
	require.Equal(t, "end", names[len(names)-1])
}

func TestStreamEvents_EndsOnDetach(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)
	env.transport.Next("job-1").Send(`{"status":"in_progress","scrape_id":3}`)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/scrapes", `{"target_id":1,"mode":"both"}`).Code)

	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/scrapes/job-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, env.tracker.Detach("job-1"))
	names := readEvents(t, resp)
	require.Equal(t, "end", names[len(names)-1])
}

func TestStreamEvents_UnknownJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testConfig(), nil)
	rec := env.do(t, http.MethodGet, "/v1/scrapes/job-404/events", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
