package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapewatch/internal/clock/system"
	"github.com/JakeFAU/scrapewatch/internal/config"
	"github.com/JakeFAU/scrapewatch/internal/controller"
	"github.com/JakeFAU/scrapewatch/internal/scrape/scrapetest"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

type fakeIDGen struct{}

func (fakeIDGen) NewID() (string, error) {
	return "req-1", nil
}

type testEnv struct {
	client    *scrapetest.Client
	transport *scrapetest.Transport
	tracker   *controller.Tracker
	server    *Server
}

func newTestEnv(t *testing.T, cfg config.Config, runs store.RunRepository, checks ...ReadyCheck) *testEnv {
	t.Helper()
	env := &testEnv{
		client:    &scrapetest.Client{},
		transport: scrapetest.NewTransport(),
	}
	ccfg := controller.Config{AttachTimeout: 2 * time.Second, CancelTimeout: 50 * time.Millisecond}
	env.tracker = controller.NewTracker(env.client, env.transport, nil, system.New(), ccfg, nil)
	t.Cleanup(env.tracker.Close)
	env.server = NewServer(env.tracker, runs, fakeIDGen{}, cfg, nil, checks...)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func testConfig() config.Config {
	return config.Config{Server: config.ServerConfig{RequestTimeoutSeconds: 5}}
}
