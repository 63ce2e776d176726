package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapewatch/internal/progress"
	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/scrape/scrapetest"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// instantClock never sleeps: every backoff elapses immediately.
type instantClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	client    *scrapetest.Client
	transport *scrapetest.Transport
	events    *recorder
	tracker   *Tracker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		client:    &scrapetest.Client{},
		transport: scrapetest.NewTransport(),
		events:    &recorder{},
	}
	if cfg.AttachTimeout == 0 {
		cfg.AttachTimeout = 2 * time.Second
	}
	h.tracker = NewTracker(h.client, h.transport, h.events, &instantClock{now: testStart}, cfg, nil)
	t.Cleanup(h.tracker.Close)
	return h
}

func (h *harness) submit(t *testing.T) *Session {
	t.Helper()
	sess, attached, err := h.tracker.Submit(t.Context(), scrape.SubmitRequest{TargetID: 42, Mode: scrape.ModeBoth})
	require.NoError(t, err)
	require.True(t, attached)
	return sess
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not finish", sess.Handle())
	}
}

func waitFor(t *testing.T, sess *Session, cond func(scrape.View) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(sess.View())
	}, 2*time.Second, 5*time.Millisecond)
}
