package collaborator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
)

func TestSSETransportFrames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/scrapes/progress/job-1", r.URL.Path)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			": keepalive\n\n",
			"event: progress\ndata: {\"status\":\"initializing\"}\n\n",
			"event: heartbeat\ndata: {}\n\n",
			"id: 7\nretry: 1000\ndata: {\"status\":\"in_progress\",\n",
			"data: \"progress\":10}\n\n",
			"event: progress\r\ndata:{\"status\":\"completed\"}\r\n\r\n",
			"event: progress\ndata: {\"status\":\"never\"}\n",
		}
		for _, f := range frames {
			_, _ = fmt.Fprint(w, f)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)

	transport, err := NewSSETransport(Config{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)
	sub, err := transport.Open(context.Background(), "job-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	ctx := context.Background()
	msg, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"initializing"}`, string(msg))

	msg, err = sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "{\"status\":\"in_progress\",\n\"progress\":10}", string(msg))

	msg, err = sub.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"completed"}`, string(msg))

	_, err = sub.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestSSETransportSkipsOversizedFrame(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		huge := `{"status":"in_progress","message":"` + strings.Repeat("x", 2<<20) + `"}`
		_, _ = fmt.Fprint(w, "event: progress\ndata: "+huge+"\n\n")
		_, _ = fmt.Fprint(w, ": huge comment "+strings.Repeat("y", 2<<20)+"\n")
		_, _ = fmt.Fprint(w, "event: progress\ndata: {\"status\":\"completed\"}\n\n")
		w.(http.Flusher).Flush()
	}))
	t.Cleanup(srv.Close)

	transport, err := NewSSETransport(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	sub, err := transport.Open(context.Background(), "job-big")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	ctx := context.Background()
	msg, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Less(t, len(msg), maxFrameSize)
	_, err = scrape.DecodeStatus(msg)
	require.ErrorIs(t, err, scrape.ErrMalformedEvent)

	msg, err = sub.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"completed"}`, string(msg))

	_, err = sub.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestSSETransportDropsFrameSpreadOverManyDataLines(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		line := "data: " + strings.Repeat("z", 512<<10) + "\n"
		_, _ = fmt.Fprint(w, line+line+line+"\n")
		_, _ = fmt.Fprint(w, "data: {\"status\":\"failed\"}\n\n")
	}))
	t.Cleanup(srv.Close)

	transport, err := NewSSETransport(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	sub, err := transport.Open(context.Background(), "job-lines")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	msg, err := sub.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, oversizedMessage, msg)

	msg, err = sub.Recv(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"failed"}`, string(msg))
}

func TestSSETransportRecvHonoursContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	transport, err := NewSSETransport(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	sub, err := transport.Open(context.Background(), "job-2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSSETransportOpenFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Job not found"}`))
	}))
	t.Cleanup(srv.Close)

	transport, err := NewTransport("sse", Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = transport.Open(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrTransport)
	require.ErrorContains(t, err, "Job not found")
}
