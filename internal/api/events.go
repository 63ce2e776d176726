package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const keepAliveInterval = 15 * time.Second

// streamEvents relays a tracked job's view as server-sent events. Every change
// produces a "status" event carrying the full view; once the job is terminal
// or its stream has been released an "end" event closes the response.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	changes, stop := sess.Watch()
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	var last []byte
	for {
		view := sess.View()
		data, err := json.Marshal(view)
		if err != nil {
			s.logger.Error("encode job view", zap.Error(err))
			return
		}
		if !bytes.Equal(data, last) {
			if err := writeEvent(w, "status", data); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
			last = data
		}
		if view.Status.Phase.Terminal() || view.Stream.Released() || closed(sess.Done()) {
			end, _ := json.Marshal(map[string]string{"job_handle": view.Job.Handle})
			if err := writeEvent(w, "end", end); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
			}
			flusher.Flush()
			return
		}

		select {
		case <-changes:
		case <-sess.Done():
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write %s event: %w", name, err)
	}
	return nil
}
