package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// SSE event names that are not lifecycle event types.
const (
	sseSnapshot = "snapshot"
	sseDone     = "done"
)

// handleStreamEvents streams an execution's lifecycle events as SSE. The
// first event is a snapshot of the execution. The stream ends with a done
// event once the execution reaches a terminal status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if model.IsTerminal(e.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, sseSnapshot, e)
		_ = writeSSEEvent(w, sseDone, e.Status)
		flush()
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	// A topic closed between the status check and here yields a closed
	// channel, so the loop below ends with done straight away.
	ch, unsub := s.orch.Broker().Subscribe(id)
	defer unsub()
	eventStreamsOpen.Inc()
	defer eventStreamsOpen.Dec()

	w.WriteHeader(http.StatusOK)
	if err := writeSSEEvent(w, sseSnapshot, e); err != nil {
		return
	}
	flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, sseDone, "stream complete")
				flush()
				return
			}
			if err := writeSSEEvent(w, ev.Type, ev); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a named SSE event with a JSON-encoded payload.
func writeSSEEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
