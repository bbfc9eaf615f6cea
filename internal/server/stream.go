package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents serves the live lifecycle feed as server-sent events. Each
// bus message becomes one `data:` frame; clients that cannot keep up are
// dropped rather than buffered without bound.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if s.authenticate(w, r) == credNone {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	s.metrics.SSESubscribers.Add(r.Context(), 1)
	defer s.metrics.SSESubscribers.Add(r.Context(), -1)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-sub.Ch():
			if !open {
				return
			}
			frame, err := json.Marshal(msg.Payload)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
