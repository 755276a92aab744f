package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	sseKeepalive = 15 * time.Second
	sseBuffer    = 64
)

// handleEvents streams bus events as server-sent events. An optional
// kinds query parameter ("decision,cycle_state") filters by kind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var kinds map[string]bool
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = make(map[string]bool)
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds[k] = true
			}
		}
	}

	ch := s.bus.Subscribe(sseBuffer)
	defer s.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	rc := http.NewResponseController(w)
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		// Reset the write deadline after every write so the server's
		// WriteTimeout does not cut the stream.
		if err := rc.SetWriteDeadline(time.Now().Add(2 * sseKeepalive)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}

		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if kinds != nil && !kinds[e.Kind] {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Debug("failed to marshal SSE event", "kind", e.Kind, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				s.logger.Debug("failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
