package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseStream writes server-sent event frames. Headers are sent lazily on the
// first frame so admission failures can still produce a JSON error response.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: streaming not supported")
	}
	return &sseStream{w: w, flusher: flusher}, nil
}

// Started reports whether any frame has been written. Once true the response
// status is committed and errors can no longer be sent as JSON.
func (s *sseStream) Started() bool { return s.started }

func (s *sseStream) start() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-store")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	// Long streams outlive the server's WriteTimeout. Clear the deadline for
	// this response only.
	rc := http.NewResponseController(s.w)
	_ = rc.SetWriteDeadline(time.Time{})

	s.started = true
}

// Emit writes one SSE frame and flushes it to the client.
func (s *sseStream) Emit(event string, data any) error {
	if !s.started {
		s.start()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("server: encoding %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("server: writing %s event: %w", event, err)
	}
	s.flusher.Flush()
	return nil
}
