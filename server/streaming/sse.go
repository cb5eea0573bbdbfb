package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/teilomillet/lorebridge/errors"
	"github.com/teilomillet/lorebridge/server/provider"
)

// DoneMarker is the literal end-of-stream payload.
const DoneMarker = "[DONE]"

// SSEWriter frames values as server-sent events and flushes after each
// frame so chunks reach the caller as they arrive.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter returns an error if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming: response writer %T does not support flushing", w)
	}
	return &SSEWriter{w: w, flusher: f}, nil
}

// Started reports whether any frame has been written. After that point
// errors can no longer be sent as a status code.
func (s *SSEWriter) Started() bool {
	return s.started
}

func (s *SSEWriter) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Send writes v as one data frame.
func (s *SSEWriter) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("streaming: encode chunk: %w", err)
	}
	return s.frame("", data)
}

// Done writes the end-of-stream marker.
func (s *SSEWriter) Done() error {
	return s.frame("", []byte(DoneMarker))
}

// Interrupt ends the stream without the end marker: a chunk with
// finish_reason "error" followed by an error event carrying the envelope.
func (s *SSEWriter) Interrupt(meta Meta, perr *errors.ProxyError) error {
	reason := string(provider.FinishError)
	if err := s.Send(meta.chunk(ChunkChoice{FinishReason: &reason})); err != nil {
		return err
	}
	data, err := errors.Encode(perr)
	if err != nil {
		return fmt.Errorf("streaming: encode error: %w", err)
	}
	return s.frame("error", data)
}

func (s *SSEWriter) frame(event string, data []byte) error {
	s.start()
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
