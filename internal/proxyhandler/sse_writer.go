package proxyhandler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/anyclaude/gateway/internal/ssetranslate"
)

// sseWriter implements ssetranslate.Sink over an http.ResponseWriter. Each
// WriteEvent runs the underlying socket write in a goroutine and applies
// DefaultBackpressureTimeout as a bound: if the write hasn't completed by
// then, the stream is aborted with a write-timeout error rather than
// leaving the request goroutine blocked forever on a stalled client
// (spec §4.6 "Backpressure contract"). writeMu serializes every write
// against s.w, including one left running past a backpressure timeout, so
// a keepalive write (response.go's ticker goroutine) and a real event
// write (the translator goroutine) can never interleave bytes on the
// wire.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	timeout time.Duration

	writeMu sync.Mutex

	wroteAny     bool
	keepaliveSeq int
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("proxyhandler: response writer does not support flushing")
	}
	return &sseWriter{w: w, flusher: flusher, timeout: ssetranslate.DefaultBackpressureTimeout}, nil
}

func (s *sseWriter) WriteEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("proxyhandler: marshal SSE payload: %w", err)
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload)
	return s.writeBounded(frame)
}

// WriteComment writes a raw SSE comment line (keepalive), bypassing JSON
// encoding.
func (s *sseWriter) WriteComment(text string) error {
	return s.writeBounded(fmt.Sprintf(": %s\n\n", text))
}

func (s *sseWriter) writeBounded(frame string) error {
	done := make(chan error, 1)
	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		_, err := s.w.Write([]byte(frame))
		if err == nil {
			s.flusher.Flush()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("proxyhandler: write SSE frame: %w", err)
		}
		s.wroteAny = true
		return nil
	case <-time.After(s.timeout):
		return fmt.Errorf("proxyhandler: downstream write timed out after %s", s.timeout)
	}
}

// WriteSSEHeaders sets the headers spec §4.9 requires before any frame is
// emitted.
func WriteSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
