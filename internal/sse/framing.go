package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush,
// which makes it unusable for a live event stream.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// Writer frames events onto an SSE stream. An id: line is written only when
// the event ID is purely numeric, so browsers resume with a valid log cursor
// and never echo a synthetic snapshot or ephemeral ID back as Last-Event-ID.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for event streaming, setting the SSE response headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// newWriterRaw wires a Writer directly to an io.Writer, for tests.
func newWriterRaw(w io.Writer) *Writer {
	return &Writer{w: w, flusher: noopFlusher{}}
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}

// WriteEvent frames one event and flushes it to the client.
func (sw *Writer) WriteEvent(event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if id, ok := event.NumericID(); ok {
		if _, err := fmt.Fprintf(sw.w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}

	sw.flusher.Flush()
	return nil
}

// WriteHeartbeat emits a comment line that keeps intermediaries from timing
// out an idle connection.
func (sw *Writer) WriteHeartbeat() error {
	if _, err := io.WriteString(sw.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
