package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/metrics"
)

// Writer serializes frames onto a streaming HTTP response. Every frame is
// exactly one `data: {json}` line followed by a blank line, flushed
// immediately so the client sees deltas as they are produced.
type Writer struct {
	w  http.ResponseWriter
	fl http.Flusher
}

// NewWriter prepares the response for event streaming and sends the headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, apperr.Streaming("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return &Writer{w: w, fl: fl}, nil
}

func (sw *Writer) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return apperr.Streaming("encode frame").WithCause(err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", b); err != nil {
		return apperr.Streaming("write frame").WithCause(err)
	}
	sw.fl.Flush()
	return nil
}

// Ping sends a keep-alive frame so idle streams are not dropped by
// intermediaries.
func (sw *Writer) Ping() error {
	if err := sw.Send(Ping()); err != nil {
		return err
	}
	metrics.SSEPingsSent.Inc()
	return nil
}
