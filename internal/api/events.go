package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/ohlabs/musebridge/internal/metrics"
)

const keepaliveInterval = 15 * time.Second

// EventsHandler streams wire events over SSE.
type EventsHandler struct {
	stream *Stream
}

func NewEventsHandler(stream *Stream) *EventsHandler {
	return &EventsHandler{stream: stream}
}

// StreamEvents opens an SSE connection and pushes wire events until the
// client goes away. A reconnecting client's missed frames replay first.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")

	for _, f := range h.stream.ReplaySince(resumePoint(r)) {
		writeFrame(w, f)
	}
	// Get the headers out now so EventSource clients see the stream open.
	flusher.Flush()

	ch, cancel := h.stream.Subscribe()
	defer cancel()

	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()

	log := hlog.FromRequest(r)
	log.Info().Msg("SSE client connected")

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case f := <-ch:
			writeFrame(w, f)
			flusher.Flush()
		case <-keepalive.C:
			io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// resumePoint reads the client's last seen frame id: the standard
// Last-Event-ID header, with a query fallback for EventSource polyfills.
func resumePoint(r *http.Request) string {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("last_event_id")
}

func writeFrame(w io.Writer, f Frame) {
	fmt.Fprintf(w, "id: %s\ndata: %s\n\n", f.ID, f.Data)
}
