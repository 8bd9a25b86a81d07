package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Spatial-NVR/codnida/internal/logging"
)

// LogHandler serves the in-memory log buffer
type LogHandler struct {
	buffer *logging.Buffer
}

// NewLogHandler creates a new log handler
func NewLogHandler(buffer *logging.Buffer) *LogHandler {
	return &LogHandler{buffer: buffer}
}

// List returns recent log entries
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseLogFilter(w, r)
	if !ok {
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries := h.buffer.Recent(limit, filter)
	JSONWithMeta(w, http.StatusOK, entries, &Meta{Total: len(entries), Limit: limit})
}

// Stream sends new log entries as Server-Sent Events
func (h *LogHandler) Stream(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseLogFilter(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "Streaming not supported")
		return
	}

	// Streams outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := h.buffer.Subscribe()
	defer h.buffer.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !filter.Match(e) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func parseLogFilter(w http.ResponseWriter, r *http.Request) (logging.Filter, bool) {
	q := r.URL.Query()
	f := logging.Filter{
		Component: q.Get("component"),
		Camera:    q.Get("camera"),
		MinLevel:  slog.LevelDebug,
	}
	if v := q.Get("level"); v != "" {
		if err := f.MinLevel.UnmarshalText([]byte(v)); err != nil {
			BadRequest(w, "level must be one of debug, info, warn, error")
			return f, false
		}
	}
	return f, true
}
