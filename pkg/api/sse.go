package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
)

// sseWriter frames Server-Sent Events onto an echo response. Each event is
// written as "id: <n>\nevent: <type>\ndata: <json>\n\n" and flushed
// immediately. Event ids are a monotonically increasing counter so clients
// can report Last-Event-ID on reconnect.
type sseWriter struct {
	w      http.ResponseWriter
	ctrl   *http.ResponseController
	nextID int
}

// newSSEWriter sets the SSE response headers and commits the 200. It fails
// when the underlying writer cannot flush.
func newSSEWriter(c *echo.Context) (*sseWriter, error) {
	resp := c.Response()
	ctrl := http.NewResponseController(resp)

	h := resp.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	if err := ctrl.Flush(); err != nil {
		return nil, newAPIError(http.StatusInternalServerError, CodeInternal, "streaming not supported")
	}

	w := &sseWriter{w: resp, ctrl: ctrl, nextID: 1}

	// Reconnecting clients resume the id sequence past the last event they
	// saw. Events themselves are not replayed.
	if last := c.Request().Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil && n > 0 {
			w.nextID = n + 1
		}
	}
	return w, nil
}

// Event marshals data and writes one named event.
func (w *sseWriter) Event(eventType string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse data: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "id: %d\nevent: %s\ndata: %s\n\n", w.nextID, eventType, encoded); err != nil {
		return err
	}
	w.nextID++
	return w.ctrl.Flush()
}

// Keepalive writes a comment line that keeps intermediaries from closing an
// idle stream.
func (w *sseWriter) Keepalive() error {
	if _, err := fmt.Fprint(w.w, ": keepalive\n\n"); err != nil {
		return err
	}
	return w.ctrl.Flush()
}

// keepaliveTicker returns a ticker for the keepalive interval, or nil when
// keepalives are disabled.
func keepaliveTicker(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		return nil
	}
	return time.NewTicker(interval)
}
