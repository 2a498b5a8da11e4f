package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"moonwatch.org/internal/audit"
)

// Events handles Server-Sent Events for tracked-state changes. The same
// access check as the list endpoints applies before the stream opens.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	// Probe permission with the cheapest query; a refused viewer never
	// gets a stream.
	if _, err := a.svc.SyncStatus(r.Context(), audit.ViewerFromContext(r.Context())); err != nil {
		a.deny(w, r, "events", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.events.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
