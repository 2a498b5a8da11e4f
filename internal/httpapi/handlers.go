// Package httpapi is the HTTP read surface: health probes, metrics and
// the JSON endpoints over tracked state. Authentication happens in the
// fronting layer; this package trusts the identity headers it forwards
// and enforces access control on every data endpoint.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"moonwatch.org/internal/obs"
	"moonwatch.org/internal/query"
	"moonwatch.org/internal/store"
	"moonwatch.org/internal/stream"
)

// ReadyProbe checks readiness, typically a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *query.Service
	events     *stream.Stream
	readyProbe ReadyProbe
	version    string
}

func New(svc *query.Service, events *stream.Stream, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		events:     events,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// tracked state
	a.mux.HandleFunc("GET /v1/timers", a.Timers)
	a.mux.HandleFunc("GET /v1/structures/fuel", a.Fuel)
	a.mux.HandleFunc("GET /v1/structures/unfueled", a.Unfueled)
	a.mux.HandleFunc("GET /v1/extractions", a.Extractions)
	a.mux.HandleFunc("GET /v1/moons/{id}", a.Moon)
	a.mux.HandleFunc("GET /v1/sync/status", a.SyncStatus)
	a.mux.HandleFunc("GET /v1/sync/runs", a.SyncRuns)
	a.mux.HandleFunc("GET /v1/events", a.Events)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(WithViewer(a.mux))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "moonwatch-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "moonwatch-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. A viewer that is
// not permitted gets 403 and no hint about what exists.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, store.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
	default:
		obs.LogError("httpapi", err, nil)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
	}
}
