package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"moonwatch.org/internal/audit"
	"moonwatch.org/internal/query"
	"moonwatch.org/internal/tracker"
)

// Timers lists structures with an active state timer.
func (a *API) Timers(w http.ResponseWriter, r *http.Request) {
	v := audit.ViewerFromContext(r.Context())
	out, err := a.svc.Timers(r.Context(), v)
	if err != nil {
		a.deny(w, r, "timers", err)
		return
	}
	if out == nil {
		out = []query.StructureView{}
	}
	writeJSON(w, http.StatusOK, out)
}

// Fuel lists fuelled structures by soonest expiry.
func (a *API) Fuel(w http.ResponseWriter, r *http.Request) {
	v := audit.ViewerFromContext(r.Context())
	out, err := a.svc.Fuel(r.Context(), v)
	if err != nil {
		a.deny(w, r, "fuel", err)
		return
	}
	if out == nil {
		out = []query.StructureView{}
	}
	writeJSON(w, http.StatusOK, out)
}

// Unfueled lists structures with nothing in the fuel bay.
func (a *API) Unfueled(w http.ResponseWriter, r *http.Request) {
	v := audit.ViewerFromContext(r.Context())
	out, err := a.svc.Unfueled(r.Context(), v)
	if err != nil {
		a.deny(w, r, "unfueled", err)
		return
	}
	if out == nil {
		out = []query.StructureView{}
	}
	writeJSON(w, http.StatusOK, out)
}

// Extractions lists extraction cycles; ?phase= narrows to one phase.
func (a *API) Extractions(w http.ResponseWriter, r *http.Request) {
	v := audit.ViewerFromContext(r.Context())
	phase := tracker.ExtractionPhase(r.URL.Query().Get("phase"))
	switch phase {
	case "", tracker.PhaseUnscheduled, tracker.PhaseScheduled, tracker.PhaseCompleted, tracker.PhaseExpired:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown phase"})
		return
	}
	out, err := a.svc.Extractions(r.Context(), v, phase)
	if err != nil {
		a.deny(w, r, "extractions", err)
		return
	}
	if out == nil {
		out = []query.ExtractionView{}
	}
	writeJSON(w, http.StatusOK, out)
}

// Moon returns one moon with its drilling structures and extractions.
func (a *API) Moon(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid moon id"})
		return
	}
	v := audit.ViewerFromContext(r.Context())
	out, err := a.svc.Moon(r.Context(), v, id)
	if err != nil {
		a.deny(w, r, "moon", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// SyncStatus reports per-corporation data freshness.
func (a *API) SyncStatus(w http.ResponseWriter, r *http.Request) {
	v := audit.ViewerFromContext(r.Context())
	out, err := a.svc.SyncStatus(r.Context(), v)
	if err != nil {
		a.deny(w, r, "sync_status", err)
		return
	}
	if out == nil {
		out = []tracker.CorporationSyncStatus{}
	}
	writeJSON(w, http.StatusOK, out)
}

// SyncRuns returns recent sync run records, newest first.
func (a *API) SyncRuns(w http.ResponseWriter, r *http.Request) {
	v := audit.ViewerFromContext(r.Context())
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}
	out, err := a.svc.RecentRuns(r.Context(), v, limit)
	if err != nil {
		a.deny(w, r, "sync_runs", err)
		return
	}
	if out == nil {
		out = []tracker.SyncRun{}
	}
	writeJSON(w, http.StatusOK, out)
}

// deny writes the error response and audits refused access.
func (a *API) deny(w http.ResponseWriter, r *http.Request, resource string, err error) {
	if errors.Is(err, query.ErrForbidden) {
		audit.AccessDecision(r.Context(), resource, false)
	}
	writeError(w, err)
}
