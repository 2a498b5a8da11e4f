package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"moonwatch.org/internal/acl"
	"moonwatch.org/internal/query"
	"moonwatch.org/internal/store"
	"moonwatch.org/internal/tracker"
)

func tp(t time.Time) *time.Time { return &t }

func newTestAPI(t *testing.T, now time.Time) (*API, *store.InMemory) {
	t.Helper()
	evaluator, err := acl.New([]acl.Rule{{Kind: acl.KindAlliance, SubjectID: 99, Effect: acl.Include}}, false)
	if err != nil {
		t.Fatalf("acl.New: %v", err)
	}
	mem := store.NewInMemory()
	svc := query.New(mem, evaluator, time.Hour, query.WithClock(func() time.Time { return now }))
	return New(svc, nil, ReadyProbe{}, "test"), mem
}

func get(t *testing.T, a *API, path string, member bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if member {
		req.Header.Set("X-Character-ID", "8")
		req.Header.Set("X-Corporation-ID", "2")
		req.Header.Set("X-Alliance-ID", "99")
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndInfo(t *testing.T) {
	a, _ := newTestAPI(t, time.Now())

	rec := get(t, a, "/healthz", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("healthz not JSON: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	rec = get(t, a, "/readyz", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status %d", rec.Code)
	}
	rec = get(t, a, "/v1/info", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("info status %d", rec.Code)
	}
}

func TestTimersRequirePermission(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, mem := newTestAPI(t, now)
	_, _ = mem.UpsertStructure(context.Background(), tracker.Structure{
		ID: 1, CorporationID: 2, Exists: true, StateTimerEnd: tp(now.Add(time.Hour)), LastUpdate: now,
	})

	rec := get(t, a, "/v1/timers", false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("anonymous viewer got %d, want 403", rec.Code)
	}

	rec = get(t, a, "/v1/timers", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("member got %d, want 200", rec.Code)
	}
	var timers []query.StructureView
	if err := json.Unmarshal(rec.Body.Bytes(), &timers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(timers) != 1 || timers[0].ID != 1 {
		t.Fatalf("unexpected timers: %+v", timers)
	}
}

func TestEmptyListsAreArrays(t *testing.T) {
	a, _ := newTestAPI(t, time.Now())
	for _, path := range []string{"/v1/timers", "/v1/extractions", "/v1/sync/status", "/v1/structures/fuel"} {
		rec := get(t, a, path, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status %d", path, rec.Code)
		}
		if !strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "[") {
			t.Fatalf("%s should return a JSON array, got %q", path, rec.Body.String())
		}
	}
}

func TestExtractionsPhaseValidation(t *testing.T) {
	a, _ := newTestAPI(t, time.Now())
	rec := get(t, a, "/v1/extractions?phase=imaginary", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown phase got %d, want 400", rec.Code)
	}
	rec = get(t, a, "/v1/extractions?phase=scheduled", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid phase got %d, want 200", rec.Code)
	}
}

func TestMoonEndpoint(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, mem := newTestAPI(t, now)
	ctx := context.Background()
	_ = mem.UpsertSystem(ctx, tracker.System{ID: 30000142, Name: "Jita", UpdatedAt: now})
	_ = mem.UpsertMoon(ctx, tracker.Moon{ID: 40161465, SystemID: 30000142, Name: "Jita IV - Moon 4", UpdatedAt: now})

	rec := get(t, a, "/v1/moons/40161465", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("moon got %d, want 200", rec.Code)
	}
	var view query.MoonView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Moon.ID != 40161465 || view.System.Name != "Jita" {
		t.Fatalf("unexpected moon view: %+v", view)
	}

	rec = get(t, a, "/v1/moons/404404", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing moon got %d, want 404", rec.Code)
	}
	rec = get(t, a, "/v1/moons/zero", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id got %d, want 400", rec.Code)
	}
}

func TestAttributionRedactedOverHTTP(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, mem := newTestAPI(t, now)
	_, _ = mem.UpsertExtraction(context.Background(), tracker.Extraction{
		StructureID: 1001, MoonID: 40161465, CorporationID: 2, CharacterID: 7,
		ExtractionStartTime: now.Add(-24 * time.Hour), ChunkArrivalTime: tp(now.Add(24 * time.Hour)),
		LastUpdate: now,
	})

	rec := get(t, a, "/v1/extractions", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var xs []query.ExtractionView
	if err := json.Unmarshal(rec.Body.Bytes(), &xs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(xs) != 1 || xs[0].CharacterID != 0 {
		t.Fatalf("attribution leaked to non-contributor: %+v", xs)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/extractions", nil)
	req.Header.Set("X-Character-ID", "7")
	req.Header.Set("X-Corporation-ID", "2")
	req.Header.Set("X-Alliance-ID", "99")
	req.Header.Set("X-Contributor", "true")
	recorder := httptest.NewRecorder()
	a.Handler().ServeHTTP(recorder, req)
	if err := json.Unmarshal(recorder.Body.Bytes(), &xs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if xs[0].CharacterID != 7 {
		t.Fatalf("contributor should see attribution: %+v", xs)
	}
}
