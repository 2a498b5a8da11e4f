package esi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithBaseURL(srv.URL),
		WithRateLimit(10000, 10000),
		WithRetries(3, time.Millisecond),
	}
	c := New(append(base, opts...)...)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestCorporationStructuresPaged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.Header().Set("X-Pages", "2")
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `[{"structure_id":1001,"corporation_id":2,"system_id":30000142,"type_id":35835,"name":"Alpha","state":"shield_vulnerable","services":[{"name":"Moon Drilling","state":"online"}]}]`)
		case "2":
			fmt.Fprint(w, `[{"structure_id":1002,"corporation_id":2,"system_id":30000142,"type_id":35835,"name":"Beta","state":"anchoring"}]`)
		default:
			http.Error(w, "bad page", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	xs, err := c.CorporationStructures(context.Background(), "tok", 2)
	if err != nil {
		t.Fatalf("CorporationStructures: %v", err)
	}
	if len(xs) != 2 {
		t.Fatalf("expected 2 structures across pages, got %d", len(xs))
	}
	if !xs[0].HasMoonDrill() {
		t.Fatalf("Alpha fits a moon drill")
	}
	if xs[1].HasMoonDrill() {
		t.Fatalf("Beta does not fit a moon drill")
	}
}

func TestRateLimitedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(420)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Corporation(context.Background(), 2)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("error-limited request must not be retried, got %d calls", n)
	}
}

func TestTransientRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"name":"Ascendance","ticker":"ASC","alliance_id":99}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	corp, err := c.Corporation(context.Background(), 2)
	if err != nil {
		t.Fatalf("Corporation: %v", err)
	}
	if corp.Ticker != "ASC" || corp.AllianceID != 99 {
		t.Fatalf("unexpected corporation %+v", corp)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 2 retries then success, got %d calls", n)
	}
}

func TestTransientRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Corporation(context.Background(), 2)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient after budget, got %v", err)
	}
}

func TestRejectedAndNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/corporations/1/":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	if _, err := c.Corporation(context.Background(), 1); !errors.Is(err, ErrRejected) {
		t.Fatalf("403 should map to ErrRejected, got %v", err)
	}
	if _, err := c.Corporation(context.Background(), 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("404 should map to ErrNotFound, got %v", err)
	}
}

func TestETagServesCachedBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("ETag", `"abc"`)
			fmt.Fprint(w, `{"system_id":30000142,"constellation_id":20000020,"name":"Jita"}`)
			return
		}
		if r.Header.Get("If-None-Match") != `"abc"` {
			t.Errorf("second request should carry If-None-Match")
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	first, err := c.System(context.Background(), 30000142)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := c.System(context.Background(), 30000142)
	if err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if first != second || second.Name != "Jita" {
		t.Fatalf("cached body mismatch: %+v vs %+v", first, second)
	}
}

func TestHealthyGate(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{`{"players":25000,"vip":false}`, true},
		{`{"players":25000,"vip":true}`, false},
		{`{"players":50}`, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, tc.body)
		}))
		c := testClient(t, srv)
		got, err := c.Healthy(context.Background())
		srv.Close()
		if err != nil {
			t.Fatalf("Healthy: %v", err)
		}
		if got != tc.want {
			t.Fatalf("Healthy with %s = %v, want %v", tc.body, got, tc.want)
		}
	}
}
