// Package esi is the read-side adapter for the game's public API. It
// paces requests, honours the API's error-limit signals, caches ETags
// and translates transport failures into the package's error taxonomy.
package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"moonwatch.org/internal/obs"
)

const (
	// DefaultBaseURL is the public tranquility endpoint.
	DefaultBaseURL = "https://esi.evetech.net/latest"

	defaultUserAgent  = "moonwatch.org structure tracker"
	defaultRetries    = 11
	defaultRetrySleep = 7 * time.Second
)

// retrySleepModifiers stretches the base retry sleep for statuses that
// historically need a longer cool-down before the upstream recovers.
var retrySleepModifiers = map[int]time.Duration{
	http.StatusInternalServerError: 19,
	http.StatusGatewayTimeout:      37,
}

type etagEntry struct {
	etag string
	body []byte
}

// Client is a paced, retrying HTTP client for the upstream API. Safe
// for concurrent use.
type Client struct {
	base       string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	retries    int
	retrySleep time.Duration

	// sleep is swappable so tests do not spend wall-clock time.
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	etags map[string]etagEntry
}

// Option adjusts client construction.
type Option func(*Client)

// WithBaseURL points the client at a non-default upstream, typically a
// test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.base = u }
}

// WithHTTPClient swaps the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRateLimit caps outbound request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithUserAgent sets the contact string sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRetries overrides the transient-failure retry budget.
func WithRetries(n int, sleep time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.retrySleep = sleep
	}
}

// New builds a client with the default pacing of 20 requests per second.
func New(opts ...Option) *Client {
	c := &Client{
		base:       DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(20), 40),
		userAgent:  defaultUserAgent,
		retries:    defaultRetries,
		retrySleep: defaultRetrySleep,
		etags:      make(map[string]etagEntry),
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// get fetches one URL and returns the body plus response headers. It
// retries transient failures with the per-status sleep modifier and
// serves 304 responses from the ETag cache.
func (c *Client) get(ctx context.Context, rawURL, token string) ([]byte, http.Header, error) {
	var lastStatus int
	for attempt := 0; attempt < c.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("esi: build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		c.mu.Lock()
		cached, haveCached := c.etags[rawURL]
		c.mu.Unlock()
		if haveCached {
			req.Header.Set("If-None-Match", cached.etag)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			obs.ESIRequestsTotal.WithLabelValues("network_error").Inc()
			lastStatus = 0
			if serr := c.sleep(ctx, c.retrySleep); serr != nil {
				return nil, nil, serr
			}
			continue
		}
		body, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		obs.ESIRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusOK:
			if rerr != nil {
				return nil, nil, fmt.Errorf("esi: read body: %w", rerr)
			}
			if etag := resp.Header.Get("ETag"); etag != "" {
				c.mu.Lock()
				c.etags[rawURL] = etagEntry{etag: etag, body: body}
				c.mu.Unlock()
			}
			return body, resp.Header, nil
		case resp.StatusCode == http.StatusNotModified:
			if !haveCached {
				return nil, nil, fmt.Errorf("esi: 304 without cached body: %w", ErrTransient)
			}
			return cached.body, resp.Header, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil, fmt.Errorf("esi: %s: %w", rawURL, ErrNotFound)
		case resp.StatusCode == 420 || resp.StatusCode == http.StatusTooManyRequests:
			// Error-limited. Back off at the scheduler, not here.
			return nil, nil, fmt.Errorf("esi: %s: %w", rawURL, ErrRateLimited)
		case resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden:
			return nil, nil, fmt.Errorf("esi: %s: status %d: %w", rawURL, resp.StatusCode, ErrRejected)
		case resp.StatusCode >= 500:
			lastStatus = resp.StatusCode
			d := c.retrySleep
			if m, ok := retrySleepModifiers[resp.StatusCode]; ok {
				d *= m
			}
			if serr := c.sleep(ctx, d); serr != nil {
				return nil, nil, serr
			}
			continue
		default:
			return nil, nil, fmt.Errorf("esi: %s: unexpected status %d: %w", rawURL, resp.StatusCode, ErrTransient)
		}
	}
	return nil, nil, fmt.Errorf("esi: retries exhausted (last status %d): %w", lastStatus, ErrTransient)
}

// getJSON fetches one unauthenticated or authenticated resource and
// decodes it.
func (c *Client) getJSON(ctx context.Context, path, token string, params url.Values, v any) error {
	body, _, err := c.get(ctx, c.buildURL(path, params), token)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("esi: decode %s: %w", path, err)
	}
	return nil
}

// getPages walks a paged collection. The page count comes from the
// X-Pages header on page one; each page body is handed to the callback.
func (c *Client) getPages(ctx context.Context, path, token string, params url.Values, each func(body []byte) error) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("page", "1")
	body, hdr, err := c.get(ctx, c.buildURL(path, params), token)
	if err != nil {
		return err
	}
	if err := each(body); err != nil {
		return err
	}
	pages := 1
	if raw := hdr.Get("X-Pages"); raw != "" {
		if n, perr := strconv.Atoi(raw); perr == nil && n > 1 {
			pages = n
		}
	}
	for page := 2; page <= pages; page++ {
		params.Set("page", strconv.Itoa(page))
		body, _, err := c.get(ctx, c.buildURL(path, params), token)
		if err != nil {
			return err
		}
		if err := each(body); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) buildURL(path string, params url.Values) string {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}
