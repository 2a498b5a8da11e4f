// Package sso keeps contributed OAuth credentials usable. It refreshes
// access tokens before they expire, collapses concurrent refreshes of
// the same identity into one upstream call and quarantines credentials
// the authorization server has revoked.
package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"moonwatch.org/internal/obs"
)

var (
	// ErrRevoked means the authorization server no longer honours the
	// refresh token. The credential is dead until re-contributed.
	ErrRevoked = errors.New("sso: credential revoked")
	// ErrTransient means the token endpoint could not be reached or
	// answered with a server error. The credential itself may be fine.
	ErrTransient = errors.New("sso: token endpoint unavailable")
	// ErrNoCredential means no credential is on file for the identity.
	ErrNoCredential = errors.New("sso: no credential")
)

// DefaultTokenURL is the production token endpoint.
const DefaultTokenURL = "https://login.eveonline.com/v2/oauth/token"

// DefaultRefreshMargin is how long before expiry a token counts as due.
const DefaultRefreshMargin = 30 * time.Second

// CredentialStore is the slice of the persistence layer this package
// needs.
type CredentialStore interface {
	Credential(ctx context.Context, characterID int64) (Credential, error)
	SaveCredential(ctx context.Context, c Credential) error
	ListCredentials(ctx context.Context) ([]Credential, error)
}

// Manager owns token refresh for all contributed credentials. Safe for
// concurrent use.
type Manager struct {
	store      CredentialStore
	httpClient *http.Client
	tokenURL   string
	clientID   string
	margin     time.Duration
	attempts   int
	backoff    time.Duration
	now        func() time.Time
	group      singleflight.Group
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithTokenURL points refreshes at a non-default endpoint.
func WithTokenURL(u string) Option {
	return func(m *Manager) { m.tokenURL = u }
}

// WithClientID sets the OAuth client identifier sent on refresh.
func WithClientID(id string) Option {
	return func(m *Manager) { m.clientID = id }
}

// WithHTTPClient swaps the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(m *Manager) { m.httpClient = h }
}

// WithRefreshMargin overrides how early tokens are refreshed.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) { m.margin = d }
}

// WithRetry overrides the transient retry budget.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.attempts = attempts
		m.backoff = backoff
	}
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager over the given credential store.
func NewManager(store CredentialStore, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokenURL:   DefaultTokenURL,
		margin:     DefaultRefreshMargin,
		attempts:   3,
		backoff:    time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EnsureValid returns a credential whose access token is good for at
// least the refresh margin, refreshing it first when needed. Concurrent
// callers for the same identity share a single refresh; every caller
// gets the same outcome.
func (m *Manager) EnsureValid(ctx context.Context, characterID int64) (Credential, error) {
	cred, err := m.store.Credential(ctx, characterID)
	if err != nil {
		return Credential{}, err
	}
	if cred.Revoked {
		return Credential{}, fmt.Errorf("character %d: %w", characterID, ErrRevoked)
	}
	if m.fresh(cred) {
		return cred, nil
	}

	key := strconv.FormatInt(characterID, 10)
	v, err, _ := m.group.Do(key, func() (any, error) {
		// Re-read under the flight: a refresh that completed while we
		// queued makes ours unnecessary.
		cur, err := m.store.Credential(ctx, characterID)
		if err != nil {
			return Credential{}, err
		}
		if cur.Revoked {
			return Credential{}, fmt.Errorf("character %d: %w", characterID, ErrRevoked)
		}
		if m.fresh(cur) {
			return cur, nil
		}
		return m.refresh(ctx, cur)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Sweep proactively refreshes every credential that is due, earliest
// expiry first. Revoked and transiently failing credentials do not stop
// the sweep; the first transient error is reported after all are tried.
func (m *Manager) Sweep(ctx context.Context) error {
	creds, err := m.store.ListCredentials(ctx)
	if err != nil {
		return err
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].Expiry.Before(creds[j].Expiry) })

	var firstErr error
	for _, c := range creds {
		if c.Revoked || m.fresh(c) {
			continue
		}
		if _, err := m.EnsureValid(ctx, c.CharacterID); err != nil {
			if errors.Is(err, ErrRevoked) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (m *Manager) fresh(c Credential) bool {
	return c.AccessToken != "" && c.Expiry.After(m.now().Add(m.margin))
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (m *Manager) refresh(ctx context.Context, cred Credential) (Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {m.clientID},
	}

	var lastErr error
	for attempt := 0; attempt < m.attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(m.backoff * time.Duration(1<<uint(attempt-1)))
			select {
			case <-ctx.Done():
				t.Stop()
				return Credential{}, ctx.Err()
			case <-t.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return Credential{}, fmt.Errorf("sso: build refresh request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := m.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Credential{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return m.applyRefresh(ctx, cred, body)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			var te tokenError
			_ = json.Unmarshal(body, &te)
			if te.Error == "invalid_grant" || resp.StatusCode == http.StatusUnauthorized {
				return Credential{}, m.markRevoked(ctx, cred, te.Description)
			}
			lastErr = fmt.Errorf("sso: refresh status %d (%s)", resp.StatusCode, te.Error)
			// Other 4xx answers are not worth hammering.
			obs.TokenRefreshesTotal.WithLabelValues("error").Inc()
			return Credential{}, fmt.Errorf("%v: %w", lastErr, ErrTransient)
		default:
			lastErr = fmt.Errorf("sso: refresh status %d", resp.StatusCode)
			continue
		}
	}
	obs.TokenRefreshesTotal.WithLabelValues("error").Inc()
	return Credential{}, fmt.Errorf("sso: character %d: %v: %w", cred.CharacterID, lastErr, ErrTransient)
}

func (m *Manager) applyRefresh(ctx context.Context, cred Credential, body []byte) (Credential, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, fmt.Errorf("sso: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Credential{}, fmt.Errorf("sso: empty access token: %w", ErrTransient)
	}

	cred.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		cred.RefreshToken = tr.RefreshToken
	}
	cred.Expiry = m.now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	// The access token is a JWT; its claims are the authoritative word
	// on identity and expiry when present. Signature verification is
	// the API server's job, not ours.
	if id, exp, err := tokenClaims(tr.AccessToken); err == nil {
		if id != 0 && id != cred.CharacterID {
			return Credential{}, m.markRevoked(ctx, cred, "token issued for different character")
		}
		if !exp.IsZero() {
			cred.Expiry = exp
		}
	}

	cred.UpdatedAt = m.now()
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return Credential{}, err
	}
	obs.TokenRefreshesTotal.WithLabelValues("success").Inc()
	obs.LogEvent("token_refreshed", map[string]any{
		"character_id": cred.CharacterID,
		"expiry":       cred.Expiry.Format(time.RFC3339),
	})
	return cred, nil
}

func (m *Manager) markRevoked(ctx context.Context, cred Credential, reason string) error {
	cred.Revoked = true
	cred.AccessToken = ""
	cred.UpdatedAt = m.now()
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return err
	}
	obs.TokenRefreshesTotal.WithLabelValues("revoked").Inc()
	obs.LogEvent("credential_revoked", map[string]any{
		"character_id": cred.CharacterID,
		"reason":       reason,
	})
	return fmt.Errorf("character %d: %w", cred.CharacterID, ErrRevoked)
}

// tokenClaims reads character id and expiry from an access token
// without verifying the signature.
func tokenClaims(token string) (int64, time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return 0, time.Time{}, err
	}
	var id int64
	if sub, err := claims.GetSubject(); err == nil {
		// Subject has the form "CHARACTER:EVE:<id>".
		if i := strings.LastIndex(sub, ":"); i >= 0 {
			id, _ = strconv.ParseInt(sub[i+1:], 10, 64)
		}
	}
	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}
	return id, exp, nil
}
