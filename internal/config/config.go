// Package config assembles runtime settings from MOONWATCH_-prefixed
// environment variables. Every knob has a default good enough for local
// development; production sets the DSN and OAuth client explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string
	// PostgresDSN selects the Postgres store; empty means in-memory.
	PostgresDSN string

	// ACLPath is the JSON rule file; empty means no rules, only the
	// default policy applies.
	ACLPath string
	// ACLDefaultAllow flips the no-match outcome. Deny by default.
	ACLDefaultAllow bool

	// ESIBaseURL and ESIUserAgent configure the upstream client.
	ESIBaseURL   string
	ESIUserAgent string

	// SSOTokenURL and SSOClientID configure token refresh.
	SSOTokenURL string
	SSOClientID string
	// TokenRefreshMargin is how long before expiry a token is refreshed.
	TokenRefreshMargin time.Duration
	// TokenSweepInterval paces the proactive refresh sweep.
	TokenSweepInterval time.Duration

	// StructurePollInterval is how often each corporation's structures
	// and extractions are re-read.
	StructurePollInterval time.Duration
	// UniversePollInterval is how often reference entities are refreshed.
	UniversePollInterval time.Duration
	// StaleThreshold is the data age beyond which reads are flagged stale.
	StaleThreshold time.Duration
	// Workers bounds the sync worker pool.
	Workers int
}

const envPrefix = "MOONWATCH_"

// FromEnv reads configuration from the environment.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:            getString("LISTEN_ADDR", ":8080"),
		PostgresDSN:           getString("PG_DSN", ""),
		ACLPath:               getString("ACL_PATH", ""),
		ESIBaseURL:            getString("ESI_BASE_URL", ""),
		ESIUserAgent:          getString("ESI_USER_AGENT", ""),
		SSOTokenURL:           getString("SSO_TOKEN_URL", ""),
		SSOClientID:           getString("SSO_CLIENT_ID", ""),
	}
	var err error
	if cfg.ACLDefaultAllow, err = getBool("ACL_DEFAULT_ALLOW", false); err != nil {
		return Config{}, err
	}
	if cfg.TokenRefreshMargin, err = getDuration("TOKEN_REFRESH_MARGIN", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TokenSweepInterval, err = getDuration("TOKEN_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.StructurePollInterval, err = getDuration("STRUCTURE_POLL_INTERVAL", 9*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.UniversePollInterval, err = getDuration("UNIVERSE_POLL_INTERVAL", 65*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.StaleThreshold, err = getDuration("STALE_THRESHOLD", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = getInt("WORKERS", 4); err != nil {
		return Config{}, err
	}
	if cfg.Workers < 1 {
		return Config{}, fmt.Errorf("config: %sWORKERS must be at least 1", envPrefix)
	}
	return cfg, nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

func getBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return b, nil
}

func getInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s%s must not be negative", envPrefix, key)
	}
	return d, nil
}
