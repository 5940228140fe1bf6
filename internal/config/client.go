package config

import (
    "errors"
    "fmt"
    "time"
)

// ClientConfig configures the session client and its CLI.
type ClientConfig struct {
    BaseURL     string        // primary API base URL
    FallbackURL string        // used once when login completion fails on the primary
    Timeout     time.Duration // per-request timeout
    Retries     uint64        // extra attempts on the primary completion call

    InactivityTimeout time.Duration
    Heartbeat         time.Duration

    // StorageDSN is a SQLite DSN for persisted session state; empty keeps the
    // session in memory only.
    StorageDSN string
    // Scope namespaces the local login-attempt counter.
    Scope string

    ProfileKey      string
    AccessTokenKey  string
    RefreshTokenKey string

    LoginMaxAttempts int
    LoginWindow      time.Duration
}

// LoadClient reads CLIENT_* variables.  Only CLIENT_BASE_URL is required.
func LoadClient() (ClientConfig, error) {
    r := &reader{}
    cfg := ClientConfig{
        BaseURL:           r.must("CLIENT_BASE_URL"),
        FallbackURL:       envStr("CLIENT_FALLBACK_URL", ""),
        Timeout:           r.duration("CLIENT_TIMEOUT", 10*time.Second),
        Retries:           r.count("CLIENT_RETRIES", 2),
        InactivityTimeout: r.duration("CLIENT_INACTIVITY_TIMEOUT", 30*time.Minute),
        Heartbeat:         r.duration("CLIENT_HEARTBEAT", 5*time.Minute),
        StorageDSN:        envStr("CLIENT_STORAGE_DSN", ""),
        Scope:             envStr("CLIENT_SCOPE", "default"),
        ProfileKey:        envStr("CLIENT_PROFILE_KEY", "auth_user"),
        AccessTokenKey:    envStr("CLIENT_ACCESS_TOKEN_KEY", "auth_access_token"),
        RefreshTokenKey:   envStr("CLIENT_REFRESH_TOKEN_KEY", "auth_refresh_token"),
        LoginMaxAttempts:  r.integer("CLIENT_LOGIN_MAX_ATTEMPTS", 5),
        LoginWindow:       r.duration("CLIENT_LOGIN_WINDOW", 15*time.Minute),
    }
    if cfg.FallbackURL == "" {
        cfg.FallbackURL = cfg.BaseURL
    }
    if err := errors.Join(r.errs...); err != nil {
        return ClientConfig{}, fmt.Errorf("client config: %w", err)
    }
    return cfg, nil
}
