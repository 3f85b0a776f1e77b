// Package token manages the OAuth2 client-credentials access token used for
// outbound calls to the downstream authorization service.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultExpiryBuffer is how long before expiry a cached token is
	// considered stale and refreshed.
	DefaultExpiryBuffer = 60 * time.Second

	// DefaultLifetime applies when the token endpoint omits expires_in.
	// Such tokens are treated as long-lived rather than re-fetched on
	// every call.
	DefaultLifetime = 365 * 24 * time.Hour
)

// AcquisitionError reports a failed token acquisition: a non-2xx response
// from the token endpoint or an unparseable body.
type AcquisitionError struct {
	Status int // zero for transport or decode failures
	Detail string
}

// Error implements the error interface
func (e *AcquisitionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token acquisition failed with status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("token acquisition failed: %s", e.Detail)
}

// Config holds the client-credentials grant parameters
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	// ExpiryBuffer overrides DefaultExpiryBuffer when positive.
	ExpiryBuffer time.Duration
}

// Manager caches a bearer token and refreshes it on demand. Concurrent
// callers during a cache miss collapse into a single outbound refresh via a
// single-flight group; every waiter receives the result of that one call.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewManager creates a token manager. httpClient may be nil, in which case a
// client with a 30s timeout is used. logger may be nil.
func NewManager(cfg Config, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ExpiryBuffer <= 0 {
		cfg.ExpiryBuffer = DefaultExpiryBuffer
	}
	return &Manager{
		cfg:    cfg,
		client: httpClient,
		logger: logger,
	}
}

// Token returns a valid access token, performing at most one network
// round-trip regardless of how many goroutines call concurrently. A cached
// token is reused unless it is absent or within the expiry buffer of its
// expiry time.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: a refresh that completed while this
		// caller was queueing already produced a fresh token.
		if tok, ok := m.cached(); ok {
			return tok, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ForceRefresh invalidates the cached token and acquires a fresh one
// unconditionally. It is used after the downstream reports an authorization
// failure, to recover from tokens revoked out-of-band.
//
// Forced refreshes run under their own flight key: joining a Token-initiated
// flight could hand back a token that was cached before the invalidation.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()

	v, err, _ := m.group.Do("force-refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// cached returns the current token if it is still comfortably inside its
// validity window.
func (m *Manager) cached() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		return "", false
	}
	if time.Until(m.expiresAt) <= m.cfg.ExpiryBuffer {
		return "", false
	}
	return m.token, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// refresh performs the client-credentials POST. Failures are terminal for
// this call; retry policy belongs to the caller.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")
	if m.cfg.Scope != "" {
		form.Set("scope", m.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AcquisitionError{Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &AcquisitionError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &AcquisitionError{Detail: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := http.StatusText(resp.StatusCode)
		for _, key := range []string{"error_description", "error"} {
			if v := gjson.GetBytes(body, key); v.Exists() {
				detail = v.String()
				break
			}
		}
		return "", &AcquisitionError{
			Status: resp.StatusCode,
			Detail: detail,
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &AcquisitionError{Detail: fmt.Sprintf("malformed token response: %v", err)}
	}
	if tr.AccessToken == "" {
		return "", &AcquisitionError{Detail: "token response missing access_token"}
	}

	lifetime := DefaultLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}

	m.mu.Lock()
	m.token = tr.AccessToken
	m.expiresAt = time.Now().Add(lifetime)
	m.mu.Unlock()

	m.logger.Debug("acquired downstream access token", "expires_in", lifetime.String())

	return tr.AccessToken, nil
}
