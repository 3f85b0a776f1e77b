// Package scimbridge is a bidirectional protocol bridge between a SCIM 2.0
// identity provider and a downstream authorization service with a vendor
// role schema and an OAuth2 client-credentials handshake.
package scimbridge

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/marcelom97/scimbridge/auth"
	"github.com/marcelom97/scimbridge/config"
	"github.com/marcelom97/scimbridge/downstream"
	"github.com/marcelom97/scimbridge/provision"
	"github.com/marcelom97/scimbridge/rolemap"
	"github.com/marcelom97/scimbridge/scim"
	"github.com/marcelom97/scimbridge/store"
	"github.com/marcelom97/scimbridge/token"
)

// discardLogger returns a no-op logger that discards all output
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Bridge represents a SCIM bridge instance
type Bridge struct {
	config  *config.Config
	store   store.Store
	handler http.Handler
	logger  *slog.Logger
}

// New creates a new Bridge instance
func New(cfg *config.Config) *Bridge {
	return &Bridge{
		config: cfg,
		logger: discardLogger(), // Default to no-op logger
	}
}

// SetLogger sets the optional logger for the bridge.
// Pass nil to disable logging (default behavior).
func (b *Bridge) SetLogger(logger *slog.Logger) {
	if logger == nil {
		b.logger = discardLogger()
	} else {
		b.logger = logger
	}
}

// SetStore overrides the correlation store selected by the configuration.
// Must be called before Initialize.
func (b *Bridge) SetStore(st store.Store) {
	b.store = st
}

// Initialize wires the bridge components (must be called before Start)
func (b *Bridge) Initialize() error {
	if err := b.config.Validate(); err != nil {
		b.logger.Error("configuration validation failed", "error", err)
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if b.store == nil {
		st, err := openStore(&b.config.Store)
		if err != nil {
			b.logger.Error("failed to open correlation store", "error", err)
			return err
		}
		b.store = st
	}

	rules := make([]rolemap.Rule, 0, len(b.config.Roles.Mappings))
	for _, m := range b.config.Roles.Mappings {
		rules = append(rules, rolemap.Rule{Role: m.Role, CustomRoles: m.CustomRoles})
	}
	table, err := rolemap.New(rules, b.config.Roles.Default, b.config.Roles.Strict)
	if err != nil {
		return fmt.Errorf("invalid role mapping table: %w", err)
	}

	tokens := token.NewManager(token.Config{
		TokenURL:     b.config.Downstream.OAuth.TokenURL,
		ClientID:     b.config.Downstream.OAuth.ClientID,
		ClientSecret: b.config.Downstream.OAuth.ClientSecret,
		Scope:        b.config.Downstream.OAuth.Scope,
		ExpiryBuffer: time.Duration(b.config.Downstream.OAuth.ExpiryBufferSeconds) * time.Second,
	}, nil, b.logger)

	client := downstream.NewClient(
		b.config.Downstream.BaseURL,
		tokens,
		time.Duration(b.config.Downstream.TimeoutSeconds)*time.Second,
		b.logger,
	)

	service := provision.NewService(b.store, client, table, b.config.Gateway.BaseURL, b.logger)
	server := scim.NewServerWithLogger(b.config.Gateway.BaseURL, service, b.logger)

	authenticator, err := buildAuthenticator(b.config.Upstream.Auth)
	if err != nil {
		return fmt.Errorf("invalid upstream auth configuration: %w", err)
	}

	var handler http.Handler = server
	handler = auth.Middleware(authenticator)(handler)
	handler = LoggingMiddleware(b.logger)(handler)
	b.handler = handler

	b.logger.Info("bridge initialized",
		"base_url", b.config.Gateway.BaseURL,
		"downstream", b.config.Downstream.BaseURL,
		"store", b.config.Store.Driver,
		"mapping_rules", len(rules),
		"default_role", b.config.Roles.Default,
	)

	return nil
}

// openStore opens the configured correlation store backend
func openStore(cfg *config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.Path)
	}
}

// buildAuthenticator creates the inbound authenticator from config
func buildAuthenticator(cfg *config.AuthConfig) (auth.Authenticator, error) {
	if cfg == nil {
		return nil, nil
	}
	switch strings.ToLower(cfg.Type) {
	case "bearer":
		return auth.NewBearerAuthenticator(cfg.Bearer.Token), nil
	case "basic":
		return auth.NewBasicAuthenticator(cfg.Basic.Username, cfg.Basic.Password), nil
	case "jwt":
		return auth.NewJWTAuthenticator(cfg.JWT.PublicKeyFile, cfg.JWT.Audience, cfg.JWT.Issuer)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

// Handler returns the HTTP handler for the bridge.
// Returns an error if the bridge has not been initialized.
func (b *Bridge) Handler() (http.Handler, error) {
	if b.handler == nil {
		return nil, fmt.Errorf("bridge not initialized - call Initialize() first")
	}
	return b.handler, nil
}

// Start starts the bridge HTTP server (blocking)
func (b *Bridge) Start() error {
	if b.handler == nil {
		if err := b.Initialize(); err != nil {
			b.logger.Error("failed to initialize bridge", "error", err)
			return err
		}
	}

	if b.config.Gateway.Port == 0 {
		return fmt.Errorf("port is required for standalone mode - use Handler() for embedded mode")
	}

	addr := fmt.Sprintf(":%d", b.config.Gateway.Port)

	if b.config.Gateway.TLS != nil && b.config.Gateway.TLS.Enabled {
		b.logger.Info("starting SCIM bridge with TLS",
			"addr", addr,
			"cert_file", b.config.Gateway.TLS.CertFile,
		)
		err := http.ListenAndServeTLS(
			addr,
			b.config.Gateway.TLS.CertFile,
			b.config.Gateway.TLS.KeyFile,
			b.handler,
		)
		if err != nil {
			b.logger.Error("bridge server stopped", "error", err)
		}
		return err
	}

	b.logger.Info("starting SCIM bridge", "addr", addr)
	err := http.ListenAndServe(addr, b.handler)
	if err != nil {
		b.logger.Error("bridge server stopped", "error", err)
	}
	return err
}

// Close releases the correlation store
func (b *Bridge) Close() error {
	if b.store == nil {
		return nil
	}
	return b.store.Close()
}

// Config returns the bridge configuration
func (b *Bridge) Config() *config.Config {
	return b.config
}
