package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("config validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Config represents the bridge configuration
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Store      StoreConfig      `yaml:"store"`
	Roles      RolesConfig      `yaml:"roles"`
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = appendErrs(errors, c.Gateway.Validate())
	errors = appendErrs(errors, c.Upstream.Validate())
	errors = appendErrs(errors, c.Downstream.Validate())
	errors = appendErrs(errors, c.Store.Validate())
	errors = appendErrs(errors, c.Roles.Validate())

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func appendErrs(errors ValidationErrors, err error) ValidationErrors {
	if err == nil {
		return errors
	}
	if verrs, ok := err.(ValidationErrors); ok {
		return append(errors, verrs...)
	}
	if verr, ok := err.(*ValidationError); ok {
		return append(errors, *verr)
	}
	return append(errors, ValidationError{Message: err.Error()})
}

// GatewayConfig represents the inbound HTTP listener configuration
type GatewayConfig struct {
	BaseURL string `yaml:"baseURL"`
	Port    int    `yaml:"port"`
	TLS     *TLS   `yaml:"tls"`
}

// Validate validates the gateway configuration
func (g *GatewayConfig) Validate() error {
	var errors ValidationErrors

	if g.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "gateway.baseURL",
			Message: "baseURL cannot be empty",
		})
	} else {
		parsedURL, err := url.Parse(g.BaseURL)
		if err != nil {
			errors = append(errors, ValidationError{
				Field:   "gateway.baseURL",
				Message: fmt.Sprintf("invalid URL format: %v", err),
			})
		} else {
			if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
				errors = append(errors, ValidationError{
					Field:   "gateway.baseURL",
					Message: fmt.Sprintf("invalid URL scheme '%s': must be http or https", parsedURL.Scheme),
				})
			}
			if parsedURL.Host == "" {
				errors = append(errors, ValidationError{
					Field:   "gateway.baseURL",
					Message: "URL must include a host (e.g., http://localhost:8080)",
				})
			}
		}
	}

	if g.Port < 1 || g.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "gateway.port",
			Message: fmt.Sprintf("port %d is out of range: must be between 1 and 65535", g.Port),
		})
	}

	if g.TLS != nil && g.TLS.Enabled {
		if g.TLS.CertFile == "" {
			errors = append(errors, ValidationError{
				Field:   "gateway.tls.certFile",
				Message: "certFile is required when TLS is enabled",
			})
		}
		if g.TLS.KeyFile == "" {
			errors = append(errors, ValidationError{
				Field:   "gateway.tls.keyFile",
				Message: "keyFile is required when TLS is enabled",
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// TLS represents TLS configuration
type TLS struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// UpstreamConfig holds the inbound authentication configuration for the
// identity provider calling the bridge
type UpstreamConfig struct {
	Auth *AuthConfig `yaml:"auth"`
}

// Validate validates the upstream configuration
func (u *UpstreamConfig) Validate() error {
	if u.Auth == nil {
		return nil
	}
	return u.Auth.Validate("upstream.auth")
}

// AuthConfig represents inbound authentication configuration
type AuthConfig struct {
	Type   string      `yaml:"type"` // bearer, basic, jwt, none
	Basic  *BasicAuth  `yaml:"basic"`
	Bearer *BearerAuth `yaml:"bearer"`
	JWT    *JWTAuth    `yaml:"jwt"`
}

// Validate validates the authentication configuration
func (a *AuthConfig) Validate(fieldPrefix string) error {
	var errors ValidationErrors

	switch strings.ToLower(a.Type) {
	case "basic":
		if a.Basic == nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.basic", fieldPrefix),
				Message: "basic auth configuration is required when type is 'basic'",
			})
		} else {
			if a.Basic.Username == "" {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s.basic.username", fieldPrefix),
					Message: "username cannot be empty for basic auth",
				})
			}
			if a.Basic.Password == "" {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s.basic.password", fieldPrefix),
					Message: "password cannot be empty for basic auth",
				})
			}
		}
	case "bearer":
		if a.Bearer == nil || a.Bearer.Token == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.bearer.token", fieldPrefix),
				Message: "token cannot be empty for bearer auth",
			})
		}
	case "jwt":
		if a.JWT == nil || a.JWT.PublicKeyFile == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.jwt.publicKeyFile", fieldPrefix),
				Message: "publicKeyFile is required for jwt auth",
			})
		}
	case "none", "":
	default:
		errors = append(errors, ValidationError{
			Field:   fmt.Sprintf("%s.type", fieldPrefix),
			Message: fmt.Sprintf("invalid auth type '%s': must be 'bearer', 'basic', 'jwt', or 'none'", a.Type),
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// BasicAuth represents basic authentication configuration
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BearerAuth represents bearer token authentication configuration
type BearerAuth struct {
	Token string `yaml:"token"`
}

// JWTAuth represents JWT authentication configuration
type JWTAuth struct {
	PublicKeyFile string `yaml:"publicKeyFile"`
	Audience      string `yaml:"audience"`
	Issuer        string `yaml:"issuer"`
}

// DownstreamConfig holds the outbound connection to the authorization service
type DownstreamConfig struct {
	BaseURL        string      `yaml:"baseURL"`
	TimeoutSeconds int         `yaml:"timeoutSeconds"`
	OAuth          OAuthConfig `yaml:"oauth"`
}

// Validate validates the downstream configuration
func (d *DownstreamConfig) Validate() error {
	var errors ValidationErrors

	if d.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "downstream.baseURL",
			Message: "baseURL cannot be empty",
		})
	}
	if d.TimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "downstream.timeoutSeconds",
			Message: "timeoutSeconds cannot be negative",
		})
	}

	if d.OAuth.TokenURL == "" {
		errors = append(errors, ValidationError{
			Field:   "downstream.oauth.tokenURL",
			Message: "tokenURL cannot be empty",
		})
	}
	if d.OAuth.ClientID == "" {
		errors = append(errors, ValidationError{
			Field:   "downstream.oauth.clientID",
			Message: "clientID cannot be empty",
		})
	}
	if d.OAuth.ClientSecret == "" {
		errors = append(errors, ValidationError{
			Field:   "downstream.oauth.clientSecret",
			Message: "clientSecret cannot be empty (set it in the file or via SCIMBRIDGE_DOWNSTREAM_CLIENT_SECRET)",
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// OAuthConfig holds the client-credentials grant parameters for the
// downstream token endpoint
type OAuthConfig struct {
	TokenURL            string `yaml:"tokenURL"`
	ClientID            string `yaml:"clientID"`
	ClientSecret        string `yaml:"clientSecret"`
	Scope               string `yaml:"scope"`
	ExpiryBufferSeconds int    `yaml:"expiryBufferSeconds"`
}

// StoreConfig selects and configures the correlation store backend
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, memory
	Path   string `yaml:"path"`
}

// Validate validates the store configuration
func (s *StoreConfig) Validate() error {
	var errors ValidationErrors

	switch strings.ToLower(s.Driver) {
	case "sqlite", "":
		if s.Path == "" {
			errors = append(errors, ValidationError{
				Field:   "store.path",
				Message: "path is required for the sqlite store",
			})
		}
	case "memory":
	default:
		errors = append(errors, ValidationError{
			Field:   "store.driver",
			Message: fmt.Sprintf("invalid store driver '%s': must be 'sqlite' or 'memory'", s.Driver),
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// RolesConfig holds the role mapping table configuration
type RolesConfig struct {
	Default  string        `yaml:"default"`
	Strict   bool          `yaml:"strict"`
	Mappings []RoleMapping `yaml:"mappings"`
}

// RoleMapping maps one upstream role value to a set of downstream custom roles
type RoleMapping struct {
	Role        string   `yaml:"role"`
	CustomRoles []string `yaml:"customRoles"`
}

// ValidBaseRoles enumerates the downstream's built-in base roles
var ValidBaseRoles = []string{"reader", "writer", "admin", "no_access"}

// Validate validates the roles configuration
func (r *RolesConfig) Validate() error {
	var errors ValidationErrors

	valid := false
	for _, role := range ValidBaseRoles {
		if r.Default == role {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "roles.default",
			Message: fmt.Sprintf("invalid default base role '%s': must be one of %s", r.Default, strings.Join(ValidBaseRoles, ", ")),
		})
	}

	seen := make(map[string]bool)
	for i, m := range r.Mappings {
		if m.Role == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("roles.mappings[%d].role", i),
				Message: "role cannot be empty",
			})
			continue
		}
		if seen[m.Role] {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("roles.mappings[%d].role", i),
				Message: fmt.Sprintf("duplicate mapping for role: %s", m.Role),
			})
		}
		seen[m.Role] = true

		if len(m.CustomRoles) == 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("roles.mappings[%d].customRoles", i),
				Message: "customRoles cannot be empty",
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL: "http://localhost",
			Port:    8880,
		},
		Downstream: DownstreamConfig{
			TimeoutSeconds: 30,
			OAuth: OAuthConfig{
				ExpiryBufferSeconds: 60,
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./scimbridge.db",
		},
		Roles: RolesConfig{
			Default: "reader",
		},
	}
}
