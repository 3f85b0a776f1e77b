package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file-based secrets, so credentials
// can stay out of the config file.
const (
	EnvDownstreamClientSecret = "SCIMBRIDGE_DOWNSTREAM_CLIENT_SECRET"
	EnvUpstreamBearerToken    = "SCIMBRIDGE_UPSTREAM_BEARER_TOKEN"
)

// Load reads a YAML configuration file, applies defaults and environment
// overrides, and returns the result. The returned config is not validated;
// call Validate before use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Downstream.TimeoutSeconds == 0 {
		cfg.Downstream.TimeoutSeconds = 30
	}
	if cfg.Downstream.OAuth.ExpiryBufferSeconds == 0 {
		cfg.Downstream.OAuth.ExpiryBufferSeconds = 60
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
}

func applyEnv(cfg *Config) {
	if secret := os.Getenv(EnvDownstreamClientSecret); secret != "" {
		cfg.Downstream.OAuth.ClientSecret = secret
	}
	if token := os.Getenv(EnvUpstreamBearerToken); token != "" {
		if cfg.Upstream.Auth == nil {
			cfg.Upstream.Auth = &AuthConfig{Type: "bearer"}
		}
		if cfg.Upstream.Auth.Bearer == nil {
			cfg.Upstream.Auth.Bearer = &BearerAuth{}
		}
		cfg.Upstream.Auth.Bearer.Token = token
	}
}
