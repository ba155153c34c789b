// Package config loads and validates the YAML configuration recognized by
// spec.md §6: the listen endpoint, optional TLS material, the static-root
// and origin whitelist, and the additions SPEC_FULL.md §10.3 layers on
// top (idle_timeout_seconds, max_connections, rate_limit_per_second,
// rate_limit_burst).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the entire application configuration, loaded from a YAML file.
type Config struct {
	ListenAddress string `yaml:"listen_address"`

	WebRoot    string   `yaml:"web_root"`
	WebOrigins []string `yaml:"web_origins"`

	WebCACertificate       string `yaml:"web_ca_certificate"`
	WebServerCertificate   string `yaml:"web_server_certificate"`
	WebServerPrivateKey    string `yaml:"web_server_private_key"`

	WebPriority int `yaml:"web_priority"`

	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	MaxConnections     int `yaml:"max_connections"`

	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// IdleTimeout returns the configured idle timeout as a time.Duration. Zero
// means no idle timeout is enforced.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// TLSEnabled reports whether a certificate and key were both configured.
func (c *Config) TLSEnabled() bool {
	return c.WebServerCertificate != "" && c.WebServerPrivateKey != ""
}

// validate rejects configuration combinations spec.md §4.4 and §6 call out
// as invalid: a missing listen address, a cert without its key (or vice
// versa — the original's "missing cert AND missing key" rule loosened to
// xor is also invalid, not just TLS-disabling), and a negative idle
// timeout.
func (c *Config) validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must be set")
	}
	if c.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idle_timeout_seconds cannot be negative")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections cannot be negative")
	}

	hasCert := c.WebServerCertificate != ""
	hasKey := c.WebServerPrivateKey != ""
	if hasCert != hasKey {
		return fmt.Errorf("web_server_certificate and web_server_private_key must both be set or both be empty")
	}
	if c.WebCACertificate != "" && !hasCert {
		return fmt.Errorf("web_ca_certificate requires web_server_certificate/web_server_private_key to also be set")
	}

	if c.WebRoot != "" {
		if _, err := os.Stat(c.WebRoot); err != nil {
			return fmt.Errorf("web_root %q must exist: %w", c.WebRoot, err)
		}
	}

	return nil
}

// Load reads the configuration at path, unmarshals it, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}
