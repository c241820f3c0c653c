package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultServerURL = "http://localhost:3001"
	DefaultScope     = "openid profile email"
)

// CLIConfig is the snapshot a single CLI invocation runs with.
type CLIConfig struct {
	ServerURL   string `yaml:"server_url"`
	ClientID    string `yaml:"client_id"`
	Scope       string `yaml:"scope"`
	OpenBrowser *bool  `yaml:"open_browser,omitempty"`
}

// CLIDir returns the per-user directory holding CLI state.
func CLIDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "agent"), nil
}

// DefaultCLIConfigPath returns the location of config.yaml.
func DefaultCLIConfigPath() (string, error) {
	dir, err := CLIDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadCLIConfig reads the YAML file at path (a missing file is fine) and layers
// AGENT_* environment variables on top.
func LoadCLIConfig(path string) (CLIConfig, error) {
	var cfg CLIConfig
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return CLIConfig{}, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return CLIConfig{}, fmt.Errorf("read cli config: %w", err)
		}
	}
	cfg.ServerURL = GetString("AGENT_SERVER_URL", cfg.ServerURL)
	cfg.ClientID = GetString("AGENT_CLIENT_ID", cfg.ClientID)
	cfg.Scope = GetString("AGENT_SCOPE", cfg.Scope)
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	return cfg, nil
}

// WithOverrides returns a copy with non-empty flag values applied.
func (c CLIConfig) WithOverrides(serverURL, clientID, scope string) CLIConfig {
	if v := strings.TrimSpace(serverURL); v != "" {
		c.ServerURL = v
	}
	if v := strings.TrimSpace(clientID); v != "" {
		c.ClientID = v
	}
	if v := strings.TrimSpace(scope); v != "" {
		c.Scope = v
	}
	return c
}

// ShouldOpenBrowser reports the configured preference, defaulting to true.
func (c CLIConfig) ShouldOpenBrowser() bool {
	return c.OpenBrowser == nil || *c.OpenBrowser
}

// ValidateServer checks the server URL only (whoami does not need a client id).
func (c CLIConfig) ValidateServer() error {
	return ValidateServerURL(c.ServerURL)
}

// Validate checks everything login needs.
func (c CLIConfig) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%w: client id is not set (use --client-id or AGENT_CLIENT_ID)", ErrConfiguration)
	}
	return c.ValidateServer()
}

// ValidateServerURL rejects anything that is not an absolute http(s) URL.
func ValidateServerURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: server url is empty", ErrConfiguration)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: server url: %v", ErrConfiguration, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: server url scheme must be http or https, got %q", ErrConfiguration, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: server url must include a host", ErrConfiguration)
	}
	return nil
}
