// Package config loads the apphub.json configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "apphub.json"

	// DefaultAddress is the default listen address.
	DefaultAddress = "127.0.0.1:26423"

	// DefaultDataDir is the default root for persisted state.
	DefaultDataDir = "data"
)

// Config represents the complete apphub.json configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string `json:"address,omitempty"`

	// DataDir is the root directory for persisted state: tokens,
	// assets, and plugin state live under it.
	DataDir string `json:"data_dir,omitempty"`

	// PluginsDir overrides the plugins directory; defaults to
	// <data_dir>/plugins.
	PluginsDir string `json:"plugins_dir,omitempty"`

	// TokenFile overrides the token store path; defaults to
	// <data_dir>/tokens.json.
	TokenFile string `json:"token_file,omitempty"`

	// TrustedOrigins are origins accepted for websocket upgrades in
	// addition to the server's own host.
	TrustedOrigins []string `json:"trusted_origins,omitempty"`

	// DashboardToken authorizes dashboard sessions. Empty disables
	// dashboard connections.
	DashboardToken string `json:"dashboard_token,omitempty"`

	// Assets selects the asset store backend.
	Assets AssetsConfig `json:"assets,omitempty"`

	// Installer configures the package-manager command used for
	// plugin dependency installation.
	Installer InstallerConfig `json:"installer,omitempty"`

	configPath string
}

// AssetsConfig selects and configures the asset store backend.
type AssetsConfig struct {
	// Backend is "dir" (default) or "s3".
	Backend string `json:"backend,omitempty"`

	// Dir is the directory backend's root; defaults to
	// <data_dir>/assets.
	Dir string `json:"dir,omitempty"`

	// Bucket and Prefix configure the S3 backend.
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// InstallerConfig is the package-manager invocation for plugin
// dependencies. Empty disables dependency resolution.
type InstallerConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// Load reads the configuration from path, or from apphub.json in the
// working directory when path is empty. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigFileName
	}
	cfg := &Config{configPath: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.PluginsDir == "" {
		c.PluginsDir = filepath.Join(c.DataDir, "plugins")
	}
	if c.TokenFile == "" {
		c.TokenFile = filepath.Join(c.DataDir, "tokens.json")
	}
	if c.Assets.Backend == "" {
		c.Assets.Backend = "dir"
	}
	if c.Assets.Dir == "" {
		c.Assets.Dir = filepath.Join(c.DataDir, "assets")
	}
}

// Path returns where the config was loaded from.
func (c *Config) Path() string { return c.configPath }
