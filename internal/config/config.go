// Package config handles configuration loading and validation for
// inputlockd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"inputlockd/internal/ipc"
	"inputlockd/internal/logging"
)

// Config holds the complete daemon configuration.
type Config struct {
	// IPC configures the lock service endpoint.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Authorization configures caller access control.
	Authorization AuthzConfig `toml:"authorization" json:"authorization" yaml:"authorization"`

	// Settings configures the persisted lock settings store.
	Settings SettingsConfig `toml:"settings" json:"settings" yaml:"settings"`

	// Broadcast configures the session-bus state broadcaster.
	Broadcast BroadcastConfig `toml:"broadcast" json:"broadcast" yaml:"broadcast"`

	// Logging configures structured logging.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// LoggingConfig is the file-facing logging section; string fields keep
// the TOML readable.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath overrides the default log file location.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// ToLogging converts the section into the logging package's config.
func (lc LoggingConfig) ToLogging() (*logging.Config, error) {
	cfg := logging.DefaultConfig()
	if lc.Level != "" {
		level, err := logging.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
	}
	if lc.Format != "" {
		format, err := logging.ParseFormat(lc.Format)
		if err != nil {
			return nil, err
		}
		cfg.Format = format
	}
	if lc.Output != "" {
		cfg.Output = lc.Output
	}
	if lc.FilePath != "" {
		cfg.FilePath = lc.FilePath
	}
	return cfg, nil
}

// IPCConfig configures the unix socket endpoint.
type IPCConfig struct {
	// SocketPath is the listening socket. Empty selects the platform
	// default location.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
}

// AuthzConfig configures caller authorization.
type AuthzConfig struct {
	// Mode is "hardened" (digest plus authority signature) or
	// "relaxed" (name allow-list only).
	Mode string `toml:"mode" json:"mode" yaml:"mode"`

	// ManifestPath is the YAML allow-list manifest.
	ManifestPath string `toml:"manifest_path" json:"manifest_path" yaml:"manifest_path"`
}

// SettingsConfig configures the settings store.
type SettingsConfig struct {
	// StorePath is the sqlite database holding persisted lock settings.
	StorePath string `toml:"store_path" json:"store_path" yaml:"store_path"`
}

// BroadcastConfig configures the D-Bus state broadcaster.
type BroadcastConfig struct {
	// Enabled controls whether transitions are published on the
	// session bus.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// Authorization modes.
const (
	ModeHardened = "hardened"
	ModeRelaxed  = "relaxed"
)

// Dir returns the daemon's configuration directory.
func Dir() string {
	if dir := os.Getenv("INPUTLOCKD_CONFIG_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "/etc/inputlockd"
		}
		return filepath.Join(home, "Library", "Application Support", "inputlockd")
	default:
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			return filepath.Join(dir, "inputlockd")
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "/etc/inputlockd"
		}
		return filepath.Join(home, ".config", "inputlockd")
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Default returns the baseline configuration.
func Default() *Config {
	dir := Dir()
	return &Config{
		IPC: IPCConfig{
			SocketPath: ipc.DefaultSocketPath(),
		},
		Authorization: AuthzConfig{
			Mode:         ModeHardened,
			ManifestPath: filepath.Join(dir, "callers.yaml"),
		},
		Settings: SettingsConfig{
			StorePath: filepath.Join(dir, "settings.db"),
		},
		Broadcast: BroadcastConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads a TOML config file, layering it over the defaults. A
// missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	switch c.Authorization.Mode {
	case ModeHardened, ModeRelaxed:
	default:
		return fmt.Errorf("authorization.mode must be %q or %q, got %q",
			ModeHardened, ModeRelaxed, c.Authorization.Mode)
	}
	if c.Authorization.ManifestPath == "" {
		return fmt.Errorf("authorization.manifest_path is required")
	}
	if c.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socket_path is required")
	}
	if c.Settings.StorePath == "" {
		return fmt.Errorf("settings.store_path is required")
	}
	if _, err := c.Logging.ToLogging(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
