// Package config reads and writes the fieldsync TOML configuration.
package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
	"github.com/fleetops/fieldsync/internal/logging"
	"github.com/fleetops/fieldsync/internal/sync/conflict"
)

// FileName is the default config file name.
const FileName = "config.toml"

// Config represents the main configuration for fieldsync.
type Config struct {
	DataDir      string             `toml:"data_dir"`
	API          APIConfig          `toml:"api"`
	Sync         SyncConfig         `toml:"sync"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
}

// APIConfig describes the fleet server.
type APIConfig struct {
	BaseURL   string   `toml:"base_url"`
	TokenFile string   `toml:"token_file,omitempty"` // bearer token, reloaded on change
	Timeout   Duration `toml:"timeout"`              // 0 keeps the transport default
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Interval         Duration `toml:"interval"`
	MaxRetries       int      `toml:"max_retries"`
	ConflictStrategy string   `toml:"conflict_strategy"` // "last_write_wins" (default) or "manual"
}

// ConnectivityConfig controls how online state is detected.
type ConnectivityConfig struct {
	ProbeURL      string   `toml:"probe_url,omitempty"` // defaults to <base_url>/health
	ProbeInterval Duration `toml:"probe_interval"`
	AssumeOnline  bool     `toml:"assume_online"`
}

// LogConfig configures logging. An empty File logs to stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// ServerConfig configures the local HTTP listener for /metrics and /ws/status.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr,omitempty"` // empty disables
}

// Duration is a time.Duration written as a string ("5m") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with every default filled in.
func Default(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
		},
		Sync: SyncConfig{
			Interval:         Duration{5 * time.Minute},
			MaxRetries:       3,
			ConflictStrategy: string(conflict.ResolutionStrategyLastWriteWins),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration{30 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultDir returns the per-user directory holding config and data.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fieldsync")
	}
	return ".fieldsync"
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), FileName)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string

	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	}
	if c.API.Timeout.Duration < 0 {
		problems = append(problems, "api.timeout must not be negative")
	}
	if c.Sync.Interval.Duration <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Sync.MaxRetries < 1 {
		problems = append(problems, "sync.max_retries must be at least 1")
	}
	if _, err := conflict.ParseStrategy(c.Sync.ConflictStrategy); err != nil {
		problems = append(problems, err.Error())
	}
	if !c.Connectivity.AssumeOnline && c.Connectivity.ProbeInterval.Duration <= 0 {
		problems = append(problems, "connectivity.probe_interval must be positive")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ProbeURL returns the health URL used to detect connectivity.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return strings.TrimRight(c.API.BaseURL, "/") + "/health"
}

// Strategy returns the configured conflict strategy.
func (c *Config) Strategy() conflict.ResolutionStrategy {
	s, err := conflict.ParseStrategy(c.Sync.ConflictStrategy)
	if err != nil {
		return conflict.ResolutionStrategyLastWriteWins
	}
	return s
}

// Logger builds the logger described by the [log] section.
func (c *Config) Logger() *logging.Logger {
	level := logging.ParseLevel(c.Log.Level)
	if c.Log.File == "" {
		return logging.New(os.Stdout, level)
	}
	path := c.Log.File
	if !filepath.IsAbs(path) && c.DataDir != "" {
		path = filepath.Join(c.DataDir, path)
	}
	return logging.NewFile(logging.FileConfig{
		Path:       path,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}, level)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from r on top of the defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := Default("")
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "decode config", err)
	}
	return cfg, nil
}

// Write encodes a Config to w.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "encode config", err)
	}
	return nil
}

// ReadFromFile reads a Config from path. A relative data_dir is resolved
// against the config file's directory; an empty one defaults to it.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "open config file", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	switch {
	case cfg.DataDir == "":
		cfg.DataDir = dir
	case !filepath.IsAbs(cfg.DataDir):
		cfg.DataDir = filepath.Join(dir, cfg.DataDir)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "create config directory", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "create config file", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path, refusing to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return apperrors.New(apperrors.ErrConfig, fmt.Sprintf("config file already exists at %s", path))
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
