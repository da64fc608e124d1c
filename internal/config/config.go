// Package config loads the healerd configuration file and applies
// defaults. Configuration lives in a single JSON file; missing fields are
// filled in from the defaults via mergo.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
)

// Config represents the merged healerd configuration
type Config struct {
	Daemon   DaemonConfig   `json:"daemon"`
	Database DatabaseConfig `json:"database"`
	Log      LogConfig      `json:"log"`
}

// DaemonConfig configures the control listener and runtime files
type DaemonConfig struct {
	Listen  string `json:"listen"`  // Address for the control socket (default: "127.0.0.1:9999")
	DataDir string `json:"dataDir"` // Directory for pidfile, log and database (default: ~/.healerd)
}

// DatabaseConfig configures the sqlite catalog
type DatabaseConfig struct {
	Path string `json:"path"` // Path to the sqlite file (default: <dataDir>/healerd.db)
}

// LogConfig configures logging
type LogConfig struct {
	Level string `json:"level"` // fatal|error|warn|info|debug (default: "info")
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".healerd")
	return &Config{
		Daemon: DaemonConfig{
			Listen:  "127.0.0.1:9999",
			DataDir: dataDir,
		},
		Database: DatabaseConfig{},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (or the default location when path is
// empty), merges it over the defaults, and applies environment overrides.
// A missing file is not an error; the defaults are used as-is.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = filepath.Join(cfg.Daemon.DataDir, "healerd.json")
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file; defaults apply.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		var fileCfg Config
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Daemon.DataDir, "healerd.db")
	}
	if env := os.Getenv("HEALERD_DB"); env != "" {
		cfg.Database.Path = env
	}

	return cfg, nil
}

// PidFile returns the daemon pidfile path
func (c *Config) PidFile() string {
	return filepath.Join(c.Daemon.DataDir, "healerd.pid")
}

// LogFile returns the daemon log path
func (c *Config) LogFile() string {
	return filepath.Join(c.Daemon.DataDir, "healerd.log")
}

// EnsureDataDir creates the data directory if needed
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.Daemon.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
