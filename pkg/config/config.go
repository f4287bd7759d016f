package config

import (
	"os"
	"path/filepath"
)

const (
	// AppName is the application name used in paths
	AppName = "btmigrate"
)

// Config holds all application configuration.
type Config struct {
	DataDir string // Base data directory (XDG_DATA_HOME/btmigrate)
	DBPath  string // SQLite run journal path
}

// New creates a new Config with values from environment or defaults.
func New() *Config {
	cfg := &Config{}

	// Base directory (XDG Base Directory Specification)
	cfg.DataDir = getDataDir()
	os.MkdirAll(cfg.DataDir, 0755)

	cfg.DBPath = envOrDefault("BTMIGRATE_DB_PATH", filepath.Join(cfg.DataDir, "btmigrate.db"))

	return cfg
}

// getDataDir returns the data directory following XDG spec.
// $XDG_DATA_HOME/btmigrate or ~/.local/share/btmigrate
func getDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
