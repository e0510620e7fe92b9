// Package config loads server configuration from a TOML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DataRoot   string `toml:"data_root"`
	LogLevel   string `toml:"log_level"`

	// PermissionDSN selects the membership database: a sqlite file path
	// (default <data_root>/noterelay.db) or a postgres:// URL.
	PermissionDSN string `toml:"permission_dsn"`

	// AuthSecret signs and verifies session tokens.
	AuthSecret string `toml:"auth_secret"`

	AutosaveInterval time.Duration `toml:"-"`
	DebounceWindow   time.Duration `toml:"-"`
	BackupInterval   time.Duration `toml:"-"`

	// Raw duration strings as they appear in the file.
	AutosaveIntervalRaw string `toml:"autosave_interval"`
	DebounceWindowRaw   string `toml:"debounce_window"`
	BackupIntervalRaw   string `toml:"backup_interval"`

	KeepHourly int `toml:"keep_hourly"`
	KeepDaily  int `toml:"keep_daily"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8484",
		DataRoot:         "data",
		LogLevel:         "info",
		AutosaveInterval: 10 * time.Second,
		DebounceWindow:   200 * time.Millisecond,
		BackupInterval:   time.Hour,
		KeepHourly:       24,
		KeepDaily:        7,
	}
}

// Load reads path (when it exists) over the defaults, then applies
// environment overrides and normalizes derived fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}
	if err := cfg.parseDurations(); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	if cfg.PermissionDSN == "" {
		cfg.PermissionDSN = filepath.Join(cfg.DataRoot, "noterelay.db")
	}
	return cfg, nil
}

func (c *Config) parseDurations() error {
	for _, field := range []struct {
		raw  string
		dest *time.Duration
	}{
		{c.AutosaveIntervalRaw, &c.AutosaveInterval},
		{c.DebounceWindowRaw, &c.DebounceWindow},
		{c.BackupIntervalRaw, &c.BackupInterval},
	} {
		if strings.TrimSpace(field.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", field.raw, err)
		}
		*field.dest = parsed
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = stringEnv("NOTERELAY_ADDR", c.ListenAddr)
	c.DataRoot = stringEnv("NOTERELAY_DATA_ROOT", c.DataRoot)
	c.LogLevel = stringEnv("NOTERELAY_LOG_LEVEL", c.LogLevel)
	c.PermissionDSN = stringEnv("NOTERELAY_PERMISSION_DSN", c.PermissionDSN)
	c.AuthSecret = stringEnv("NOTERELAY_AUTH_SECRET", c.AuthSecret)
	c.AutosaveInterval = durationEnv("NOTERELAY_AUTOSAVE_INTERVAL", c.AutosaveInterval)
	c.DebounceWindow = durationEnv("NOTERELAY_DEBOUNCE_WINDOW", c.DebounceWindow)
	c.BackupInterval = durationEnv("NOTERELAY_BACKUP_INTERVAL", c.BackupInterval)
	c.KeepHourly = intEnv("NOTERELAY_KEEP_HOURLY", c.KeepHourly)
	c.KeepDaily = intEnv("NOTERELAY_KEEP_DAILY", c.KeepDaily)
}

// VaultsRoot is the on-disk location of live vault directories.
func (c Config) VaultsRoot() string {
	return filepath.Join(c.DataRoot, "vaults")
}

// BackupsRoot is the on-disk location of snapshots.
func (c Config) BackupsRoot() string {
	return filepath.Join(c.DataRoot, "backups")
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
