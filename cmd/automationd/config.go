package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"` // "console" or "json"
	PoolSize      int    `json:"pool_size"`
	TickSeconds   int    `json:"tick_seconds"`
	ActionTimeout string `json:"action_timeout"` // Go duration string
	MaxAttempts   int    `json:"max_attempts"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(automationDir(), "automation.db"),
		LogLevel:      "info",
		LogFormat:     "console",
		PoolSize:      10,
		TickSeconds:   30,
		ActionTimeout: "30s",
		MaxAttempts:   3,
	}
}

func automationDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".automation"
	}
	return filepath.Join(home, ".automation")
}

func settingsPath() string {
	return filepath.Join(automationDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AUTOMATION_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AUTOMATION_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTOMATION_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("AUTOMATION_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("AUTOMATION_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickSeconds = n
		}
	}
	if v := os.Getenv("AUTOMATION_ACTION_TIMEOUT"); v != "" {
		cfg.ActionTimeout = v
	}
	if v := os.Getenv("AUTOMATION_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}

	return cfg
}

func (c Config) tickInterval() time.Duration {
	if c.TickSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TickSeconds) * time.Second
}

func (c Config) actionTimeout() time.Duration {
	d, err := time.ParseDuration(c.ActionTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
