package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all stagehand server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath             string `json:"db_path"`
	LogLevel           string `json:"log_level"`
	GatewayURL         string `json:"gateway_url"`
	AutoExecuteDelayMS int    `json:"auto_execute_delay_ms"`
	SchedulerEnabled   bool   `json:"scheduler_enabled"`
}

func defaultConfig() Config {
	return Config{
		DBPath:             "file:" + filepath.Join(stagehandDir(), "stagehand.db"),
		LogLevel:           "info",
		GatewayURL:         "http://localhost:8700",
		AutoExecuteDelayMS: 3000,
		SchedulerEnabled:   true,
	}
}

func stagehandDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagehand"
	}
	return filepath.Join(home, ".stagehand")
}

func settingsPath() string {
	return filepath.Join(stagehandDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STAGEHAND_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STAGEHAND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STAGEHAND_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("STAGEHAND_AUTO_EXECUTE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AutoExecuteDelayMS = n
		}
	}
	if v := os.Getenv("STAGEHAND_SCHEDULER"); v != "" {
		cfg.SchedulerEnabled = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) autoExecuteDelay() time.Duration {
	return time.Duration(c.AutoExecuteDelayMS) * time.Millisecond
}
