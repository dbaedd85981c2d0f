package config

import (
	"os"
	"strconv"
)

// Environment variables read by the signalbus command.
const (
	EnvConfig    = "SIGNALBUS_CONFIG"
	EnvDSN       = "SIGNALBUS_DSN"
	EnvLogLevel  = "SIGNALBUS_LOG_LEVEL"
	EnvLogFormat = "SIGNALBUS_LOG_FORMAT"
	EnvWorkers   = "SIGNALBUS_FLUSH_WORKERS"
)

// FromEnv overlays SIGNALBUS_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv(EnvDSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Flush.Workers = n
		}
	}
}
