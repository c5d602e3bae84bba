package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays CHRONICLE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("CHRONICLE_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("CHRONICLE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHRONICLE_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("CHRONICLE_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("CHRONICLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHRONICLE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CHRONICLE_SSE_KEEP_ALIVE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SSEKeepAlive = d
		}
	}
	if v := os.Getenv("CHRONICLE_CDC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CDCBatchSize = n
		}
	}
}
