// Package config loads server configuration from file and environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	HTTPAddr      string        `json:"httpAddr" yaml:"httpAddr"`
	DataDir       string        `json:"dataDir" yaml:"dataDir"`
	Fsync         string        `json:"fsync" yaml:"fsync"`
	NATSURL       string        `json:"natsUrl" yaml:"natsUrl"`
	LogLevel      string        `json:"logLevel" yaml:"logLevel"`
	LogFormat     string        `json:"logFormat" yaml:"logFormat"`
	SSEKeepAlive  time.Duration `json:"sseKeepAlive" yaml:"sseKeepAlive"`
	CDCBatchSize  int           `json:"cdcBatchSize" yaml:"cdcBatchSize"`
}

// Default returns built-in defaults. DataDir empty means an in-memory log.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		Fsync:        "interval",
		LogLevel:     "info",
		LogFormat:    "json",
		SSEKeepAlive: 30 * time.Second,
		CDCBatchSize: 256,
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return cfg, nil
}
