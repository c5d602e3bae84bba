package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("default http addr")
	}
	if cfg.DataDir != "" {
		t.Fatalf("default data dir should be empty")
	}
	if cfg.Fsync != "interval" {
		t.Fatalf("default fsync")
	}
	if cfg.SSEKeepAlive != 30*time.Second {
		t.Fatalf("default keep-alive")
	}
	if cfg.CDCBatchSize != 256 {
		t.Fatalf("default batch size")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "chronicle.json")
	data := []byte(`{"httpAddr":":9090","dataDir":"/var/lib/chronicle","fsync":"always","natsUrl":"nats://127.0.0.1:4222"}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected :9090")
	}
	if cfg.DataDir != "/var/lib/chronicle" {
		t.Fatalf("expected data dir")
	}
	if cfg.Fsync != "always" {
		t.Fatalf("expected always")
	}
	// untouched keys keep defaults
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "chronicle.yaml")
	data := []byte("httpAddr: \":7070\"\nlogLevel: debug\nlogFormat: text\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("expected :7070")
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Fatalf("expected yaml overrides")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("empty path should return defaults")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	os.Setenv("CHRONICLE_HTTP_ADDR", ":6060")
	os.Setenv("CHRONICLE_FSYNC", "never")
	os.Setenv("CHRONICLE_SSE_KEEP_ALIVE", "15s")
	os.Setenv("CHRONICLE_CDC_BATCH_SIZE", "64")
	t.Cleanup(func() {
		os.Unsetenv("CHRONICLE_HTTP_ADDR")
		os.Unsetenv("CHRONICLE_FSYNC")
		os.Unsetenv("CHRONICLE_SSE_KEEP_ALIVE")
		os.Unsetenv("CHRONICLE_CDC_BATCH_SIZE")
	})
	FromEnv(&cfg)
	if cfg.HTTPAddr != ":6060" {
		t.Fatalf("env override addr")
	}
	if cfg.Fsync != "never" {
		t.Fatalf("env override fsync")
	}
	if cfg.SSEKeepAlive != 15*time.Second {
		t.Fatalf("env override keep-alive")
	}
	if cfg.CDCBatchSize != 64 {
		t.Fatalf("env override batch size")
	}
}

func TestFromEnvIgnoresMalformed(t *testing.T) {
	cfg := Default()
	os.Setenv("CHRONICLE_SSE_KEEP_ALIVE", "soon")
	os.Setenv("CHRONICLE_CDC_BATCH_SIZE", "many")
	t.Cleanup(func() {
		os.Unsetenv("CHRONICLE_SSE_KEEP_ALIVE")
		os.Unsetenv("CHRONICLE_CDC_BATCH_SIZE")
	})
	FromEnv(&cfg)
	if cfg.SSEKeepAlive != 30*time.Second || cfg.CDCBatchSize != 256 {
		t.Fatalf("malformed env values must keep defaults")
	}
}
