package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/objectfs/mapperfs/internal/metastore"
	"github.com/objectfs/mapperfs/pkg/errors"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.DrainTimeout != 10*time.Second {
		t.Errorf("Expected DrainTimeout to be 10s, got %v", cfg.Global.DrainTimeout)
	}
	if cfg.Histogram.Micro.Grain != 100 || cfg.Histogram.Micro.Buckets != 10 {
		t.Errorf("unexpected microsecond geometry %+v", cfg.Histogram.Micro)
	}
	if cfg.Histogram.Sec.Buckets != 5 {
		t.Errorf("Expected 5 second buckets, got %d", cfg.Histogram.Sec.Buckets)
	}
	if cfg.Store.Type != metastore.TypeMemory {
		t.Errorf("Expected memory store, got %s", cfg.Store.Type)
	}
	if cfg.Mount.Enabled {
		t.Error("Expected mount to be disabled by default")
	}
	if cfg.Mount.Backend != BackendGoFuse {
		t.Errorf("Expected gofuse backend, got %s", cfg.Mount.Backend)
	}
	if !cfg.API.Enabled {
		t.Error("Expected API to be enabled by default")
	}
	if cfg.Metrics.Port != 9100 {
		t.Errorf("Expected metrics port 9100, got %d", cfg.Metrics.Port)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapperfs.yaml")

	content := `
global:
  log_level: DEBUG
  log_format: text
histogram:
  us: {grain: 50, buckets: 20}
  ms: {grain: 10, buckets: 100}
  s: {grain: 1, buckets: 10}
store:
  type: buntdb
  buntdb:
    path: /var/lib/mapperfs/records.db
mount:
  enabled: true
  mountpoint: /mnt/dm
  backend: cgofuse
devices:
  - name: vg0-data
    uuid: LVM-abc
  - name: vg0-scratch
    suspended: true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Histogram.Micro.Grain != 50 || cfg.Histogram.Micro.Buckets != 20 {
		t.Errorf("unexpected microsecond geometry %+v", cfg.Histogram.Micro)
	}
	if cfg.Store.Type != metastore.TypeBuntDB || cfg.Store.BuntDB.Path != "/var/lib/mapperfs/records.db" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if !cfg.Mount.Enabled || cfg.Mount.Backend != BackendCgoFuse || cfg.Mount.Mountpoint != "/mnt/dm" {
		t.Errorf("unexpected mount config %+v", cfg.Mount)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(cfg.Devices))
	}
	if cfg.Devices[0].UUID != "LVM-abc" || !cfg.Devices[1].Suspended {
		t.Errorf("unexpected devices %+v", cfg.Devices)
	}
	// untouched sections keep their defaults
	if cfg.API.Address != "127.0.0.1:8470" {
		t.Errorf("Expected default API address, got %s", cfg.API.Address)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	if err := cfg.LoadFromFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAPPERFS_LOG_LEVEL", "WARN")
	t.Setenv("MAPPERFS_STORE_TYPE", "redis")
	t.Setenv("MAPPERFS_REDIS_ADDR", "redis:6380")
	t.Setenv("MAPPERFS_REDIS_DB", "3")
	t.Setenv("MAPPERFS_MOUNT_ENABLED", "TRUE")
	t.Setenv("MAPPERFS_API_WRITE_RATE", "2.5")
	t.Setenv("MAPPERFS_DRAIN_TIMEOUT", "1m")
	t.Setenv("MAPPERFS_STORE_CONNECT_ATTEMPTS", "7")
	t.Setenv("MAPPERFS_STORE_BREAKER_ENABLED", "false")
	t.Setenv("MAPPERFS_METRICS_PPROF", "true")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("Expected WARN, got %s", cfg.Global.LogLevel)
	}
	if cfg.Store.Type != "redis" || cfg.Store.Redis.Addr != "redis:6380" || cfg.Store.Redis.DB != 3 {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if !cfg.Mount.Enabled {
		t.Error("Expected mount to be enabled")
	}
	if cfg.API.WriteRate != 2.5 {
		t.Errorf("Expected write rate 2.5, got %v", cfg.API.WriteRate)
	}
	if cfg.Store.Connect.MaxAttempts != 7 || cfg.Store.Breaker.Enabled {
		t.Errorf("unexpected store resilience config: connect=%+v breaker=%+v", cfg.Store.Connect, cfg.Store.Breaker)
	}
	if !cfg.Metrics.Pprof {
		t.Error("Expected pprof to be enabled")
	}
	if cfg.Global.DrainTimeout != time.Minute {
		t.Errorf("Expected 1m drain timeout, got %v", cfg.Global.DrainTimeout)
	}
}

func TestLoadFromEnv_BadValues(t *testing.T) {
	for _, key := range []string{"MAPPERFS_REDIS_DB", "MAPPERFS_METRICS_PORT", "MAPPERFS_DRAIN_TIMEOUT", "MAPPERFS_API_WRITE_RATE", "MAPPERFS_STORE_CONNECT_ATTEMPTS"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, "not-a-number")
			if err := NewDefault().LoadFromEnv(); err == nil {
				t.Errorf("Expected error for %s", key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }},
		{"bad log format", func(c *Configuration) { c.Global.LogFormat = "xml" }},
		{"zero grain", func(c *Configuration) { c.Histogram.Milli.Grain = 0 }},
		{"no buckets", func(c *Configuration) { c.Histogram.Sec.Buckets = 0 }},
		{"unknown store", func(c *Configuration) { c.Store.Type = "floppy" }},
		{"s3 without bucket", func(c *Configuration) { c.Store.Type = metastore.TypeS3 }},
		{"mount without mountpoint", func(c *Configuration) {
			c.Mount.Enabled = true
			c.Mount.Mountpoint = ""
		}},
		{"unknown backend", func(c *Configuration) {
			c.Mount.Enabled = true
			c.Mount.Backend = "nfs"
		}},
		{"api without address", func(c *Configuration) { c.API.Address = "" }},
		{"negative write rate", func(c *Configuration) { c.API.WriteRate = -1 }},
		{"bad metrics port", func(c *Configuration) { c.Metrics.Port = 70000 }},
		{"unnamed device", func(c *Configuration) { c.Devices = []DeviceConfig{{UUID: "x"}} }},
		{"duplicate device", func(c *Configuration) { c.Devices = []DeviceConfig{{Name: "a"}, {Name: "a"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("global:\n  log_level: SHOUT\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if errors.CodeOf(err) != errors.ErrCodeConfigValidation {
		t.Errorf("Expected CONFIG_VALIDATION, got %v", err)
	}

	_, err = Load(filepath.Join(dir, "nope.yaml"))
	if errors.CodeOf(err) != errors.ErrCodeConfigLoad {
		t.Errorf("Expected CONFIG_LOAD, got %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Store.Type != metastore.TypeMemory {
		t.Errorf("Expected defaults, got store %s", cfg.Store.Type)
	}
}

func TestSaveToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mapperfs.yaml")
	cfg := NewDefault()
	cfg.Devices = []DeviceConfig{{Name: "vol0"}}

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if len(loaded.Devices) != 1 || loaded.Devices[0].Name != "vol0" {
		t.Errorf("devices did not survive a save, got %+v", loaded.Devices)
	}
	if loaded.Histogram != cfg.Histogram {
		t.Errorf("histogram did not survive a save, got %+v", loaded.Histogram)
	}
}
