package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/mapperfs/internal/metastore"
	"github.com/objectfs/mapperfs/pkg/errors"
	"github.com/objectfs/mapperfs/pkg/latency"
	"github.com/objectfs/mapperfs/pkg/utils"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MAPPERFS_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global    GlobalConfig     `yaml:"global"`
	Histogram latency.Config   `yaml:"histogram"`
	Store     metastore.Config `yaml:"store"`
	Mount     MountConfig      `yaml:"mount"`
	API       APIConfig        `yaml:"api"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Devices   []DeviceConfig   `yaml:"devices"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// DrainTimeout bounds how long shutdown waits for device references.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// MountConfig represents the filesystem transport settings
type MountConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Mountpoint   string        `yaml:"mountpoint"`
	Backend      string        `yaml:"backend"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// Mount backends.
const (
	BackendGoFuse  = "gofuse"
	BackendCgoFuse = "cgofuse"
)

// APIConfig represents the HTTP transport settings
type APIConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	WriteRate       float64       `yaml:"write_rate"`
	WriteBurst      int           `yaml:"write_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Namespace      string            `yaml:"namespace"`
	CustomLabels   map[string]string `yaml:"custom_labels"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
	Pprof          bool              `yaml:"pprof"`
}

// DeviceConfig describes a device created at startup
type DeviceConfig struct {
	Name      string `yaml:"name"`
	UUID      string `yaml:"uuid"`
	Suspended bool   `yaml:"suspended"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:     "INFO",
			LogFormat:    "json",
			DrainTimeout: 10 * time.Second,
		},
		Histogram: latency.DefaultConfig(),
		Store:     metastore.DefaultConfig(),
		Mount: MountConfig{
			Enabled:      false,
			Mountpoint:   "/run/mapperfs",
			Backend:      BackendGoFuse,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		API: APIConfig{
			Enabled:         true,
			Address:         "127.0.0.1:8470",
			WriteRate:       50,
			WriteBurst:      10,
			ShutdownTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9100,
			Path:      "/metrics",
			Namespace: "mapperfs",
			CustomLabels: map[string]string{
				"service": "mapperfs",
			},
			UpdateInterval: 30 * time.Second,
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the
// environment, then validates it.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigLoad, "failed to load configuration", err).
				WithComponent("config").
				WithContext("file", filename)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigLoad, "invalid environment override", err).
			WithComponent("config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigValidation, "invalid configuration", err).
			WithComponent("config")
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	setString(&c.Global.LogLevel, "LOG_LEVEL")
	setString(&c.Global.LogFormat, "LOG_FORMAT")
	setString(&c.Global.LogFile, "LOG_FILE")
	if err := setDuration(&c.Global.DrainTimeout, "DRAIN_TIMEOUT"); err != nil {
		return err
	}

	// Store settings
	setString(&c.Store.Type, "STORE_TYPE")
	setString(&c.Store.Prefix, "STORE_PREFIX")
	setString(&c.Store.BuntDB.Path, "BUNTDB_PATH")
	setString(&c.Store.Redis.Addr, "REDIS_ADDR")
	setString(&c.Store.Redis.Password, "REDIS_PASSWORD")
	if err := setInt(&c.Store.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}
	setString(&c.Store.S3.Bucket, "S3_BUCKET")
	setString(&c.Store.S3.Region, "S3_REGION")
	setString(&c.Store.S3.Endpoint, "S3_ENDPOINT")
	setBool(&c.Store.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	if err := setInt(&c.Store.Connect.MaxAttempts, "STORE_CONNECT_ATTEMPTS"); err != nil {
		return err
	}
	setBool(&c.Store.Breaker.Enabled, "STORE_BREAKER_ENABLED")

	// Transports
	setBool(&c.Mount.Enabled, "MOUNT_ENABLED")
	setString(&c.Mount.Mountpoint, "MOUNTPOINT")
	setString(&c.Mount.Backend, "MOUNT_BACKEND")
	setBool(&c.API.Enabled, "API_ENABLED")
	setString(&c.API.Address, "API_ADDRESS")
	if val := os.Getenv(EnvPrefix + "API_WRITE_RATE"); val != "" {
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%sAPI_WRITE_RATE: %w", EnvPrefix, err)
		}
		c.API.WriteRate = rate
	}

	// Metrics
	setBool(&c.Metrics.Enabled, "METRICS_ENABLED")
	if err := setInt(&c.Metrics.Port, "METRICS_PORT"); err != nil {
		return err
	}
	setBool(&c.Metrics.Pprof, "METRICS_PPROF")

	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = strings.ToLower(val) == "true"
	}
}

func setInt(dst *int, key string) error {
	val := os.Getenv(EnvPrefix + key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	val := os.Getenv(EnvPrefix + key)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return fmt.Errorf("invalid log_format: %w", err)
	}
	if c.Global.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout cannot be negative")
	}

	if err := c.Histogram.Validate(); err != nil {
		return fmt.Errorf("invalid histogram: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("invalid store: %w", err)
	}

	if c.Mount.Enabled {
		if c.Mount.Mountpoint == "" {
			return fmt.Errorf("mountpoint cannot be empty when mount is enabled")
		}
		if c.Mount.Backend != BackendGoFuse && c.Mount.Backend != BackendCgoFuse {
			return fmt.Errorf("invalid mount backend: %s (must be one of: %s, %s)",
				c.Mount.Backend, BackendGoFuse, BackendCgoFuse)
		}
	}

	if c.API.Enabled {
		if c.API.Address == "" {
			return fmt.Errorf("api address cannot be empty when api is enabled")
		}
		if c.API.WriteRate < 0 || c.API.WriteBurst < 0 {
			return fmt.Errorf("api write_rate and write_burst cannot be negative")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name cannot be empty", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
	}

	return nil
}
