package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the overall bridge configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Inventory InventoryConfig `yaml:"inventory"`
	Sync      SyncConfig      `yaml:"sync"`
	Status    StatusConfig    `yaml:"status"`
	LogLevel  string          `yaml:"log_level"`
}

// DeviceConfig holds the connection settings for the SpoolEase device.
type DeviceConfig struct {
	Host           string        `yaml:"host" validate:"required"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	Scheme         string        `yaml:"scheme" validate:"oneof=http https"`
	SecurityKey    string        `yaml:"security_key" validate:"required,len=7"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// InventoryConfig holds the connection settings for the Spoolman instance.
type InventoryConfig struct {
	Host           string        `yaml:"host" validate:"required"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
	// ReadIdleSeconds is how long the event WebSocket may stay silent
	// before the connection is considered dead.
	ReadIdleSeconds int           `yaml:"read_idle_seconds"`
	ReadIdle        time.Duration `yaml:"-"`
}

// SyncConfig holds the reconciliation behavior settings.
type SyncConfig struct {
	PollIntervalSeconds     int           `yaml:"poll_interval_seconds"`
	PollInterval            time.Duration `yaml:"-"`
	InitialSyncDelaySeconds int           `yaml:"initial_sync_delay_seconds"`
	InitialSyncDelay        time.Duration `yaml:"-"`
	// DeltaThresholdGrams is the minimum consumed weight before a usage
	// push is issued to the inventory.
	DeltaThresholdGrams float64 `yaml:"delta_threshold_grams"`
	MappingFilePath     string  `yaml:"mapping_file_path"`
	// FanOut bounds how many spools are reconciled concurrently within
	// one sync pass.
	FanOut int `yaml:"fan_out"`
}

// StatusConfig holds the settings for the local status HTTP server.
// Port 0 disables the server.
type StatusConfig struct {
	Port int `yaml:"port" validate:"min=0,max=65535"`
}

// DeviceBaseURL returns the scheme://host:port base for the device API.
func (c *Config) DeviceBaseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Device.Scheme, c.Device.Host, c.Device.Port)
}

// InventoryBaseURL returns the http base for the inventory REST API.
func (c *Config) InventoryBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Inventory.Host, c.Inventory.Port)
}

// InventoryWSURL returns the ws base for the inventory event stream.
func (c *Config) InventoryWSURL() string {
	return fmt.Sprintf("ws://%s:%d", c.Inventory.Host, c.Inventory.Port)
}

// Load reads the configuration from the given path and applies defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Device.Port <= 0 {
		cfg.Device.Port = 80
	}
	if cfg.Device.Scheme == "" {
		cfg.Device.Scheme = "http"
	}
	if cfg.Device.TimeoutSeconds <= 0 {
		cfg.Device.TimeoutSeconds = 10
	}
	cfg.Device.Timeout = time.Duration(cfg.Device.TimeoutSeconds) * time.Second

	if cfg.Inventory.Host == "" {
		cfg.Inventory.Host = "spoolman"
	}
	if cfg.Inventory.Port <= 0 {
		cfg.Inventory.Port = 8000
	}
	if cfg.Inventory.TimeoutSeconds <= 0 {
		cfg.Inventory.TimeoutSeconds = 10
	}
	cfg.Inventory.Timeout = time.Duration(cfg.Inventory.TimeoutSeconds) * time.Second
	if cfg.Inventory.ReadIdleSeconds <= 0 {
		cfg.Inventory.ReadIdleSeconds = 60
	}
	cfg.Inventory.ReadIdle = time.Duration(cfg.Inventory.ReadIdleSeconds) * time.Second

	if cfg.Sync.PollIntervalSeconds <= 0 {
		cfg.Sync.PollIntervalSeconds = 30
	}
	cfg.Sync.PollInterval = time.Duration(cfg.Sync.PollIntervalSeconds) * time.Second
	if cfg.Sync.InitialSyncDelaySeconds <= 0 {
		cfg.Sync.InitialSyncDelaySeconds = 5
	}
	cfg.Sync.InitialSyncDelay = time.Duration(cfg.Sync.InitialSyncDelaySeconds) * time.Second
	if cfg.Sync.DeltaThresholdGrams <= 0 {
		cfg.Sync.DeltaThresholdGrams = 0.1
	}
	if cfg.Sync.MappingFilePath == "" {
		cfg.Sync.MappingFilePath = "/data/mapping.yaml"
	}
	if cfg.Sync.FanOut <= 0 {
		cfg.Sync.FanOut = 8
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
