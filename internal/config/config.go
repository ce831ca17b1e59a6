// Package config handles loading and validating trade-fleet configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the fleet daemon.
type Config struct {
	App          AppConfig       `yaml:"app"`
	Gateway      GatewayConfig   `yaml:"gateway"`
	Engine       EngineConfig    `yaml:"engine"`
	Store        StoreConfig     `yaml:"store"`
	API          APIConfig       `yaml:"api"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	AccountsDir  string          `yaml:"accountsDir"`
	DefaultsFile string          `yaml:"defaultsFile"`
	Autostart    bool            `yaml:"autostart"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

// Gateway modes.
const (
	GatewayModePaper  = "paper"
	GatewayModeBridge = "bridge"
)

// GatewayConfig configures how workers reach the execution terminal.
type GatewayConfig struct {
	Mode           string        `yaml:"mode"`
	URL            string        `yaml:"url"`
	CallTimeout    time.Duration `yaml:"callTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ConnectRetries int           `yaml:"connectRetries"`
	PaperBalance   float64       `yaml:"paperBalance"`
	PaperSeed      int64         `yaml:"paperSeed"`
}

// EngineConfig holds orchestration loop settings shared by every worker.
type EngineConfig struct {
	CycleInterval              time.Duration `yaml:"cycleInterval"`
	BarCount                   int           `yaml:"barCount"`
	MaxConsecutiveConnFailures int           `yaml:"maxConsecutiveConnFailures"`
	Reconnect                  bool          `yaml:"reconnect"`
	StopTimeout                time.Duration `yaml:"stopTimeout"`
	EventBuffer                int           `yaml:"eventBuffer"`
	ModelPath                  string        `yaml:"modelPath"`
	ModelLibrary               string        `yaml:"modelLibrary"`
	ModelWindow                int           `yaml:"modelWindow"`
}

// Store drivers.
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
}

// APIConfig holds the control API server settings.
type APIConfig struct {
	ListenAddress string `yaml:"listenAddress"`
}

// TelemetryConfig holds tracing and profiling settings.
type TelemetryConfig struct {
	Tracing         bool   `yaml:"tracing"`
	ProfilerAddress string `yaml:"profilerAddress"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("setting config defaults: %w", err)
	}

	return &cfg, nil
}

// setDefaults applies sensible defaults for optional fields.
func (c *Config) setDefaults() error {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Gateway.Mode == "" {
		c.Gateway.Mode = GatewayModePaper
	}
	if c.Gateway.Mode != GatewayModePaper && c.Gateway.Mode != GatewayModeBridge {
		return fmt.Errorf("gateway.mode must be %q or %q, got %q", GatewayModePaper, GatewayModeBridge, c.Gateway.Mode)
	}
	if c.Gateway.Mode == GatewayModeBridge && c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required in bridge mode")
	}
	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = 5 * time.Second
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = 10 * time.Second
	}
	if c.Gateway.ConnectRetries == 0 {
		c.Gateway.ConnectRetries = 2
	}
	if c.Gateway.PaperBalance == 0 {
		c.Gateway.PaperBalance = 10000
	}
	if c.Engine.CycleInterval == 0 {
		c.Engine.CycleInterval = 10 * time.Second
	}
	if c.Engine.BarCount == 0 {
		c.Engine.BarCount = 200
	}
	if c.Engine.MaxConsecutiveConnFailures == 0 {
		c.Engine.MaxConsecutiveConnFailures = 3
	}
	if c.Engine.StopTimeout == 0 {
		c.Engine.StopTimeout = 30 * time.Second
	}
	if c.Engine.EventBuffer == 0 {
		c.Engine.EventBuffer = 1024
	}
	if c.Engine.ModelWindow == 0 {
		c.Engine.ModelWindow = 60
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverMemory
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
	if c.AccountsDir == "" {
		c.AccountsDir = "config/accounts"
	}
	return nil
}
