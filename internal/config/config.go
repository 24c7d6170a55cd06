// Package config loads the lotline configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the ingestion server.
type ServerConfig struct {
	// Listen is the address the HTTP API binds to.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// CountryCode is the 2-character site prefix for lot numbers.
	CountryCode string `yaml:"country_code"`
}

// ClientConfig configures the recording client.
type ClientConfig struct {
	// APIBaseURL is the ingestion server base URL.
	APIBaseURL string `yaml:"api_base_url"`
	// QueueDir holds the durable offline queue, one JSON file per item.
	QueueDir string `yaml:"queue_dir"`
	// HealthCheckIntervalSec is how often connectivity is probed.
	HealthCheckIntervalSec int `yaml:"health_check_interval_sec"`
	// DrainIntervalSec is the periodic drain timer.
	DrainIntervalSec int `yaml:"drain_interval_sec"`
	// RetryCeiling is the attempt count past which items are surfaced
	// for manual review instead of retried.
	RetryCeiling int `yaml:"retry_ceiling"`
	// RequestTimeoutSec bounds each delivery attempt.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// Config is the full configuration surface.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".lotline")

	return &Config{
		Server: ServerConfig{
			Listen:      "127.0.0.1:7420",
			DBPath:      filepath.Join(base, "lotline.db"),
			CountryCode: "KR",
		},
		Client: ClientConfig{
			APIBaseURL:             "http://127.0.0.1:7420",
			QueueDir:               filepath.Join(base, "queue"),
			HealthCheckIntervalSec: 15,
			DrainIntervalSec:       60,
			RetryCeiling:           10,
			RequestTimeoutSec:      10,
		},
	}
}

// Load reads a config file, filling unset fields from Default. A missing
// file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillDefaults()

	if len(cfg.Server.CountryCode) != 2 {
		return nil, fmt.Errorf("country_code must be 2 characters, got %q", cfg.Server.CountryCode)
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = def.Server.DBPath
	}
	if c.Server.CountryCode == "" {
		c.Server.CountryCode = def.Server.CountryCode
	}
	if c.Client.APIBaseURL == "" {
		c.Client.APIBaseURL = def.Client.APIBaseURL
	}
	if c.Client.QueueDir == "" {
		c.Client.QueueDir = def.Client.QueueDir
	}
	if c.Client.HealthCheckIntervalSec <= 0 {
		c.Client.HealthCheckIntervalSec = def.Client.HealthCheckIntervalSec
	}
	if c.Client.DrainIntervalSec <= 0 {
		c.Client.DrainIntervalSec = def.Client.DrainIntervalSec
	}
	if c.Client.RetryCeiling <= 0 {
		c.Client.RetryCeiling = def.Client.RetryCeiling
	}
	if c.Client.RequestTimeoutSec <= 0 {
		c.Client.RequestTimeoutSec = def.Client.RequestTimeoutSec
	}
}

// RequestTimeout returns the per-attempt delivery timeout.
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// HealthCheckInterval returns the connectivity probe interval.
func (c *ClientConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

// DrainInterval returns the periodic drain interval.
func (c *ClientConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSec) * time.Second
}
