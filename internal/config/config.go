package config

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "CONNMON_CONFIG"
	DefaultConfigPath = "/etc/connmon/connmon.yaml"

	DefaultDNSServer     = "1.1.1.1"
	DefaultIntervalSec   = 300
	DefaultAlertDelayMin = 15
	DefaultListenAddr    = "127.0.0.1:9311"

	minIntervalSec = 5
	maxIntervalSec = 300
)

type Config struct {
	LogLevel   string         `yaml:"log_level"`
	ListenAddr string         `yaml:"listen_addr"`
	Monitor    MonitorConfig  `yaml:"monitor"`
	Notify     NotifyConfig   `yaml:"notify"`
	Run        RunConfig      `yaml:"run"`
	Targets    []TargetConfig `yaml:"targets"`
}

type MonitorConfig struct {
	UpdateIntervalSec int    `yaml:"update_interval_sec"`
	DNSServer         string `yaml:"dns_server"`
}

// Interval returns the probe cadence shared by all coordinators.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.UpdateIntervalSec) * time.Second
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type RunConfig struct {
	Workers        int           `yaml:"workers"`
	TickResolution time.Duration `yaml:"tick_resolution"`
	// ProbeRate caps probe launches per second across all targets. Zero means
	// unlimited.
	ProbeRate float64 `yaml:"probe_rate"`
}

// TargetConfig is one user-specified target before materialization. Per-target
// validation happens in the registry so one malformed entry never takes down
// the rest.
type TargetConfig struct {
	Host          string `yaml:"host"`
	Protocol      string `yaml:"protocol"`
	Port          int    `yaml:"port"`
	DeviceName    string `yaml:"device_name"`
	AlertGroup    string `yaml:"alert_group"`
	AlertDelayMin int    `yaml:"alert_delay_min"`
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

func (c *Config) applyDefaults() {
	if c.Monitor.UpdateIntervalSec == 0 {
		c.Monitor.UpdateIntervalSec = DefaultIntervalSec
	}
	if c.Monitor.DNSServer == "" {
		c.Monitor.DNSServer = DefaultDNSServer
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	for i := range c.Targets {
		if c.Targets[i].AlertDelayMin == 0 {
			c.Targets[i].AlertDelayMin = DefaultAlertDelayMin
		}
	}
}

func (c *Config) validate() error {
	if c.Monitor.UpdateIntervalSec < minIntervalSec || c.Monitor.UpdateIntervalSec > maxIntervalSec {
		return fmt.Errorf("monitor.update_interval_sec must be between %d and %d, got %d",
			minIntervalSec, maxIntervalSec, c.Monitor.UpdateIntervalSec)
	}
	if net.ParseIP(c.Monitor.DNSServer) == nil {
		return fmt.Errorf("monitor.dns_server %q is not an IP address", c.Monitor.DNSServer)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("no targets configured")
	}
	return nil
}
