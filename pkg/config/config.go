package config

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global    GlobalConfig    `yaml:"global"    mapstructure:"global"`
	Source    SourceConfig    `yaml:"source"    mapstructure:"source"`
	Trigger   TriggerConfig   `yaml:"trigger"   mapstructure:"trigger"`
	Publisher PublisherConfig `yaml:"publisher" mapstructure:"publisher"`
	Metrics   MetricsConfig   `yaml:"metrics"   mapstructure:"metrics"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	StateDir string `yaml:"state_dir" mapstructure:"state_dir"`
}

// Source types understood by the rule-store factory.
const (
	SourceNFTables = "nftables"
	SourceIPTables = "iptables"
	SourceIPVS     = "ipvs"
	SourceFile     = "file"
)

// SourceConfig selects and parameterizes the rule-store backend.
type SourceConfig struct {
	Type           string         `yaml:"type"             mapstructure:"type"`
	OwnedTagSuffix string         `yaml:"owned_tag_suffix" mapstructure:"owned_tag_suffix"`
	FilePath       string         `yaml:"file_path"        mapstructure:"file_path"`
	IPTables       IPTablesConfig `yaml:"iptables"         mapstructure:"iptables"`
}

// IPTablesConfig lists the tables enumerated by the iptables backend.
type IPTablesConfig struct {
	Tables []string `yaml:"tables" mapstructure:"tables"`
	IPv6   *bool    `yaml:"ipv6"   mapstructure:"ipv6"`
}

// GetTables returns the tables to enumerate.
// Defaults to the filter table if not set.
func (c IPTablesConfig) GetTables() []string {
	if len(c.Tables) == 0 {
		return []string{"filter"}
	}
	return c.Tables
}

// IsIPv6Enabled returns whether ip6tables is enumerated as well.
// Defaults to true if not explicitly set.
func (c IPTablesConfig) IsIPv6Enabled() bool {
	if c.IPv6 == nil {
		return true
	}
	return *c.IPv6
}

// TriggerConfig controls what requests a reconciliation pass.
type TriggerConfig struct {
	Native       *bool    `yaml:"native"        mapstructure:"native"`
	WatchPaths   []string `yaml:"watch_paths"   mapstructure:"watch_paths"`
	PollInterval string   `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// IsNativeEnabled returns whether the backend's native change feed is used.
// Defaults to true if not explicitly set.
func (t TriggerConfig) IsNativeEnabled() bool {
	if t.Native == nil {
		return true
	}
	return *t.Native
}

// GetPollInterval parses and returns the polling interval.
// Defaults to 60s if not set or invalid; "0" disables polling.
func (t TriggerConfig) GetPollInterval() time.Duration {
	if t.PollInterval == "" {
		return 60 * time.Second
	}
	duration, err := time.ParseDuration(t.PollInterval)
	if err != nil {
		return 60 * time.Second
	}
	return duration
}

// PublisherConfig controls signer enrichment of change records.
type PublisherConfig struct {
	Enabled *bool `yaml:"enabled" mapstructure:"enabled"`
}

// IsEnabled returns whether publisher enrichment is enabled.
// Defaults to true if not explicitly set.
func (p PublisherConfig) IsEnabled() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// validSourceTypes is the set of supported rule-store backends.
var validSourceTypes = map[string]bool{
	SourceNFTables: true,
	SourceIPTables: true,
	SourceIPVS:     true,
	SourceFile:     true,
}

// validLogLevels is the set of supported log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validIPTablesTables is the set of iptables tables the backend may enumerate.
var validIPTablesTables = map[string]bool{
	"filter":   true,
	"nat":      true,
	"mangle":   true,
	"raw":      true,
	"security": true,
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("global.state_dir", "/var/lib/ezwatch")
	viperInstance.SetDefault("source.type", SourceNFTables)
	viperInstance.SetDefault("source.owned_tag_suffix", "ezwatch")

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if cfg.Global.LogLevel == "" {
		cfg.Global.LogLevel = "info"
	}
	if !validLogLevels[cfg.Global.LogLevel] {
		return fmt.Errorf("global.log_level: unsupported level %q (supported: debug, info, warn, error)", cfg.Global.LogLevel)
	}
	if cfg.Global.StateDir == "" {
		return fmt.Errorf("global.state_dir is required")
	}

	// Validate source
	if !validSourceTypes[cfg.Source.Type] {
		return fmt.Errorf("source.type: unsupported type %q (supported: nftables, iptables, ipvs, file)", cfg.Source.Type)
	}
	if cfg.Source.Type == SourceFile && cfg.Source.FilePath == "" {
		return fmt.Errorf("source.file_path is required for source type %q", SourceFile)
	}
	if cfg.Source.Type == SourceIPTables {
		tableSet := make(map[string]bool)
		for i, table := range cfg.Source.IPTables.Tables {
			if !validIPTablesTables[table] {
				return fmt.Errorf("source.iptables.tables[%d]: unsupported table %q", i, table)
			}
			if tableSet[table] {
				return fmt.Errorf("source.iptables.tables[%d]: duplicate table %q", i, table)
			}
			tableSet[table] = true
		}
	}

	// Validate trigger
	if cfg.Trigger.PollInterval != "" {
		interval, err := time.ParseDuration(cfg.Trigger.PollInterval)
		if err != nil {
			return fmt.Errorf("trigger.poll_interval: invalid duration %q: %w", cfg.Trigger.PollInterval, err)
		}
		if interval < 0 {
			return fmt.Errorf("trigger.poll_interval must not be negative")
		}
		if interval > 0 && interval < time.Second {
			return fmt.Errorf("trigger.poll_interval must be at least 1s or 0 to disable")
		}
	}
	watchSet := make(map[string]bool)
	for i, path := range cfg.Trigger.WatchPaths {
		if path == "" {
			return fmt.Errorf("trigger.watch_paths[%d]: path is required", i)
		}
		if watchSet[path] {
			return fmt.Errorf("trigger.watch_paths[%d]: duplicate path %q", i, path)
		}
		watchSet[path] = true
	}

	// Validate metrics listen address
	if cfg.Metrics.Listen != "" {
		host, port, err := net.SplitHostPort(cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen: invalid address %q: %w", cfg.Metrics.Listen, err)
		}
		if host != "" && net.ParseIP(host) == nil {
			return fmt.Errorf("metrics.listen: invalid IP %q", host)
		}
		if port == "" || port == "0" {
			return fmt.Errorf("metrics.listen: port must be a positive number")
		}
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
