// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Mode is the trading mode the engine runs in.
type Mode string

const (
	// ModeDryRun logs decisions and never places orders.
	ModeDryRun Mode = "DRY_RUN"
	// ModeSandboxPaper places real orders against the broker sandbox.
	ModeSandboxPaper Mode = "SANDBOX_PAPER"
	// ModeLive places real orders against the live broker.
	ModeLive Mode = "LIVE"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDryRun, ModeSandboxPaper, ModeLive:
		return true
	default:
		return false
	}
}

// Config represents the complete application configuration.
// Runtime-tunable thresholds live in the settings table; this file holds
// wiring, credentials references, and defaults that seed the settings store.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Notify      NotifyConfig      `yaml:"notify"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     Mode   `yaml:"mode"`      // DRY_RUN | SANDBOX_PAPER | LIVE
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"` // optional base URL override
	AccountID   string `yaml:"account_id"`
	// OrderTag is attached to every outbound order for orphan detection.
	OrderTag string `yaml:"order_tag"`
}

// ScheduleConfig defines cycle cadences and market hours.
type ScheduleConfig struct {
	Timezone string `yaml:"timezone"` // e.g. "America/New_York"
	// Cron expressions (with seconds field).
	TradeCycle    string `yaml:"trade_cycle"`
	MonitorCycle  string `yaml:"monitor_cycle"`
	OrphanCleanup string `yaml:"orphan_cleanup"`
	TradingStart  string `yaml:"trading_start"` // "HH:MM" ET
	TradingEnd    string `yaml:"trading_end"`   // "HH:MM" ET
}

// StorageConfig defines storage settings.
type StorageConfig struct {
	Path string `yaml:"path"` // sqlite database path
}

// NotifyConfig defines the outbound telegram channel. Best-effort only.
type NotifyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	TelegramToken string `yaml:"telegram_token"`
	TelegramChat  int64  `yaml:"telegram_chat"`
}

// DashboardConfig defines the read-only status server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. ":8080"
}

// Load reads and parses the configuration file from the specified path.
// Environment variables in the file are expanded before parsing.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = ModeDryRun
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.TradeCycle == "" {
		c.Schedule.TradeCycle = "0 * * * * MON-FRI"
	}
	if c.Schedule.MonitorCycle == "" {
		c.Schedule.MonitorCycle = "30 * * * * MON-FRI"
	}
	if c.Schedule.OrphanCleanup == "" {
		c.Schedule.OrphanCleanup = "0 15 17 * * MON-FRI"
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = "09:30"
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = "15:50"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/spreadbot.db"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Broker.OrderTag == "" {
		c.Broker.OrderTag = "GEKKOWORKS"
	}
	if c.Dashboard.Listen == "" {
		c.Dashboard.Listen = ":8080"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if !c.Environment.Mode.Valid() {
		return fmt.Errorf("invalid mode %q: must be DRY_RUN, SANDBOX_PAPER, or LIVE", c.Environment.Mode)
	}

	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.Environment.LogLevel)
	}

	if c.Broker.Provider != "tradier" {
		return fmt.Errorf("unsupported broker provider %q", c.Broker.Provider)
	}

	// DRY_RUN needs no credentials; order-placing modes do.
	if c.Environment.Mode != ModeDryRun {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker api_key is required in %s mode", c.Environment.Mode)
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker account_id is required in %s mode", c.Environment.Mode)
		}
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Schedule.Timezone, err)
	}

	for _, hm := range []string{c.Schedule.TradingStart, c.Schedule.TradingEnd} {
		if _, err := time.Parse("15:04", hm); err != nil {
			return fmt.Errorf("invalid trading hours %q: %w", hm, err)
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Notify.Enabled && c.Notify.TelegramToken == "" {
		return fmt.Errorf("notify enabled but telegram_token is empty")
	}

	return nil
}

// IsLive reports whether real money is at risk.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == ModeLive
}

// Sandbox reports whether the broker sandbox endpoints should be used.
func (c *Config) Sandbox() bool {
	return c.Environment.Mode != ModeLive
}

// Location returns the configured market timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
