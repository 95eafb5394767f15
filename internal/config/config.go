// Package config handles TOML configuration for the vahti daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Platform PlatformConfig `toml:"platform"`
	Groups   GroupsConfig   `toml:"groups"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Live     LiveConfig     `toml:"live"`
	Storage  StorageConfig  `toml:"storage"`
	Journal  JournalConfig  `toml:"journal"`
	API      APIConfig      `toml:"api"`
	OTEL     OTELConfig     `toml:"otel"`
	Log      LogConfig      `toml:"log"`
	Notify   NotifyConfig   `toml:"notify"`
	Archive  ArchiveConfig  `toml:"archive"`
}

// PlatformConfig holds the remote platform client settings.
type PlatformConfig struct {
	Name       string `toml:"name"`
	BaseURL    string `toml:"base_url"`
	Token      string `toml:"token"`
	TokenEnv   string `toml:"token_env"`
	UserAgent  string `toml:"user_agent"`
	TimeoutStr string `toml:"timeout"`
	Timeout    time.Duration
}

// GroupsConfig lists authorized groups and where their rules live.
type GroupsConfig struct {
	Authorized []string `toml:"authorized"`
	Active     string   `toml:"active"`
	RulesFile  string   `toml:"rules_file"`
}

// ScannerConfig holds batch scan settings.
type ScannerConfig struct {
	PageSize       int    `toml:"page_size"`
	MaxMembers     int    `toml:"max_members"`
	MaxFailures    int    `toml:"max_consecutive_failures"`
	PageDelayStr   string `toml:"page_delay"`
	EnrichDelayStr string `toml:"enrich_delay"`
	Schedule       string `toml:"schedule"`
	PageDelay      time.Duration
	EnrichDelay    time.Duration
}

// LiveConfig holds live checker settings.
type LiveConfig struct {
	SweepIntervalStr string `toml:"sweep_interval"`
	DedupCeiling     int    `toml:"dedup_ceiling"`
	SweepInterval    time.Duration
}

// StorageConfig holds audit store settings.
type StorageConfig struct {
	Path string `toml:"path"`
}

// JournalConfig holds action journal settings.
type JournalConfig struct {
	Enabled       bool   `toml:"enabled"`
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	Listen string `toml:"listen"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled    bool `toml:"enabled"`
	Prometheus bool `toml:"prometheus"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NotifyConfig holds notification channels.
type NotifyConfig struct {
	Log     bool          `toml:"log"`
	Slack   SlackConfig   `toml:"slack"`
	Discord DiscordConfig `toml:"discord"`
}

// SlackConfig holds Slack settings.
type SlackConfig struct {
	Enabled  bool   `toml:"enabled"`
	Token    string `toml:"token"`
	TokenEnv string `toml:"token_env"`
	Channel  string `toml:"channel"`
}

// DiscordConfig holds Discord settings.
type DiscordConfig struct {
	Enabled   bool   `toml:"enabled"`
	Token     string `toml:"token"`
	TokenEnv  string `toml:"token_env"`
	ChannelID string `toml:"channel_id"`
}

// ArchiveConfig holds S3 audit archive settings.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Bucket  string `toml:"bucket"`
	Prefix  string `toml:"prefix"`
	Region  string `toml:"region"`
	Profile string `toml:"profile"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	resolveSecrets(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Platform.Name == "" {
		cfg.Platform.Name = "rest"
	}
	if cfg.Platform.TimeoutStr == "" {
		cfg.Platform.TimeoutStr = "15s"
	}
	if cfg.Scanner.PageSize == 0 {
		cfg.Scanner.PageSize = 100
	}
	if cfg.Scanner.MaxMembers == 0 {
		cfg.Scanner.MaxMembers = 50000
	}
	if cfg.Scanner.MaxFailures == 0 {
		cfg.Scanner.MaxFailures = 3
	}
	if cfg.Scanner.PageDelayStr == "" {
		cfg.Scanner.PageDelayStr = "1s"
	}
	if cfg.Scanner.EnrichDelayStr == "" {
		cfg.Scanner.EnrichDelayStr = "100ms"
	}
	if cfg.Live.SweepIntervalStr == "" {
		cfg.Live.SweepIntervalStr = "30s"
	}
	if cfg.Live.DedupCeiling == 0 {
		cfg.Live.DedupCeiling = 1000
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = "./data/journal"
	}
	if cfg.Journal.RetentionDays == 0 {
		cfg.Journal.RetentionDays = 30
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "vahti"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "audit"
	}
}

// resolveSecrets reads tokens from the environment when *_env is set.
func resolveSecrets(cfg *Config) {
	if cfg.Platform.Token == "" && cfg.Platform.TokenEnv != "" {
		cfg.Platform.Token = os.Getenv(cfg.Platform.TokenEnv)
	}
	if cfg.Notify.Slack.Token == "" && cfg.Notify.Slack.TokenEnv != "" {
		cfg.Notify.Slack.Token = os.Getenv(cfg.Notify.Slack.TokenEnv)
	}
	if cfg.Notify.Discord.Token == "" && cfg.Notify.Discord.TokenEnv != "" {
		cfg.Notify.Discord.Token = os.Getenv(cfg.Notify.Discord.TokenEnv)
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"platform.timeout", cfg.Platform.TimeoutStr, &cfg.Platform.Timeout},
		{"scanner.page_delay", cfg.Scanner.PageDelayStr, &cfg.Scanner.PageDelay},
		{"scanner.enrich_delay", cfg.Scanner.EnrichDelayStr, &cfg.Scanner.EnrichDelay},
		{"live.sweep_interval", cfg.Live.SweepIntervalStr, &cfg.Live.SweepInterval},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.in, err)
		}
		*f.out = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform: base_url required")
	}
	if c.Groups.RulesFile == "" {
		return fmt.Errorf("groups: rules_file required")
	}
	if c.Scanner.PageSize < 1 {
		return fmt.Errorf("scanner: page_size must be positive (got %d)", c.Scanner.PageSize)
	}
	if c.Scanner.MaxMembers < c.Scanner.PageSize {
		return fmt.Errorf("scanner: max_members must be at least page_size (got %d)", c.Scanner.MaxMembers)
	}
	if c.Live.SweepInterval <= 0 {
		return fmt.Errorf("live: sweep_interval must be positive")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Notify.Slack.Enabled && (c.Notify.Slack.Token == "" || c.Notify.Slack.Channel == "") {
		return fmt.Errorf("notify.slack: token and channel required")
	}
	if c.Notify.Discord.Enabled && (c.Notify.Discord.Token == "" || c.Notify.Discord.ChannelID == "") {
		return fmt.Errorf("notify.discord: token and channel_id required")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive: bucket required")
	}
	return nil
}
