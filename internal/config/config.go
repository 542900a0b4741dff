package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harborglow/hashlab/internal/jsonx"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
)

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	Host                string `json:"host" toml:"host"`
	Port                int    `json:"port" toml:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds" toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" toml:"write_timeout_seconds"`
	StaticDir           string `json:"static_dir" toml:"static_dir"`
}

// AuthConfig controls the dashboard login. An empty password means one is
// generated at startup.
type AuthConfig struct {
	Password      string `json:"password,omitempty" toml:"password"`
	SessionSecret string `json:"session_secret,omitempty" toml:"session_secret"`
	SessionHours  int    `json:"session_hours" toml:"session_hours"`
}

// PollerConfig defines how miners are polled
type PollerConfig struct {
	TimeoutSeconds     int    `json:"timeout_seconds" toml:"timeout_seconds"`
	Concurrency        int    `json:"concurrency" toml:"concurrency"` // 0 = one request per miner
	RemoteSnapshotURL  string `json:"remote_snapshot_url,omitempty" toml:"remote_snapshot_url"`
	RemoteCacheSeconds int    `json:"remote_cache_seconds" toml:"remote_cache_seconds"`
}

// SamplerConfig defines the background history logger
type SamplerConfig struct {
	IntervalSeconds int `json:"interval_seconds" toml:"interval_seconds"` // <= 0 disables
}

// HistoryConfig selects and bounds the history store
type HistoryConfig struct {
	Backend      string `json:"backend" toml:"backend"` // "csv" or "sqlite"
	Path         string `json:"path" toml:"path"`
	DefaultLimit int    `json:"default_limit" toml:"default_limit"`
	MinLimit     int    `json:"min_limit" toml:"min_limit"`
	MaxLimit     int    `json:"max_limit" toml:"max_limit"`
}

// PoolConfig defines the pool-side statistics source
type PoolConfig struct {
	BaseURL      string `json:"base_url" toml:"base_url"`
	APIKey       string `json:"api_key,omitempty" toml:"api_key"`
	Subaccount   string `json:"subaccount,omitempty" toml:"subaccount"`
	CacheSeconds int    `json:"cache_seconds" toml:"cache_seconds"`
	MappingPath  string `json:"mapping_path" toml:"mapping_path"`
}

// PricingConfig defines BTC price fetching settings
type PricingConfig struct {
	Enabled      bool `json:"enabled" toml:"enabled"`
	CacheSeconds int  `json:"cache_seconds" toml:"cache_seconds"`
}

// AlertConfig defines status-change alerting
type AlertConfig struct {
	Enabled         bool   `json:"enabled" toml:"enabled"`
	WebhookURL      string `json:"webhook_url,omitempty" toml:"webhook_url"`
	CooldownMinutes int    `json:"cooldown_minutes" toml:"cooldown_minutes"`
}

// GistConfig defines the snapshot publisher used in sync mode
type GistConfig struct {
	Token           string `json:"token,omitempty" toml:"token"`
	ID              string `json:"id,omitempty" toml:"id"`
	Filename        string `json:"filename" toml:"filename"`
	IntervalSeconds int    `json:"interval_seconds" toml:"interval_seconds"`
}

// ScannerConfig defines network scanner settings
type ScannerConfig struct {
	Concurrency    int `json:"concurrency" toml:"concurrency"`
	TimeoutSeconds int `json:"timeout_seconds" toml:"timeout_seconds"`
}

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig  `json:"server" toml:"server"`
	Auth      AuthConfig    `json:"auth" toml:"auth"`
	Poller    PollerConfig  `json:"poller" toml:"poller"`
	Sampler   SamplerConfig `json:"sampler" toml:"sampler"`
	History   HistoryConfig `json:"history" toml:"history"`
	Pool      PoolConfig    `json:"pool" toml:"pool"`
	Pricing   PricingConfig `json:"pricing" toml:"pricing"`
	Alerts    AlertConfig   `json:"alerts" toml:"alerts"`
	Gist      GistConfig    `json:"gist" toml:"gist"`
	Scanner   ScannerConfig `json:"scanner" toml:"scanner"`
	FleetPath string        `json:"fleet_path" toml:"fleet_path"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  60,
			WriteTimeoutSeconds: 120,
			StaticDir:           "web",
		},
		Auth: AuthConfig{
			SessionHours: 24,
		},
		Poller: PollerConfig{
			TimeoutSeconds:     3,
			RemoteCacheSeconds: 60,
		},
		Sampler: SamplerConfig{
			IntervalSeconds: 300,
		},
		History: HistoryConfig{
			Backend:      "csv",
			Path:         "data_logs/miner_metrics.csv",
			DefaultLimit: 288,
			MinLimit:     1,
			MaxLimit:     5000,
		},
		Pool: PoolConfig{
			BaseURL:      "https://app.luxor.tech/api/v2",
			CacheSeconds: 60,
			MappingPath:  "pool_mapping.json",
		},
		Pricing: PricingConfig{
			Enabled:      true,
			CacheSeconds: 60,
		},
		Alerts: AlertConfig{
			Enabled:         true,
			CooldownMinutes: 15,
		},
		Gist: GistConfig{
			Filename:        "miner_data.json",
			IntervalSeconds: 60,
		},
		Scanner: ScannerConfig{
			Concurrency:    50,
			TimeoutSeconds: 2,
		},
		FleetPath: "miners_config.json",
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads configuration from a JSON or TOML file (chosen by extension).
// Secrets from the environment, or a .env file next to the process, override
// what the file holds.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if isTOML(path) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = jsonx.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes configuration to path, TOML or JSON by extension.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(*c)
	} else {
		data, err = jsonx.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return WriteFileAtomic(path, data)
}

// envOverrides maps environment variables onto config fields.
func (c *Config) envOverrides() map[string]*string {
	return map[string]*string{
		"HASHLAB_PASSWORD":            &c.Auth.Password,
		"HASHLAB_SESSION_SECRET":      &c.Auth.SessionSecret,
		"LUXOR_API_KEY":               &c.Pool.APIKey,
		"LUXOR_SUBACCOUNT":            &c.Pool.Subaccount,
		"GIST_TOKEN":                  &c.Gist.Token,
		"GIST_ID":                     &c.Gist.ID,
		"DISCORD_WEBHOOK_URL":         &c.Alerts.WebhookURL,
		"HASHLAB_REMOTE_SNAPSHOT_URL": &c.Poller.RemoteSnapshotURL,
	}
}

// ApplyEnv loads the given .env files (missing files are ignored) and then
// copies any set environment variables over the matching config fields.
func (c *Config) ApplyEnv(envFiles ...string) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
	for key, field := range c.envOverrides() {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*field = strings.TrimSpace(v)
		}
	}
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.History.Backend {
	case "csv", "sqlite":
	default:
		return &ValidationError{Field: "history.backend", Reason: fmt.Sprintf("unknown backend %q", c.History.Backend)}
	}
	if c.History.Path == "" {
		return &ValidationError{Field: "history.path", Reason: "must not be empty"}
	}
	if c.History.MinLimit < 1 {
		return &ValidationError{Field: "history.min_limit", Reason: "must be at least 1"}
	}
	if c.History.MaxLimit < c.History.MinLimit {
		return &ValidationError{Field: "history.max_limit", Reason: "must not be below min_limit"}
	}
	if c.History.DefaultLimit < c.History.MinLimit || c.History.DefaultLimit > c.History.MaxLimit {
		return &ValidationError{Field: "history.default_limit", Reason: "must lie within [min_limit, max_limit]"}
	}
	if c.Poller.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "poller.timeout_seconds", Reason: "must be positive"}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Reason: "out of range"}
	}
	return nil
}

// Seconds converts an integer seconds setting to a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
