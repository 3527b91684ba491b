package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/voxdrop/internal/ipfilter"
)

// Environment variables that override secrets from the config file
const (
	EnvProviderAPIKey = "VOXDROP_PROVIDER_API_KEY"
	EnvAPIKey         = "VOXDROP_API_KEY"
	EnvWebhookToken   = "VOXDROP_WEBHOOK_TOKEN"
)

// WebhookPath is where provider callbacks are received
const WebhookPath = "/webhooks/voicemail"

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Provider   ProviderConfig   `yaml:"provider"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Storage    StorageConfig    `yaml:"storage"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains general settings
type ServerConfig struct {
	// PublicURL is the externally reachable base URL, used to build the callback URL
	PublicURL string `yaml:"public_url"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Default: 10MB
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // empty = allow all
}

// WebhookConfig contains provider callback settings
type WebhookConfig struct {
	// URL overrides the callback URL derived from server.public_url
	URL        string   `yaml:"url"`
	Token      string   `yaml:"token"`
	AllowedIPs []string `yaml:"allowed_ips"`
	TrustProxy bool     `yaml:"trust_proxy"` // honor X-Forwarded-For for allowed_ips
}

// ProviderConfig contains VoiceDrop API settings
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	VoiceCloneID      string        `yaml:"voice_clone_id"`
	Timeout           time.Duration `yaml:"timeout"`            // Default: 30s
	ValidateRecipient *bool         `yaml:"validate_recipient"` // Default: true
}

// DispatcherConfig contains dispatch loop settings
type DispatcherConfig struct {
	Interval   time.Duration `yaml:"interval"`    // Default: 5s
	Workers    int           `yaml:"workers"`     // Default: 4
	MaxRetries int           `yaml:"max_retries"` // Default: 3
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string           `yaml:"path"`
	Retention *RetentionConfig `yaml:"retention"`
}

// RetentionConfig controls removal of finished campaigns
type RetentionConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// RateLimitConfig contains rate limiter persistence settings
type RateLimitConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text

	// File enables a rotating log file instead of stdout
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`  // Default: 100
	MaxBackups int    `yaml:"max_backups"`  // Default: 5
	MaxAgeDays int    `yaml:"max_age_days"` // Default: 30
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// Load loads configuration from a YAML file. Secrets may come from the
// environment or from a .env file next to the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	dotenv, err := readDotenv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func readDotenv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return env, nil
}

// applyEnv overrides secrets with non-empty environment values
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Provider.APIKey, EnvProviderAPIKey)
	set(&c.API.APIKey, EnvAPIKey)
	set(&c.Webhook.Token, EnvWebhookToken)
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 10 << 20 // 10 MB
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 60 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	c.Provider.BaseURL = strings.TrimRight(c.Provider.BaseURL, "/")
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.ValidateRecipient == nil {
		validate := true
		c.Provider.ValidateRecipient = &validate
	}

	if c.Dispatcher.Interval == 0 {
		c.Dispatcher.Interval = 5 * time.Second
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 4
	}
	if c.Dispatcher.MaxRetries == 0 {
		c.Dispatcher.MaxRetries = 3
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/voxdrop/voxdrop.db"
	}
	if c.Storage.Retention == nil {
		c.Storage.Retention = &RetentionConfig{}
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if err := validateHTTPURL(c.Provider.BaseURL); err != nil {
		return fmt.Errorf("invalid provider.base_url: %w", err)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required (or set %s)", EnvProviderAPIKey)
	}
	if c.Provider.VoiceCloneID == "" {
		return fmt.Errorf("provider.voice_clone_id is required")
	}

	if c.Server.PublicURL != "" {
		if err := validateHTTPURL(c.Server.PublicURL); err != nil {
			return fmt.Errorf("invalid server.public_url: %w", err)
		}
	}
	if c.Webhook.URL != "" {
		if err := validateHTTPURL(c.Webhook.URL); err != nil {
			return fmt.Errorf("invalid webhook.url: %w", err)
		}
	}

	if c.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must not be negative")
	}
	if c.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("dispatcher.max_retries must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	for name, list := range map[string][]string{
		"api.allowed_ips":     c.API.AllowedIPs,
		"webhook.allowed_ips": c.Webhook.AllowedIPs,
		"metrics.allowed_ips": c.Metrics.AllowedIPs,
	} {
		if _, err := ipfilter.ParsePrefixes(list); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// CallbackURL returns the URL the provider should post status updates to,
// or an empty string when callbacks are not configured
func (c *Config) CallbackURL() string {
	raw := c.Webhook.URL
	if raw == "" {
		if c.Server.PublicURL == "" {
			return ""
		}
		raw = strings.TrimRight(c.Server.PublicURL, "/") + WebhookPath
	}
	if c.Webhook.Token == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("token", c.Webhook.Token)
	u.RawQuery = q.Encode()
	return u.String()
}
