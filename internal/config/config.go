package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/warden/internal/template"
)

// TokenEnv overrides discord.token when set.
const TokenEnv = "WARDEN_DISCORD_TOKEN"

// Config is the main configuration structure
type Config struct {
	Discord DiscordConfig `yaml:"discord"`
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Import  ImportConfig  `yaml:"import"`
}

// DiscordConfig contains bot credentials
type DiscordConfig struct {
	Token string `yaml:"token"`
	// EnvFile is an optional dotenv file consulted for WARDEN_DISCORD_TOKEN.
	EnvFile string `yaml:"env_file"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`
	// APIKeyHash is a bcrypt hash of the API key; preferred over APIKey.
	APIKeyHash     string        `yaml:"api_key_hash"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Default: 4MB
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 60s
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 120s
	// WaitTimeout caps how long a request with wait=true blocks.
	WaitTimeout time.Duration `yaml:"wait_timeout"` // Default: 5m
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ImportConfig contains import execution settings
type ImportConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"` // Default: 30s
	// SerializePerGuild rejects a second import for a guild that already
	// has one running. Nil means true.
	SerializePerGuild *bool           `yaml:"serialize_per_guild"`
	CleanupInterval   time.Duration   `yaml:"cleanup_interval"`   // Default: 10m
	OperationMaxAge   time.Duration   `yaml:"operation_max_age"`  // Default: 1h
	Limits            template.Limits `yaml:"limits"`
}

// Serialize reports whether imports are serialized per guild.
func (c ImportConfig) Serialize() bool {
	return c.SerializePerGuild == nil || *c.SerializePerGuild
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Discord.EnvFile != "" && !filepath.IsAbs(cfg.Discord.EnvFile) {
		cfg.Discord.EnvFile = filepath.Join(filepath.Dir(path), cfg.Discord.EnvFile)
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadEnv applies WARDEN_DISCORD_TOKEN, reading the dotenv file first if
// one is configured. Variables already in the environment win.
func (c *Config) loadEnv() error {
	if c.Discord.EnvFile != "" {
		if err := godotenv.Load(c.Discord.EnvFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", c.Discord.EnvFile, err)
		}
	}
	if token := os.Getenv(TokenEnv); token != "" {
		c.Discord.Token = token
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/warden/warden.db"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 4 << 20
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 60 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 120 * time.Second
	}
	if c.API.WaitTimeout == 0 {
		c.API.WaitTimeout = 5 * time.Minute
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

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Import.StepTimeout == 0 {
		c.Import.StepTimeout = 30 * time.Second
	}
	if c.Import.CleanupInterval == 0 {
		c.Import.CleanupInterval = 10 * time.Minute
	}
	if c.Import.OperationMaxAge == 0 {
		c.Import.OperationMaxAge = time.Hour
	}
	c.Import.Limits = c.Import.Limits.WithDefaults()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required (or set %s)", TokenEnv)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.API.Enabled && c.API.APIKey == "" && c.API.APIKeyHash == "" {
		return fmt.Errorf("api.api_key or api.api_key_hash is required when the API is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	if c.Import.StepTimeout < 0 {
		return fmt.Errorf("import.step_timeout must not be negative")
	}
	if c.Import.CleanupInterval < 0 || c.Import.OperationMaxAge < 0 {
		return fmt.Errorf("import.cleanup_interval and import.operation_max_age must not be negative")
	}

	return nil
}
