package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// BackendConfig holds the market data / ledger REST backend configuration
type BackendConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second
	Burst           int           `mapstructure:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	MarketLimit     int           `mapstructure:"market_limit"`
}

// SyncConfig holds polling behavior configuration
type SyncConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	AutoRefresh  bool          `mapstructure:"auto_refresh"`
}

// CatalogConfig holds catalog defaults and category keyword sets
type CatalogConfig struct {
	DefaultExchange string              `mapstructure:"default_exchange"`
	DefaultSort     string              `mapstructure:"default_sort"`
	Categories      map[string][]string `mapstructure:"categories"`
	HideClosed      bool                `mapstructure:"hide_closed"`
}

// StorageConfig holds the local snapshot cache configuration
type StorageConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	DBPath  string        `mapstructure:"db_path"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// AlertsConfig holds watchlist price move detection parameters
type AlertsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	MinChange float64       `mapstructure:"min_change"` // absolute probability change, or relative for stocks
	MinScore  float64       `mapstructure:"min_score"`
	VolumeRef float64       `mapstructure:"volume_ref"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
	TopK      int           `mapstructure:"top_k"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("PAPERDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DefaultCategories are the keyword sets used when the config file defines none.
func DefaultCategories() map[string][]string {
	return map[string][]string{
		"politics":  {"election", "president", "senate", "congress", "vote", "governor", "parliament"},
		"sports":    {"nba", "nfl", "mlb", "nhl", "championship", "world cup", "super bowl", "match"},
		"crypto":    {"bitcoin", "btc", "ethereum", "eth", "crypto", "solana"},
		"economics": {"fed", "inflation", "interest rate", "gdp", "recession", "cpi", "unemployment"},
	}
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.base_url", "http://localhost:8000/api")
	v.SetDefault("backend.timeout", "15s")
	v.SetDefault("backend.rate_limit", 5.0)
	v.SetDefault("backend.burst", 10)
	v.SetDefault("backend.breaker_failures", 5)
	v.SetDefault("backend.breaker_timeout", "30s")
	v.SetDefault("backend.market_limit", 50)

	// Sync defaults
	v.SetDefault("sync.poll_interval", "30s")
	v.SetDefault("sync.auto_refresh", true)

	// Catalog defaults
	v.SetDefault("catalog.default_exchange", "polymarket")
	v.SetDefault("catalog.default_sort", "volume")
	v.SetDefault("catalog.categories", DefaultCategories())
	v.SetDefault("catalog.hide_closed", true)

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.db_path", "./data/paperdesk.db")
	v.SetDefault("storage.max_age", "168h")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Alerts defaults
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.min_change", 0.05)
	v.SetDefault("alerts.min_score", 0.0)
	v.SetDefault("alerts.volume_ref", 25000.0)
	v.SetDefault("alerts.cooldown", "1h")
	v.SetDefault("alerts.top_k", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.max_size_mb", 20)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Backend config
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Backend.RateLimit <= 0 {
		return fmt.Errorf("backend.rate_limit must be positive")
	}
	if c.Backend.Burst < 1 {
		return fmt.Errorf("backend.burst must be at least 1")
	}
	if c.Backend.BreakerFailures < 1 {
		return fmt.Errorf("backend.breaker_failures must be at least 1")
	}
	if c.Backend.MarketLimit < 1 {
		return fmt.Errorf("backend.market_limit must be at least 1")
	}

	// Validate Sync config
	if c.Sync.PollInterval < 1*time.Second {
		return fmt.Errorf("sync.poll_interval must be at least 1 second")
	}

	// Validate Catalog config
	validSorts := map[string]bool{"default": true, "volume": true, "liquidity": true, "closingSoon": true, "newest": true}
	if !validSorts[c.Catalog.DefaultSort] {
		return fmt.Errorf("catalog.default_sort must be one of: default, volume, liquidity, closingSoon, newest")
	}
	for name, keywords := range c.Catalog.Categories {
		if len(keywords) == 0 {
			return fmt.Errorf("catalog.categories.%s must contain at least one keyword", name)
		}
	}

	// Validate Storage config
	if c.Storage.Enabled && c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required when storage is enabled")
	}
	if c.Storage.MaxAge < 0 {
		return fmt.Errorf("storage.max_age must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Alerts config
	if c.Alerts.Enabled {
		if !c.Telegram.Enabled {
			return fmt.Errorf("alerts require telegram to be enabled")
		}
		if c.Alerts.MinChange <= 0 || c.Alerts.MinChange >= 1 {
			return fmt.Errorf("alerts.min_change must be between 0 and 1 (exclusive)")
		}
		if c.Alerts.MinScore < 0 {
			return fmt.Errorf("alerts.min_score must not be negative")
		}
		if c.Alerts.Cooldown < 0 {
			return fmt.Errorf("alerts.cooldown must not be negative")
		}
		if c.Alerts.TopK < 0 {
			return fmt.Errorf("alerts.top_k must not be negative")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
