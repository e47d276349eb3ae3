package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Kraken   KrakenConfig   `mapstructure:"kraken"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Report   ReportConfig   `mapstructure:"report"`
	API      APIConfig      `mapstructure:"api"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Export   ExportConfig   `mapstructure:"export"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// KrakenConfig holds the OHLC feed configuration
type KrakenConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Pair           string        `mapstructure:"pair"`
	Interval       int           `mapstructure:"interval"` // bar length in minutes
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// EngineConfig holds the sliding-window statistics configuration
type EngineConfig struct {
	Capacity int   `mapstructure:"capacity"`
	Windows  []int `mapstructure:"windows"`
}

// ReportConfig holds periodic report configuration
type ReportConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Enabled  bool          `mapstructure:"enabled"`
}

// APIConfig holds the HTTP query API configuration
type APIConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds the bar archive configuration
type StorageConfig struct {
	MaxBars int    `mapstructure:"max_bars"`
	DBPath  string `mapstructure:"db_path"`
}

// ExportConfig controls the window dump written on shutdown
type ExportConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// krakenIntervals are the bar lengths (minutes) the OHLC endpoint accepts.
var krakenIntervals = map[int]bool{1: true, 5: true, 15: true, 30: true, 60: true, 240: true, 1440: true, 10080: true, 21600: true}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("BARSTATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Kraken defaults
	v.SetDefault("kraken.base_url", "https://api.kraken.com")
	v.SetDefault("kraken.pair", "ETHEUR")
	v.SetDefault("kraken.interval", 1)
	v.SetDefault("kraken.poll_interval", "30s")
	v.SetDefault("kraken.timeout", "15s")
	v.SetDefault("kraken.max_retries", 3)
	v.SetDefault("kraken.retry_delay_base", "1s")

	// Engine defaults
	v.SetDefault("engine.capacity", 100)
	v.SetDefault("engine.windows", []int{5, 20, 50})

	// Report defaults
	v.SetDefault("report.interval", "5m")
	v.SetDefault("report.enabled", true)

	// API defaults
	v.SetDefault("api.addr", "127.0.0.1:8080")
	v.SetDefault("api.enabled", true)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.max_bars", 10000)
	v.SetDefault("storage.db_path", "")

	// Export defaults
	v.SetDefault("export.path", "")
	v.SetDefault("export.format", "parquet")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Kraken config
	if c.Kraken.BaseURL == "" {
		return fmt.Errorf("kraken.base_url is required")
	}
	if c.Kraken.Pair == "" {
		return fmt.Errorf("kraken.pair is required")
	}
	if !krakenIntervals[c.Kraken.Interval] {
		return fmt.Errorf("kraken.interval must be one of: 1, 5, 15, 30, 60, 240, 1440, 10080, 21600")
	}
	if c.Kraken.PollInterval < 5*time.Second {
		return fmt.Errorf("kraken.poll_interval must be at least 5 seconds")
	}
	if c.Kraken.MaxRetries < 1 {
		return fmt.Errorf("kraken.max_retries must be at least 1")
	}

	// Validate Engine config
	if c.Engine.Capacity < 0 {
		return fmt.Errorf("engine.capacity must not be negative")
	}
	if len(c.Engine.Windows) == 0 {
		return fmt.Errorf("engine.windows must contain at least one window length")
	}
	for _, w := range c.Engine.Windows {
		if w < 1 || w > c.Engine.Capacity {
			return fmt.Errorf("engine.windows entry %d must be between 1 and engine.capacity (%d)", w, c.Engine.Capacity)
		}
	}

	// Validate Report config
	if c.Report.Enabled && c.Report.Interval < 1*time.Minute {
		return fmt.Errorf("report.interval must be at least 1 minute")
	}

	// Validate API config
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when api is enabled")
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

	// Validate Storage config
	if c.Storage.MaxBars < c.Engine.Capacity {
		return fmt.Errorf("storage.max_bars must be at least engine.capacity (%d)", c.Engine.Capacity)
	}

	// Validate Export config
	if c.Export.Path != "" {
		validFormats := map[string]bool{"json": true, "csv": true, "parquet": true}
		if !validFormats[c.Export.Format] {
			return fmt.Errorf("export.format must be one of: json, csv, parquet")
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
