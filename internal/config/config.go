// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	ListenAddr       string        `mapstructure:"LISTEN_ADDR"`
	DBURL            string        `mapstructure:"DB_URL"`
	ProxyAPIKey      string        `mapstructure:"PROXY_API_KEY"`
	GithubAPIURL     string        `mapstructure:"GITHUB_API_URL"`
	CacheTTL         time.Duration `mapstructure:"CACHE_TTL"`
	RescrapeInterval time.Duration `mapstructure:"RESCRAPE_INTERVAL"`
	ScrapeInterval   time.Duration `mapstructure:"SCRAPE_INTERVAL"`
	PipelineWorkers  int           `mapstructure:"PIPELINE_WORKERS"`
	SchedulerWorkers int           `mapstructure:"SCHEDULER_WORKERS"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("GITHUB_API_URL", "https://api.github.com")
	viper.SetDefault("CACHE_TTL", "24h")
	viper.SetDefault("RESCRAPE_INTERVAL", "24h")
	viper.SetDefault("SCRAPE_INTERVAL", "0")
	viper.SetDefault("PIPELINE_WORKERS", 16)
	viper.SetDefault("SCHEDULER_WORKERS", 4)

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.ProxyAPIKey == "" {
		return nil, errors.New("PROXY_API_KEY is a required configuration field")
	}
	if cfg.PipelineWorkers <= 0 || cfg.SchedulerWorkers <= 0 {
		return nil, errors.New("PIPELINE_WORKERS and SCHEDULER_WORKERS must be positive")
	}

	return &cfg, nil
}
