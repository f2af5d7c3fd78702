// Package config handles client configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all client configuration.
type Config struct {
	// BaseURL is the backend API root, e.g. https://api.quill.example.
	BaseURL string `env:"QUILL_BASE_URL"`

	// StorePath is the durable cache location on disk.
	StorePath string `env:"QUILL_STORE_PATH" envDefault:"quill.db"`

	HTTPTimeout time.Duration `env:"QUILL_HTTP_TIMEOUT" envDefault:"30s"`

	// WriteRaceTimeout bounds the parallel transport race used by profile
	// updates and uploads.
	WriteRaceTimeout time.Duration `env:"QUILL_WRITE_RACE_TIMEOUT" envDefault:"15s"`

	// TTLs after which cached entries are considered stale. Stale entries
	// are still served while a background refresh runs.
	BlogListTTL time.Duration `env:"QUILL_BLOG_LIST_TTL" envDefault:"5m"`
	BlogTTL     time.Duration `env:"QUILL_BLOG_TTL" envDefault:"5m"`
	ProfileTTL  time.Duration `env:"QUILL_PROFILE_TTL" envDefault:"2m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("QUILL_BASE_URL is required")
	}
	if c.BlogListTTL <= 0 || c.BlogTTL <= 0 || c.ProfileTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.WriteRaceTimeout <= 0 {
		return fmt.Errorf("QUILL_WRITE_RACE_TIMEOUT must be positive")
	}
	return nil
}
