// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/internal/breaker"
	"github.com/briangreenhill/intelbot/internal/services"
)

// Config holds all application configuration
type Config struct {
	Port       string `env:"INTELBOT_PORT" envDefault:"8080"`
	LogLevel   string `env:"INTELBOT_LOG_LEVEL" envDefault:"info"`
	AdminToken string `env:"INTELBOT_ADMIN_TOKEN"`
	RedisAddr  string `env:"INTELBOT_REDIS_ADDR" envDefault:"localhost:6379"`

	Client  ClientConfig
	Finnhub FinnhubConfig
	FRED    FREDConfig
	Digest  DigestConfig
}

// ClientConfig tunes the shared service client
type ClientConfig struct {
	Timeout         time.Duration `env:"INTELBOT_HTTP_TIMEOUT" envDefault:"30s"`
	CacheTTL        time.Duration `env:"INTELBOT_CACHE_TTL" envDefault:"5m"`
	CacheMaxSize    int           `env:"INTELBOT_CACHE_MAX_SIZE" envDefault:"100"`
	BreakerFailures int           `env:"INTELBOT_BREAKER_FAILURES" envDefault:"3"`
	BreakerReset    time.Duration `env:"INTELBOT_BREAKER_RESET" envDefault:"30s"`
}

// FinnhubConfig holds Finnhub-specific configuration
type FinnhubConfig struct {
	APIKey  string   `env:"FINNHUB_API_KEY"`
	Symbols []string `env:"INTELBOT_SYMBOLS" envSeparator:"," envDefault:"SPY,QQQ"`
}

// FREDConfig holds FRED-specific configuration
type FREDConfig struct {
	APIKey string   `env:"FRED_API_KEY"`
	Series []string `env:"INTELBOT_FRED_SERIES" envSeparator:"," envDefault:"DGS10,UNRATE"`
}

// DigestConfig controls where source digests are delivered
type DigestConfig struct {
	WebhookURL string        `env:"DIGEST_WEBHOOK_URL"`
	Coins      []string      `env:"INTELBOT_COINS" envSeparator:"," envDefault:"bitcoin,ethereum"`
	Interval   time.Duration `env:"INTELBOT_DIGEST_INTERVAL" envDefault:"1h"`
}

// Load reads configuration from the process environment
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads configuration from the given variables instead of the
// process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Digest.Coins = clean(cfg.Digest.Coins)
	cfg.Finnhub.Symbols = clean(cfg.Finnhub.Symbols)
	cfg.FRED.Series = clean(cfg.FRED.Series)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func clean(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HasFinnhub returns true if Finnhub configuration is complete
func (c *Config) HasFinnhub() bool {
	return c.Finnhub.APIKey != "" && len(c.Finnhub.Symbols) > 0
}

// HasFRED returns true if FRED configuration is complete
func (c *Config) HasFRED() bool {
	return c.FRED.APIKey != "" && len(c.FRED.Series) > 0
}

// HasWebhook returns true if digests should be posted to a webhook
func (c *Config) HasWebhook() bool {
	return c.Digest.WebhookURL != ""
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("INTELBOT_PORT must not be empty")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid INTELBOT_LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("INTELBOT_HTTP_TIMEOUT must be positive, got %s", c.Client.Timeout)
	}
	if c.Client.CacheTTL <= 0 {
		return fmt.Errorf("INTELBOT_CACHE_TTL must be positive, got %s", c.Client.CacheTTL)
	}
	if c.Client.CacheMaxSize <= 0 {
		return fmt.Errorf("INTELBOT_CACHE_MAX_SIZE must be positive, got %d", c.Client.CacheMaxSize)
	}
	if c.Client.BreakerFailures <= 0 {
		return fmt.Errorf("INTELBOT_BREAKER_FAILURES must be positive, got %d", c.Client.BreakerFailures)
	}
	if c.Client.BreakerReset <= 0 {
		return fmt.Errorf("INTELBOT_BREAKER_RESET must be positive, got %s", c.Client.BreakerReset)
	}
	if c.Digest.Interval < time.Minute {
		return fmt.Errorf("INTELBOT_DIGEST_INTERVAL must be at least 1m, got %s", c.Digest.Interval)
	}
	return nil
}

// Level returns the configured log level, validated by Validate
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// ServiceClient converts the settings into a services.ClientConfig
func (c *Config) ServiceClient() services.ClientConfig {
	sc := services.DefaultClientConfig()
	sc.DefaultTimeout = c.Client.Timeout
	sc.DefaultCacheTTL = c.Client.CacheTTL
	sc.CacheMaxSize = c.Client.CacheMaxSize
	sc.Breaker = breaker.Config{
		FailureThreshold:    c.Client.BreakerFailures,
		ResetTimeout:        c.Client.BreakerReset,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	}
	return sc
}
