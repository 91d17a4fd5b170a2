package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string          `yaml:"port"`
	Environment    string          `yaml:"environment"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	JWTSecret      string          `yaml:"jwt_secret"`
	LogLevel       string          `yaml:"log_level"`
	Redis          RedisConfig     `yaml:"redis"`
	Database       DatabaseConfig  `yaml:"database"`
	Exchange       ExchangeConfig  `yaml:"exchange"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RedisConfig enables the cross-instance answer notifier when Host is set.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

type DatabaseConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

type ExchangeConfig struct {
	PayloadKeySalt     string        `yaml:"payload_key_salt"`
	OfferValidity      time.Duration `yaml:"offer_validity"`
	AnswerPollTimeout  time.Duration `yaml:"answer_poll_timeout"`
	AnswerPollInterval time.Duration `yaml:"answer_poll_interval"`
	MaxConcurrentPolls int           `yaml:"max_concurrent_polls"`
	RecordRetention    time.Duration `yaml:"record_retention"`
	JanitorInterval    time.Duration `yaml:"janitor_interval"`
}

// RateLimitConfig holds the maximum requests per owner in each window.
type RateLimitConfig struct {
	PerSecond     int `yaml:"per_second"`
	PerMinute     int `yaml:"per_minute"`
	PerTenMinutes int `yaml:"per_ten_minutes"`
	PerHour       int `yaml:"per_hour"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      defaultJWTSecret,
		LogLevel:       "info",
		Redis: RedisConfig{
			Port: "6379",
		},
		Database: DatabaseConfig{
			Path:     "sdp-rendezvous.db",
			PoolSize: 4,
		},
		Exchange: ExchangeConfig{
			OfferValidity:      60 * time.Minute,
			AnswerPollTimeout:  15 * time.Second,
			AnswerPollInterval: time.Second,
			MaxConcurrentPolls: 256,
			RecordRetention:    24 * time.Hour,
			JanitorInterval:    10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			PerSecond:     20,
			PerMinute:     100,
			PerTenMinutes: 500,
			PerHour:       1000,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by SIGNALING_CONFIG, and finally the environment, which always wins.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SIGNALING_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Database.Path = getEnv("DATABASE_PATH", c.Database.Path)
	c.Exchange.PayloadKeySalt = getEnv("PAYLOAD_KEY_SALT", c.Exchange.PayloadKeySalt)

	var errs []error
	intVar := func(key string, target *int) {
		if err := getEnvInt(key, target); err != nil {
			errs = append(errs, err)
		}
	}
	durationVar := func(key string, target *time.Duration) {
		if err := getEnvDuration(key, target); err != nil {
			errs = append(errs, err)
		}
	}
	intVar("REDIS_DB", &c.Redis.DB)
	intVar("DATABASE_POOL_SIZE", &c.Database.PoolSize)
	durationVar("OFFER_VALIDITY", &c.Exchange.OfferValidity)
	durationVar("ANSWER_POLL_TIMEOUT", &c.Exchange.AnswerPollTimeout)
	durationVar("ANSWER_POLL_INTERVAL", &c.Exchange.AnswerPollInterval)
	intVar("MAX_CONCURRENT_POLLS", &c.Exchange.MaxConcurrentPolls)
	durationVar("RECORD_RETENTION", &c.Exchange.RecordRetention)
	durationVar("JANITOR_INTERVAL", &c.Exchange.JanitorInterval)
	intVar("RATE_LIMIT_PER_SECOND", &c.RateLimit.PerSecond)
	intVar("RATE_LIMIT_PER_MINUTE", &c.RateLimit.PerMinute)
	intVar("RATE_LIMIT_PER_TEN_MINUTES", &c.RateLimit.PerTenMinutes)
	intVar("RATE_LIMIT_PER_HOUR", &c.RateLimit.PerHour)
	return errors.Join(errs...)
}

// IsProduction reports whether development-only routes must stay off.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}
	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("DATABASE_PATH must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"OFFER_VALIDITY":       c.Exchange.OfferValidity,
		"ANSWER_POLL_TIMEOUT":  c.Exchange.AnswerPollTimeout,
		"ANSWER_POLL_INTERVAL": c.Exchange.AnswerPollInterval,
		"RECORD_RETENTION":     c.Exchange.RecordRetention,
		"JANITOR_INTERVAL":     c.Exchange.JanitorInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	for name, n := range map[string]int{
		"MAX_CONCURRENT_POLLS":       c.Exchange.MaxConcurrentPolls,
		"RATE_LIMIT_PER_SECOND":      c.RateLimit.PerSecond,
		"RATE_LIMIT_PER_MINUTE":      c.RateLimit.PerMinute,
		"RATE_LIMIT_PER_TEN_MINUTES": c.RateLimit.PerTenMinutes,
		"RATE_LIMIT_PER_HOUR":        c.RateLimit.PerHour,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, target *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = n
	return nil
}

func getEnvDuration(key string, target *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = d
	return nil
}
