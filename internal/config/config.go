// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Port           string
	RequestTimeout time.Duration

	Storage  StorageConfig
	Ledger   LedgerConfig
	Auth     AuthConfig
	Events   EventsConfig
	Interest InterestConfig
}

type StorageConfig struct {
	Backend      string
	DatabaseURL  string
	Timeout      time.Duration
	UseRoleIndex bool

	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerFailureThreshold uint32
}

type LedgerConfig struct {
	DefaultInterestRate decimal.Decimal
	PaginationSecret    string
}

type AuthConfig struct {
	Issuer       string
	Audience     string
	JWKSURL      string
	JWKSCacheTTL time.Duration
	RedisAddr    string
}

type EventsConfig struct {
	KafkaBrokers   []string
	KafkaTopic     string
	PublishTimeout time.Duration
}

type InterestConfig struct {
	Concurrency int
}

// Load reads .env (if present) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (Config, error) {
	var p parser

	cfg := Config{
		Port:           getEnv("PORT", "8080"),
		RequestTimeout: p.duration("REQUEST_TIMEOUT", 10*time.Second),
		Storage: StorageConfig{
			Backend:                 strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory)),
			DatabaseURL:             os.Getenv("DATABASE_URL"),
			Timeout:                 p.duration("STORE_TIMEOUT", 5*time.Second),
			UseRoleIndex:            p.boolean("USE_ROLE_INDEX", true),
			BreakerMaxRequests:      uint32(p.integer("BREAKER_MAX_REQUESTS", 5)),
			BreakerInterval:         p.duration("BREAKER_INTERVAL", 60*time.Second),
			BreakerTimeout:          p.duration("BREAKER_TIMEOUT", 30*time.Second),
			BreakerFailureThreshold: uint32(p.integer("BREAKER_FAILURE_THRESHOLD", 5)),
		},
		Ledger: LedgerConfig{
			DefaultInterestRate: p.decimal("DEFAULT_INTEREST_RATE", decimal.RequireFromString("0.05")),
			PaginationSecret:    os.Getenv("PAGINATION_SECRET"),
		},
		Auth: AuthConfig{
			Issuer:       os.Getenv("AUTH_ISSUER"),
			Audience:     os.Getenv("AUTH_AUDIENCE"),
			JWKSURL:      os.Getenv("AUTH_JWKS_URL"),
			JWKSCacheTTL: p.duration("JWKS_CACHE_TTL", time.Hour),
			RedisAddr:    os.Getenv("REDIS_ADDR"),
		},
		Events: EventsConfig{
			KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
			KafkaTopic:     getEnv("KAFKA_TOPIC", "balance_adjusted"),
			PublishTimeout: p.duration("KAFKA_PUBLISH_TIMEOUT", 5*time.Second),
		},
		Interest: InterestConfig{
			Concurrency: p.integer("INTEREST_CONCURRENCY", 4),
		},
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if c.Ledger.DefaultInterestRate.IsNegative() || c.Ledger.DefaultInterestRate.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("config: DEFAULT_INTEREST_RATE must be within [0, 1]")
	}
	if c.Interest.Concurrency < 1 {
		return errors.New("config: INTEREST_CONCURRENCY must be at least 1")
	}
	if c.RequestTimeout <= 0 || c.Storage.Timeout <= 0 || c.Events.PublishTimeout <= 0 {
		return errors.New("config: timeouts must be positive")
	}
	return nil
}

// AuthEnabled reports whether token verification is configured.
func (c AuthConfig) AuthEnabled() bool {
	return c.JWKSURL != "" && c.Issuer != "" && c.Audience != ""
}

type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.fail(key, fmt.Errorf("invalid non-negative integer %q", v))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
