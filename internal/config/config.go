// Package config loads engine configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all process configuration.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Store       string        `env:"STORE" envDefault:"memory"`
	SQLitePath  string        `env:"SQLITE_PATH" envDefault:"ledger.db"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	// TokenomicsConfig is an optional JSON file overriding the launch
	// parameters.
	TokenomicsConfig string `env:"TOKENOMICS_CONFIG"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	JobTimeout         time.Duration `env:"JOB_TIMEOUT" envDefault:"2m"`
	ValidatorInterval  time.Duration `env:"VALIDATOR_INTERVAL" envDefault:"5m"`
	StakingInterval    time.Duration `env:"STAKING_INTERVAL" envDefault:"1h"`
	AuditorInterval    time.Duration `env:"AUDITOR_INTERVAL" envDefault:"30m"`
	ReconcilerInterval time.Duration `env:"RECONCILER_INTERVAL" envDefault:"15m"`
	ReporterInterval   time.Duration `env:"REPORTER_INTERVAL" envDefault:"1h"`

	SupplyEpsilon string `env:"SUPPLY_EPSILON" envDefault:"1"`
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the environment without touching .env.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks store selection and scheduling values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for STORE=sqlite"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be memory, sqlite or postgres, got %q", c.Store))
	}

	for name, d := range c.Intervals() {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s interval must be positive", name))
		}
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must be positive"))
	}
	if c.RedisURL != "" && c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive when REDIS_URL is set"))
	}
	if eps, err := decimal.NewFromString(c.SupplyEpsilon); err != nil || eps.IsNegative() {
		errs = append(errs, fmt.Errorf("SUPPLY_EPSILON must be a non-negative number, got %q", c.SupplyEpsilon))
	}
	return errors.Join(errs...)
}

// Intervals returns the schedule keyed by job name.
func (c *Config) Intervals() map[string]time.Duration {
	return map[string]time.Duration{
		"validator":  c.ValidatorInterval,
		"staking":    c.StakingInterval,
		"auditor":    c.AuditorInterval,
		"reconciler": c.ReconcilerInterval,
		"reporter":   c.ReporterInterval,
	}
}

// Epsilon returns SUPPLY_EPSILON as a decimal. Validate guarantees it parses.
func (c *Config) Epsilon() decimal.Decimal {
	eps, _ := decimal.NewFromString(c.SupplyEpsilon)
	return eps
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
