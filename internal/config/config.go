// Package config loads service settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	FHIRBaseURL    string        `mapstructure:"FHIR_BASE_URL"`
	FHIRTimeout    time.Duration `mapstructure:"FHIR_TIMEOUT"`
	FHIRMaxRetries int           `mapstructure:"FHIR_MAX_RETRIES"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	SyncInterval           time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncStaleness          time.Duration `mapstructure:"SYNC_STALENESS"`
	SyncPageSize           int           `mapstructure:"SYNC_PAGE_SIZE"`
	SyncLookback           time.Duration `mapstructure:"SYNC_LOOKBACK"`
	SyncFullResyncInterval time.Duration `mapstructure:"SYNC_FULL_RESYNC_INTERVAL"`
	SyncOnStart            bool          `mapstructure:"SYNC_ON_START"`

	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxBodySize     string        `mapstructure:"MAX_BODY_SIZE"`
	ActivityLogSize int           `mapstructure:"ACTIVITY_LOG_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"FHIR_BASE_URL", "FHIR_TIMEOUT", "FHIR_MAX_RETRIES",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"SYNC_INTERVAL", "SYNC_STALENESS", "SYNC_PAGE_SIZE", "SYNC_LOOKBACK",
	"SYNC_FULL_RESYNC_INTERVAL", "SYNC_ON_START",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "MAX_BODY_SIZE", "ACTIVITY_LOG_SIZE",
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_TIMEOUT", "15s")
	v.SetDefault("FHIR_MAX_RETRIES", 3)
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "fhircache.db")
	v.SetDefault("SYNC_INTERVAL", "5m")
	v.SetDefault("SYNC_STALENESS", "2m")
	v.SetDefault("SYNC_PAGE_SIZE", 100)
	v.SetDefault("SYNC_LOOKBACK", "0s")
	v.SetDefault("SYNC_FULL_RESYNC_INTERVAL", "0s")
	v.SetDefault("SYNC_ON_START", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MAX_BODY_SIZE", "1M")
	v.SetDefault("ACTIVITY_LOG_SIZE", 500)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration can run.
func (c *Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an absolute http(s) URL, got %q", c.FHIRBaseURL)
	}

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverPostgres, DriverSQLite, DriverMemory, c.StoreDriver)
	}

	if c.SyncPageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be positive, got %d", c.SyncPageSize)
	}
	if c.FHIRMaxRetries < 0 {
		return fmt.Errorf("FHIR_MAX_RETRIES must not be negative, got %d", c.FHIRMaxRetries)
	}
	for name, d := range map[string]time.Duration{
		"FHIR_TIMEOUT":              c.FHIRTimeout,
		"SYNC_INTERVAL":             c.SyncInterval,
		"SYNC_STALENESS":            c.SyncStaleness,
		"SYNC_LOOKBACK":             c.SyncLookback,
		"SYNC_FULL_RESYNC_INTERVAL": c.SyncFullResyncInterval,
		"REQUEST_TIMEOUT":           c.RequestTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	return nil
}
