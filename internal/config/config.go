package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// DBSearchPath is prepended to public on every pooled connection, so
	// leaf SQL can name reporting views unqualified.
	DBSearchPath string `mapstructure:"DB_SEARCH_PATH"`

	CohortLibrary       string        `mapstructure:"COHORT_LIBRARY"`
	MaxConcurrentLeaves int           `mapstructure:"MAX_CONCURRENT_LEAVES"`
	LeafQueryTimeout    time.Duration `mapstructure:"LEAF_QUERY_TIMEOUT"`
	RunTimeout          time.Duration `mapstructure:"RUN_TIMEOUT"`
	RunlogEnabled       bool          `mapstructure:"RUNLOG_ENABLED"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
	TracingEnabled bool `mapstructure:"TRACING_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SEARCH_PATH",
	"COHORT_LIBRARY", "MAX_CONCURRENT_LEAVES", "LEAF_QUERY_TIMEOUT", "RUN_TIMEOUT",
	"RUNLOG_ENABLED", "BODY_LIMIT", "METRICS_ENABLED", "TRACING_ENABLED",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. Environment variables win.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("COHORT_LIBRARY", "cohorts")
	v.SetDefault("MAX_CONCURRENT_LEAVES", 8)
	v.SetDefault("LEAF_QUERY_TIMEOUT", "2m")
	v.SetDefault("RUN_TIMEOUT", "10m")
	v.SetDefault("RUNLOG_ENABLED", true)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("TRACING_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasDatabase reports whether a database is configured. Without one, SQL
// cohorts cannot be evaluated and run history is kept in memory.
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Level returns the parsed LOG_LEVEL.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is consistent. In production a
// database is required.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("ENV must be development, staging, production or test, got %q", c.Env)
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.IsProduction() && !c.HasDatabase() {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	if c.CohortLibrary == "" {
		return fmt.Errorf("COHORT_LIBRARY is required")
	}
	if c.MaxConcurrentLeaves < 1 {
		return fmt.Errorf("MAX_CONCURRENT_LEAVES must be at least 1, got %d", c.MaxConcurrentLeaves)
	}
	if c.LeafQueryTimeout < 0 || c.RunTimeout < 0 {
		return fmt.Errorf("LEAF_QUERY_TIMEOUT and RUN_TIMEOUT must not be negative")
	}
	if c.LeafQueryTimeout > 0 && c.RunTimeout > 0 && c.LeafQueryTimeout > c.RunTimeout {
		return fmt.Errorf("LEAF_QUERY_TIMEOUT (%s) exceeds RUN_TIMEOUT (%s)", c.LeafQueryTimeout, c.RunTimeout)
	}
	return nil
}
