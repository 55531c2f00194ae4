// Package config loads server settings from defaults, an optional YAML file,
// a .env file and LEASEWISE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LEASEWISE"

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds everything the server and CLI commands need.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	DBDriver    string `mapstructure:"db_driver"`
	DBPath      string `mapstructure:"db_path"`
	DatabaseURL string `mapstructure:"database_url"`

	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	// Empty StripeSecretKey runs against the in-memory processor.
	StripeSecretKey     string `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string `mapstructure:"stripe_webhook_secret"`

	RedisURL        string        `mapstructure:"redis_url"`
	ProductCacheTTL time.Duration `mapstructure:"product_cache_ttl"`

	KafkaBrokers     []string `mapstructure:"kafka_brokers"`
	KafkaTopicPrefix string   `mapstructure:"kafka_topic_prefix"`

	// PolicyFile is a YAML late fee policy set. Empty uses the default tiers.
	PolicyFile string `mapstructure:"policy_file"`

	MaxChargeRetries int           `mapstructure:"max_charge_retries"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`

	// EventClaimTimeout is how long an unfinished webhook event blocks its
	// redeliveries.
	EventClaimTimeout time.Duration `mapstructure:"event_claim_timeout"`

	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"listen_addr":           ":8080",
	"db_driver":             DriverSQLite,
	"db_path":               "./data/leasewise.db",
	"database_url":          "",
	"jwt_secret":            "",
	"token_ttl":             24 * time.Hour,
	"stripe_secret_key":     "",
	"stripe_webhook_secret": "",
	"redis_url":             "",
	"product_cache_ttl":     time.Hour,
	"kafka_brokers":         []string{},
	"kafka_topic_prefix":    "leasewise",
	"policy_file":           "",
	"max_charge_retries":    3,
	"retry_max_attempts":    4,
	"retry_base_delay":      200 * time.Millisecond,
	"retry_max_delay":       5 * time.Second,
	"event_claim_timeout":   10 * time.Minute,
	"sweep_interval":        5 * time.Minute,
	"log_level":             "info",
	"log_format":            "text",
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown db_driver %q", c.DBDriver))
	}
	if c.MaxChargeRetries < 0 {
		errs = append(errs, errors.New("max_charge_retries must not be negative"))
	}
	if c.EventClaimTimeout <= 0 {
		errs = append(errs, errors.New("event_claim_timeout must be positive"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("retry_max_attempts must be at least 1"))
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("stripe_webhook_secret is required with stripe_secret_key"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
