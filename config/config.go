// Package config loads daemon configuration from a YAML file with
// environment-variable overrides layered on top. Every field carries a
// default, so an empty file yields a runnable in-memory configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m", or from integer nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch value := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", value, err)
		}

		*d = Duration(parsed)
	case int:
		*d = Duration(value)
	default:
		return fmt.Errorf("cannot decode %v into a duration", raw)
	}

	return nil
}

// Config is the daemon configuration tree.
type Config struct {
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Lease     LeaseConfig     `yaml:"lease"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// PostgresConfig configures the durable store. An empty primary DSN keeps
// the daemon on in-memory stores.
type PostgresConfig struct {
	PrimaryDSN         string `yaml:"primary_dsn"`
	ReplicaDSN         string `yaml:"replica_dsn"`
	MigrationsPath     string `yaml:"migrations_path"`
	MaxOpenConnections int    `yaml:"max_open_connections" validate:"gte=0"`
	MaxIdleConnections int    `yaml:"max_idle_connections" validate:"gte=0"`
}

// Enabled reports whether a durable store was configured.
func (c PostgresConfig) Enabled() bool {
	return c.PrimaryDSN != ""
}

// RedisConfig configures the distributed lease and rate-limit backends.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// Enabled reports whether redis-backed coordination was configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// RabbitMQConfig configures event publication.
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Enabled reports whether broker publication was configured.
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// Neo4jConfig configures the graph-backed dependency store.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Enabled reports whether the graph store was configured.
func (c Neo4jConfig) Enabled() bool {
	return c.URI != ""
}

// RateLimitConfig configures the token bucket applied per actor+operation.
type RateLimitConfig struct {
	MaxTokens  float64 `yaml:"max_tokens" validate:"gt=0"`
	RefillRate float64 `yaml:"refill_rate" validate:"gt=0"`
}

// LeaseConfig configures operation leases and the expiry sweeper.
type LeaseConfig struct {
	TTL           Duration `yaml:"ttl" validate:"gt=0"`
	SweepInterval Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// ReconcileConfig configures the periodic reconciliation sweep. The sweep
// only runs when an authority URL is configured.
type ReconcileConfig struct {
	Interval     Duration `yaml:"interval" validate:"gt=0"`
	AuthorityURL string   `yaml:"authority_url" validate:"omitempty,url"`
}

// Enabled reports whether an authority endpoint was configured.
func (c ReconcileConfig) Enabled() bool {
	return c.AuthorityURL != ""
}

// WebhookConfig configures the delivery dispatcher.
type WebhookConfig struct {
	DispatchInterval Duration `yaml:"dispatch_interval" validate:"gt=0"`
	BatchSize        int           `yaml:"batch_size" validate:"gt=0"`
	MaxRetries       int           `yaml:"max_retries" validate:"gt=0"`
	RetryDelay       Duration `yaml:"retry_delay" validate:"gt=0"`
}

// Default returns the configuration used when no file and no overrides are
// present.
func Default() Config {
	return Config{
		LogLevel: "info",
		Postgres: PostgresConfig{
			MigrationsPath: "postgres/migrations",
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "vaultledger.events",
		},
		RateLimit: RateLimitConfig{
			MaxTokens:  10,
			RefillRate: 1,
		},
		Lease: LeaseConfig{
			TTL:           Duration(5 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Reconcile: ReconcileConfig{
			Interval: Duration(time.Minute),
		},
		Webhook: WebhookConfig{
			DispatchInterval: Duration(5 * time.Second),
			BatchSize:        50,
			MaxRetries:       5,
			RetryDelay:       Duration(30 * time.Second),
		},
	}
}

// Load reads the YAML file at path, layers environment overrides on top, and
// validates the result. An empty path skips the file and uses defaults plus
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides layers VAULTLEDGER_* variables over the file values.
// Only variables that are set and parse cleanly take effect.
func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.LogLevel, "VAULTLEDGER_LOG_LEVEL")

	overrideString(&cfg.Postgres.PrimaryDSN, "VAULTLEDGER_POSTGRES_PRIMARY_DSN")
	overrideString(&cfg.Postgres.ReplicaDSN, "VAULTLEDGER_POSTGRES_REPLICA_DSN")
	overrideString(&cfg.Postgres.MigrationsPath, "VAULTLEDGER_POSTGRES_MIGRATIONS_PATH")
	overrideInt(&cfg.Postgres.MaxOpenConnections, "VAULTLEDGER_POSTGRES_MAX_OPEN_CONNECTIONS")
	overrideInt(&cfg.Postgres.MaxIdleConnections, "VAULTLEDGER_POSTGRES_MAX_IDLE_CONNECTIONS")

	overrideString(&cfg.Redis.Addr, "VAULTLEDGER_REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "VAULTLEDGER_REDIS_PASSWORD")
	overrideInt(&cfg.Redis.DB, "VAULTLEDGER_REDIS_DB")

	overrideString(&cfg.RabbitMQ.URL, "VAULTLEDGER_RABBITMQ_URL")
	overrideString(&cfg.RabbitMQ.Exchange, "VAULTLEDGER_RABBITMQ_EXCHANGE")

	overrideString(&cfg.Neo4j.URI, "VAULTLEDGER_NEO4J_URI")
	overrideString(&cfg.Neo4j.Username, "VAULTLEDGER_NEO4J_USERNAME")
	overrideString(&cfg.Neo4j.Password, "VAULTLEDGER_NEO4J_PASSWORD")

	overrideFloat(&cfg.RateLimit.MaxTokens, "VAULTLEDGER_RATE_LIMIT_MAX_TOKENS")
	overrideFloat(&cfg.RateLimit.RefillRate, "VAULTLEDGER_RATE_LIMIT_REFILL_RATE")

	overrideDuration(&cfg.Lease.TTL, "VAULTLEDGER_LEASE_TTL")
	overrideDuration(&cfg.Lease.SweepInterval, "VAULTLEDGER_LEASE_SWEEP_INTERVAL")

	overrideDuration(&cfg.Reconcile.Interval, "VAULTLEDGER_RECONCILE_INTERVAL")
	overrideString(&cfg.Reconcile.AuthorityURL, "VAULTLEDGER_RECONCILE_AUTHORITY_URL")

	overrideDuration(&cfg.Webhook.DispatchInterval, "VAULTLEDGER_WEBHOOK_DISPATCH_INTERVAL")
	overrideInt(&cfg.Webhook.BatchSize, "VAULTLEDGER_WEBHOOK_BATCH_SIZE")
	overrideInt(&cfg.Webhook.MaxRetries, "VAULTLEDGER_WEBHOOK_MAX_RETRIES")
	overrideDuration(&cfg.Webhook.RetryDelay, "VAULTLEDGER_WEBHOOK_RETRY_DELAY")
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, key string) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return
	}

	*target = parsed
}

func overrideFloat(target *float64, key string) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return
	}

	*target = parsed
}

func overrideDuration(target *Duration, key string) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return
	}

	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return
	}

	*target = Duration(parsed)
}
