// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package config provides layered configuration management.
//
// Precedence: environment variables > YAML config file > built-in
// defaults. Legacy flat environment variable names (NATS_URL,
// DATABASE_URL, TOKEN_ENCRYPTION_KEY, HRV_DURABLE, ...) map onto the
// nested structure so existing deployments keep working.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order for a YAML config file.
var DefaultConfigPaths = []string{
	"./config.yaml",
	"./config/config.yaml",
	"/etc/athlete-ally/config.yaml",
}

// Config is the root configuration for the ingest service.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	NATS      NATSConfig      `koanf:"nats"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Tokens    TokensConfig    `koanf:"tokens"`
	Contracts ContractsConfig `koanf:"contracts"`
	Consumers ConsumersConfig `koanf:"consumers"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitRPM    int           `koanf:"rate_limit_rpm"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// NATSConfig holds broker connection and topology settings.
type NATSConfig struct {
	URL            string        `koanf:"url"`
	Embedded       bool          `koanf:"embedded"`
	EmbeddedPort   int           `koanf:"embedded_port"`
	StoreDir       string        `koanf:"store_dir"`
	StreamMode     string        `koanf:"stream_mode"` // "single" or "multi"
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	DuplicateWin   time.Duration `koanf:"duplicate_window"`
	SchemaGate     bool          `koanf:"schema_gate"`
}

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int           `koanf:"max_conns"`
	MinConns        int           `koanf:"min_conns"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
}

// IngestConfig holds vendor webhook secrets.
type IngestConfig struct {
	OuraWebhookSecret  string `koanf:"oura_webhook_secret"`
	WhoopWebhookSecret string `koanf:"whoop_webhook_secret"`
}

// TokensConfig holds token store settings. Backend is "postgres" or
// "memory"; memory is for dev only.
type TokensConfig struct {
	Backend       string `koanf:"backend"`
	EncryptionKey string `koanf:"encryption_key"`
}

// ContractsConfig holds the compiled schema cache settings.
type ContractsConfig struct {
	CacheSize int           `koanf:"cache_size"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// ConsumersConfig holds per-domain durable consumer settings.
type ConsumersConfig struct {
	HRV   ConsumerConfig `koanf:"hrv"`
	Sleep ConsumerConfig `koanf:"sleep"`
}

// ConsumerConfig configures one durable pull consumer. DLQPrefix is the
// subject prefix failed messages are routed under; the failure reason is
// appended as the final token.
type ConsumerConfig struct {
	Durable    string        `koanf:"durable"`
	MaxDeliver int           `koanf:"max_deliver"`
	AckWait    time.Duration `koanf:"ack_wait"`
	BatchSize  int           `koanf:"batch_size"`
	DLQPrefix  string        `koanf:"dlq_subject"`
}

// defaultConfig returns the built-in defaults, suitable for local
// development against an embedded NATS server.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            4101,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitRPM:    600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Embedded:       false,
			EmbeddedPort:   4222,
			StreamMode:     "single",
			ConnectTimeout: 10 * time.Second,
			DuplicateWin:   2 * time.Minute,
			SchemaGate:     true,
		},
		Postgres: PostgresConfig{
			MaxConns:        10,
			MinConns:        2,
			ConnectTimeout:  10 * time.Second,
			MigrateOnStart:  true,
			MaxConnLifetime: time.Hour,
		},
		Tokens: TokensConfig{
			Backend: "postgres",
		},
		Contracts: ContractsConfig{
			CacheSize: 256,
			CacheTTL:  10 * time.Minute,
		},
		Consumers: ConsumersConfig{
			HRV: ConsumerConfig{
				Durable:    "normalize-hrv-durable",
				MaxDeliver: 5,
				AckWait:    30 * time.Second,
				BatchSize:  10,
				DLQPrefix:  "dlq.hrv",
			},
			Sleep: ConsumerConfig{
				Durable:    "normalize-sleep-durable",
				MaxDeliver: 5,
				AckWait:    30 * time.Second,
				BatchSize:  10,
				DLQPrefix:  "dlq.sleep",
			},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	if err := processMillisFields(k); err != nil {
		return nil, fmt.Errorf("failed to process millisecond fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, checking
// CONFIG_PATH before the default search paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated strings when they
// arrive via environment variables.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// millisFieldPaths arrive from legacy env vars as bare millisecond
// integers (HRV_ACK_WAIT_MS=30000) but unmarshal into time.Duration.
var millisFieldPaths = []string{
	"consumers.hrv.ack_wait",
	"consumers.sleep.ack_wait",
}

func processMillisFields(k *koanf.Koanf) error {
	for _, path := range millisFieldPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		// Values with a unit suffix ("30s") parse as durations already.
		if _, err := time.ParseDuration(strVal); err == nil {
			continue
		}
		ms, err := strconv.Atoi(strVal)
		if err != nil {
			return fmt.Errorf("invalid millisecond value %q for %s", strVal, path)
		}
		if err := k.Set(path, time.Duration(ms)*time.Millisecond); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envTransformFunc maps flat legacy environment variable names onto the
// nested configuration structure.
//
// Examples:
//   - NATS_URL -> nats.url
//   - DATABASE_URL -> postgres.url
//   - TOKEN_ENCRYPTION_KEY -> tokens.encryption_key
//   - HRV_DURABLE -> consumers.hrv.durable
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server
		"http_host":      "server.host",
		"http_port":      "server.port",
		"port":           "server.port",
		"cors_origins":   "server.cors_origins",
		"rate_limit_rpm": "server.rate_limit_rpm",
		"log_level":      "logging.level",
		"log_format":     "logging.format",

		// Broker
		"nats_url":              "nats.url",
		"nats_embedded":         "nats.embedded",
		"nats_embedded_port":    "nats.embedded_port",
		"nats_store_dir":        "nats.store_dir",
		"event_stream_mode":     "nats.stream_mode",
		"nats_schema_gate":      "nats.schema_gate",
		"nats_duplicate_window": "nats.duplicate_window",

		// Database
		"database_url":       "postgres.url",
		"postgres_max_conns": "postgres.max_conns",
		"postgres_min_conns": "postgres.min_conns",
		"migrate_on_start":   "postgres.migrate_on_start",

		// Secrets
		"token_encryption_key": "tokens.encryption_key",
		"token_store_backend":  "tokens.backend",
		"oura_webhook_secret":  "ingest.oura_webhook_secret",
		"whoop_webhook_secret": "ingest.whoop_webhook_secret",

		// Contract cache
		"schema_cache_size": "contracts.cache_size",
		"schema_cache_ttl":  "contracts.cache_ttl",

		// Durable consumers
		"hrv_durable":       "consumers.hrv.durable",
		"hrv_max_deliver":   "consumers.hrv.max_deliver",
		"hrv_ack_wait_ms":   "consumers.hrv.ack_wait",
		"hrv_batch_size":    "consumers.hrv.batch_size",
		"hrv_dlq_subject":   "consumers.hrv.dlq_subject",
		"sleep_durable":     "consumers.sleep.durable",
		"sleep_max_deliver": "consumers.sleep.max_deliver",
		"sleep_ack_wait_ms": "consumers.sleep.ack_wait",
		"sleep_batch_size":  "consumers.sleep.batch_size",
		"sleep_dlq_subject": "consumers.sleep.dlq_subject",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unknown variables are ignored rather than guessed into paths.
	return ""
}

// Validate checks cross-field constraints that the type system cannot.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.NATS.StreamMode != "single" && c.NATS.StreamMode != "multi" {
		return fmt.Errorf("nats.stream_mode must be \"single\" or \"multi\", got %q", c.NATS.StreamMode)
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats.url is required when the embedded server is disabled")
	}
	if c.Postgres.URL == "" {
		return errors.New("postgres.url (DATABASE_URL) is required")
	}
	if c.Tokens.Backend != "postgres" && c.Tokens.Backend != "memory" {
		return fmt.Errorf("tokens.backend must be \"postgres\" or \"memory\", got %q", c.Tokens.Backend)
	}
	if c.Tokens.EncryptionKey == "" {
		return errors.New("tokens.encryption_key (TOKEN_ENCRYPTION_KEY) is required")
	}

	for _, cc := range []struct {
		name string
		c    ConsumerConfig
	}{
		{"consumers.hrv", c.Consumers.HRV},
		{"consumers.sleep", c.Consumers.Sleep},
	} {
		if cc.c.Durable == "" {
			return fmt.Errorf("%s.durable is required", cc.name)
		}
		if cc.c.MaxDeliver < 1 {
			return fmt.Errorf("%s.max_deliver must be >= 1, got %d", cc.name, cc.c.MaxDeliver)
		}
		if cc.c.AckWait <= 0 {
			return fmt.Errorf("%s.ack_wait must be positive, got %s", cc.name, cc.c.AckWait)
		}
		if cc.c.BatchSize < 1 {
			return fmt.Errorf("%s.batch_size must be >= 1, got %d", cc.name, cc.c.BatchSize)
		}
	}

	return nil
}

// ByDomain returns the consumer config for a domain.
func (c *ConsumersConfig) ByDomain(domain string) (ConsumerConfig, bool) {
	switch domain {
	case "hrv":
		return c.HRV, true
	case "sleep":
		return c.Sleep, true
	default:
		return ConsumerConfig{}, false
	}
}
