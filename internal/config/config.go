// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads checkpointd configuration from YAML, defaults and
// the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	ckerrors "github.com/tombee/checkpointd/pkg/errors"
)

// Store types.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Tracing exporters.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Config represents the complete checkpointd configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Store         StoreConfig         `yaml:"store"`
	Checkpointing CheckpointingConfig `yaml:"checkpointing"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Functions     FunctionsConfig     `yaml:"functions"`
	Admin         AdminConfig         `yaml:"admin"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: CHECKPOINTD_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: CHECKPOINTD_LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// SchedulerConfig sizes the event loop.
type SchedulerConfig struct {
	// Lanes is the number of execution lanes. Zero means one per CPU.
	// Environment: CHECKPOINTD_SCHEDULER_LANES
	Lanes int `yaml:"lanes,omitempty"`

	// BlockingWorkers bounds concurrent blocking work.
	// Default: 20
	BlockingWorkers int64 `yaml:"blocking_workers,omitempty"`
}

// StoreConfig selects and configures the distributed map backend.
type StoreConfig struct {
	// Type is one of memory, sqlite, redis or postgres.
	// Environment: CHECKPOINTD_STORE_TYPE
	// Default: memory
	Type string `yaml:"type"`

	// PodID scopes the checkpoint map to one pod. Empty shares one map
	// across the cluster.
	// Environment: CHECKPOINTD_POD_ID
	PodID string `yaml:"pod_id,omitempty"`

	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	// Path is the database file.
	// Default: <data dir>/checkpointd.db
	Path string `yaml:"path,omitempty"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr string `yaml:"addr,omitempty"`

	// Password may be a keyring: or env: reference.
	Password string `yaml:"password,omitempty"`

	DB int `yaml:"db,omitempty"`

	// KeyPrefix namespaces every key checkpointd writes.
	// Default: checkpointd:
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// URL is the connection string. It may be a keyring: or env: reference.
	// Environment: CHECKPOINTD_POSTGRES_URL
	URL string `yaml:"url,omitempty"`

	// MaxConns sets the pool size.
	// Default: 10
	MaxConns int32 `yaml:"max_conns,omitempty"`
}

// CheckpointingConfig holds the administrative checkpoint toggle.
type CheckpointingConfig struct {
	// Enabled controls whether checkpoints are written.
	// Environment: CHECKPOINTD_CHECKPOINTING_ENABLED
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled reports the effective checkpoint toggle.
func (c CheckpointingConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RecoveryConfig configures startup recovery.
type RecoveryConfig struct {
	// OnStartup resumes every stored checkpoint when the daemon starts.
	// Default: true
	OnStartup *bool `yaml:"on_startup,omitempty"`

	// RatePerSecond throttles resumption. Zero means unthrottled.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`

	// LeaderElection defers recovery until this process holds the
	// cluster-wide leader lock. Requires a redis or postgres store.
	LeaderElection bool `yaml:"leader_election"`

	// LeaderRetryInterval is how often leadership is attempted or verified.
	// Default: 5s
	LeaderRetryInterval time.Duration `yaml:"leader_retry_interval,omitempty"`
}

// RunOnStartup reports whether recovery runs at startup.
func (c RecoveryConfig) RunOnStartup() bool {
	return c.OnStartup == nil || *c.OnStartup
}

// FunctionsConfig configures the script-facing distributed map functions.
type FunctionsConfig struct {
	// AllowedMaps restricts scripts to map names matching these doublestar
	// patterns. Empty allows every non-reserved name.
	AllowedMaps []string `yaml:"allowed_maps,omitempty"`
}

// AdminConfig configures the administrative HTTP API.
type AdminConfig struct {
	// Addr is the listen address. Empty disables the admin API.
	// Environment: CHECKPOINTD_ADMIN_ADDR
	// Default: 127.0.0.1:9470
	Addr string `yaml:"addr"`

	// JWTSecret enables HS256 bearer authentication when set. It may be a
	// keyring: or env: reference.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string `yaml:"jwt_issuer,omitempty"`

	// ShutdownTimeout bounds graceful shutdown of the admin server.
	// Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter is one of none, stdout, otlp-grpc or otlp-http.
	// Environment: CHECKPOINTD_TRACING_EXPORTER
	// Default: none
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP receiver address.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for OTLP exporters.
	Insecure bool `yaml:"insecure,omitempty"`

	// ServiceName identifies this service in traces.
	// Default: checkpointd
	ServiceName string `yaml:"service_name,omitempty"`
}

// RuntimeConfig points at the script runtime that resumes continuations.
type RuntimeConfig struct {
	// ResumeURL receives recovered continuation blobs.
	// Environment: CHECKPOINTD_RESUME_URL
	ResumeURL string `yaml:"resume_url,omitempty"`

	// Timeout bounds each resume request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from configPath (optional), applies defaults and
// environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &ckerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.ResolveSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ckerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Scheduler.BlockingWorkers == 0 {
		c.Scheduler.BlockingWorkers = 20
	}

	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = filepath.Join(DataDir(), "checkpointd.db")
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "localhost:6379"
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "checkpointd:"
	}
	if c.Store.Postgres.MaxConns == 0 {
		c.Store.Postgres.MaxConns = 10
	}

	if c.Recovery.LeaderRetryInterval == 0 {
		c.Recovery.LeaderRetryInterval = 5 * time.Second
	}

	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:9470"
	}
	if c.Admin.ShutdownTimeout == 0 {
		c.Admin.ShutdownTimeout = 5 * time.Second
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = ExporterNone
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "checkpointd"
	}

	if c.Runtime.Timeout == 0 {
		c.Runtime.Timeout = 30 * time.Second
	}
}

func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("CHECKPOINTD_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("CHECKPOINTD_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val := os.Getenv("CHECKPOINTD_SCHEDULER_LANES"); val != "" {
		if lanes, err := strconv.Atoi(val); err == nil {
			c.Scheduler.Lanes = lanes
		}
	}

	if val := os.Getenv("CHECKPOINTD_STORE_TYPE"); val != "" {
		c.Store.Type = strings.ToLower(val)
	}
	if val := os.Getenv("CHECKPOINTD_POD_ID"); val != "" {
		c.Store.PodID = val
	}
	if val := os.Getenv("CHECKPOINTD_SQLITE_PATH"); val != "" {
		c.Store.SQLite.Path = val
	}
	if val := os.Getenv("CHECKPOINTD_REDIS_ADDR"); val != "" {
		c.Store.Redis.Addr = val
	}
	if val := os.Getenv("CHECKPOINTD_POSTGRES_URL"); val != "" {
		c.Store.Postgres.URL = val
	}

	if val := os.Getenv("CHECKPOINTD_CHECKPOINTING_ENABLED"); val != "" {
		enabled := val == "1" || strings.ToLower(val) == "true"
		c.Checkpointing.Enabled = &enabled
	}

	if val := os.Getenv("CHECKPOINTD_RECOVERY_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Recovery.RatePerSecond = rate
		}
	}
	if val := os.Getenv("CHECKPOINTD_LEADER_ELECTION"); val != "" {
		c.Recovery.LeaderElection = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("CHECKPOINTD_ADMIN_ADDR"); val != "" {
		c.Admin.Addr = val
	}
	if val := os.Getenv("CHECKPOINTD_JWT_SECRET"); val != "" {
		c.Admin.JWTSecret = val
	}

	if val := os.Getenv("CHECKPOINTD_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("CHECKPOINTD_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}

	if val := os.Getenv("CHECKPOINTD_RESUME_URL"); val != "" {
		c.Runtime.ResumeURL = val
	}
	if val := os.Getenv("CHECKPOINTD_RESUME_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Runtime.Timeout = duration
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Scheduler.Lanes < 0 {
		errs = append(errs, fmt.Sprintf("scheduler.lanes must not be negative, got %d", c.Scheduler.Lanes))
	}
	if c.Scheduler.BlockingWorkers < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.blocking_workers must be positive, got %d", c.Scheduler.BlockingWorkers))
	}

	switch c.Store.Type {
	case StoreMemory, StoreSQLite, StoreRedis:
	case StorePostgres:
		if c.Store.Postgres.URL == "" {
			errs = append(errs, "store.postgres.url is required when store.type is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.type must be one of [memory, sqlite, redis, postgres], got %q", c.Store.Type))
	}
	if strings.ContainsAny(c.Store.PodID, ":") {
		errs = append(errs, fmt.Sprintf("store.pod_id must not contain ':', got %q", c.Store.PodID))
	}

	if c.Recovery.RatePerSecond < 0 {
		errs = append(errs, fmt.Sprintf("recovery.rate_per_second must not be negative, got %v", c.Recovery.RatePerSecond))
	}
	if c.Recovery.LeaderElection && c.Store.Type != StoreRedis && c.Store.Type != StorePostgres {
		errs = append(errs, fmt.Sprintf("recovery.leader_election requires a redis or postgres store, got %q", c.Store.Type))
	}

	for _, pattern := range c.Functions.AllowedMaps {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Sprintf("functions.allowed_maps contains invalid pattern %q", pattern))
		}
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLPGRPC, ExporterOTLPHTTP:
		if c.Tracing.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("tracing.endpoint is required for exporter %q", c.Tracing.Exporter))
		}
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [none, stdout, otlp-grpc, otlp-http], got %q", c.Tracing.Exporter))
	}

	if c.Runtime.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("runtime.timeout must be positive, got %v", c.Runtime.Timeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}
