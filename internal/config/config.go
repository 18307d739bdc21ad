// Package config provides configuration management for the IGEO bridge.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// EnvPrefix is the prefix of every environment variable the bridge reads.
const EnvPrefix = "LABSYNC"

// Config holds all configuration for the IGEO bridge.
//
// Broker credentials are not part of it: they live in the lab database
// (site_settings) so operators can rotate them, and the supervisor watches
// them for drift.
type Config struct {
	// Server contains the ops HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Broker contains AMQP topology and connection tuning.
	Broker BrokerConfig `mapstructure:"broker"`
	// Publisher contains outbound report publisher settings.
	Publisher PublisherConfig `mapstructure:"publisher"`
	// Inbound contains settings shared by both consumers.
	Inbound InboundConfig `mapstructure:"inbound"`
	// Supervisor contains restart and drift monitoring settings.
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds ops server configuration.
type ServerConfig struct {
	// Enabled starts the health/readiness/metrics server.
	Enabled bool `mapstructure:"enabled"`
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (loaded from LABSYNC_DATABASE_PASSWORD only).
	Password string `mapstructure:"-"`
	// Name is the database name.
	Name string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in each worker's pool (default: 4).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 1).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files. Empty uses the embedded migrations.
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// LockTimeout bounds row lock waits, such as on technical key counters (default: 10s).
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// BrokerConfig holds AMQP topology and connection tuning.
type BrokerConfig struct {
	// Exchange receives outbound reports.
	Exchange string `mapstructure:"exchange"`
	// ExchangeKind is used when DeclareTopology is set (default: direct).
	ExchangeKind string `mapstructure:"exchange_kind"`
	// InboundQueue carries sample commands.
	InboundQueue string `mapstructure:"inbound_queue"`
	// DeliveryQueue carries delivery results for published reports.
	DeliveryQueue string `mapstructure:"delivery_queue"`
	// DefaultRoutingKey is used for clients without a configured queue.
	DefaultRoutingKey string `mapstructure:"default_routing_key"`
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int `mapstructure:"prefetch"`
	// DeclareTopology declares the exchange and queues instead of checking them passively.
	DeclareTopology bool `mapstructure:"declare_topology"`
	// Heartbeat is the AMQP heartbeat interval.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	// DialTimeout bounds the TCP dial and AMQP handshake.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ConnectionName is reported to the broker for each worker connection.
	ConnectionName string `mapstructure:"connection_name"`
}

// PublisherConfig holds outbound report publisher settings.
type PublisherConfig struct {
	// MaxAttempts is the number of publish attempts per report (default: 3).
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBackoff is the fixed delay between attempts (default: 2s).
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// MinInterval is the cycle interval when poll_seconds is unset or non-positive.
	MinInterval time.Duration `mapstructure:"min_interval"`
	// PublishTimeout bounds one publish including the broker confirmation.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	// RatePerSecond paces consecutive publishes within a cycle. Zero disables pacing.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// InboundConfig holds settings shared by the command and delivery-result consumers.
type InboundConfig struct {
	// RedeliveryDelay is waited before requeueing a message that failed processing.
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
}

// SupervisorConfig holds restart and drift monitoring settings.
type SupervisorConfig struct {
	// RestartDelay is waited before starting a fresh worker set.
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	// DriftCheckInterval is how often broker settings are re-read.
	DriftCheckInterval time.Duration `mapstructure:"drift_check_interval"`
	// FatalExitDelay is waited before exiting on a fatal configuration error.
	FatalExitDelay time.Duration `mapstructure:"fatal_exit_delay"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// Load loads configuration from a .env file, environment variables and config files.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/igeo-bridge")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.Database.Password = os.Getenv(EnvPrefix + "_DATABASE_PASSWORD")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "veolab")
	v.SetDefault("database.name", "veolab")
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "20s")
	v.SetDefault("database.migration_path", "")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.lock_timeout", "10s")
	v.SetDefault("database.statement_cache_capacity", 128)

	// Broker defaults
	v.SetDefault("broker.exchange", "analiticasRealizadas_exchange")
	v.SetDefault("broker.exchange_kind", "direct")
	v.SetDefault("broker.inbound_queue", "analiticasRecibidas")
	v.SetDefault("broker.delivery_queue", "resultadoAnaliticasRealizadas")
	v.SetDefault("broker.default_routing_key", "analiticasRealizadas")
	v.SetDefault("broker.prefetch", 1)
	v.SetDefault("broker.declare_topology", false)
	v.SetDefault("broker.heartbeat", "10s")
	v.SetDefault("broker.dial_timeout", "30s")
	v.SetDefault("broker.connection_name", "igeo-bridge")

	// Publisher defaults
	v.SetDefault("publisher.max_attempts", 3)
	v.SetDefault("publisher.retry_backoff", "2s")
	v.SetDefault("publisher.min_interval", "60s")
	v.SetDefault("publisher.publish_timeout", "30s")
	v.SetDefault("publisher.rate_per_second", 0)

	// Inbound defaults
	v.SetDefault("inbound.redelivery_delay", "5s")

	// Supervisor defaults
	v.SetDefault("supervisor.restart_delay", "10s")
	v.SetDefault("supervisor.drift_check_interval", "30s")
	v.SetDefault("supervisor.fatal_exit_delay", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "igeo_bridge")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.LockTimeout < 0 {
		return fmt.Errorf("database lock_timeout must not be negative")
	}
	if c.Database.HealthCheckPeriod <= 0 {
		return fmt.Errorf("database health_check_period must be positive")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	// Validate broker topology
	if c.Broker.Exchange == "" {
		return fmt.Errorf("broker exchange is required")
	}
	if c.Broker.InboundQueue == "" || c.Broker.DeliveryQueue == "" {
		return fmt.Errorf("broker inbound_queue and delivery_queue are required")
	}
	if c.Broker.DefaultRoutingKey == "" {
		return fmt.Errorf("broker default_routing_key is required")
	}
	if c.Broker.Prefetch <= 0 {
		return fmt.Errorf("broker prefetch must be positive: %d", c.Broker.Prefetch)
	}

	// Validate publisher
	if c.Publisher.MaxAttempts <= 0 {
		return fmt.Errorf("publisher max_attempts must be positive")
	}
	if c.Publisher.RetryBackoff < 0 {
		return fmt.Errorf("publisher retry_backoff must not be negative")
	}
	if c.Publisher.MinInterval <= 0 {
		return fmt.Errorf("publisher min_interval must be positive")
	}
	if c.Publisher.RatePerSecond < 0 {
		return fmt.Errorf("publisher rate_per_second must not be negative")
	}

	if c.Inbound.RedeliveryDelay < 0 {
		return fmt.Errorf("inbound redelivery_delay must not be negative")
	}

	// Validate supervisor
	if c.Supervisor.DriftCheckInterval <= 0 {
		return fmt.Errorf("supervisor drift_check_interval must be positive")
	}
	if c.Supervisor.RestartDelay < 0 || c.Supervisor.FatalExitDelay < 0 {
		return fmt.Errorf("supervisor delays must not be negative")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
