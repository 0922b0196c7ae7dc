package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Store              string             `json:"store" validate:"oneof=postgres memory"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
}

type LoggingConfig struct {
	Level       string `json:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// DatabaseConfig holds PostgreSQL connection settings. User and Password
// may be replaced by Vault at startup.
type DatabaseConfig struct {
	Host     string `json:"host" validate:"required_if=Enabled true"`
	Port     int    `json:"port" validate:"min=1,max=65535"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database" validate:"required"`
	SSLMode  string `json:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int32  `json:"max_conns" validate:"min=0"`
	MinConns int32  `json:"min_conns" validate:"min=0,ltefield=MaxConns"`
	Enabled  bool   `json:"-"`
}

// RedisConfig holds Redis configuration for leases, notifications and the
// shared batch status
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"min=0"`
	PoolSize int    `json:"pool_size" validate:"min=1"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address" validate:"required_if=Enabled true"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 secrets engine mount path
	SecretPath string `json:"secret_path"` // Path of the database credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// SchedulerConfig holds settlement batch settings
type SchedulerConfig struct {
	Enabled           bool          `json:"enabled"`
	Interval          time.Duration `json:"interval" validate:"min=1s"`
	Timezone          string        `json:"timezone" validate:"required"`
	RunOnStart        bool          `json:"run_on_start"`
	MaxConcurrent     int           `json:"max_concurrent" validate:"min=1,max=256"`
	SettlementTimeout time.Duration `json:"settlement_timeout" validate:"min=1ms"`
	LeaseTTL          time.Duration `json:"lease_ttl" validate:"min=1ms"`
	BatchLeaseTTL     time.Duration `json:"batch_lease_ttl" validate:"min=1ms"`
	MaxRetries        int           `json:"max_retries" validate:"min=0,max=10"`
	CommissionCatchUp bool          `json:"commission_catch_up"`
	StallThreshold    time.Duration `json:"stall_threshold" validate:"min=0s"`
	AdminUserID       string        `json:"admin_user_id"`
}

type NotificationConfig struct {
	Enabled       bool    `json:"enabled"`
	QueueSize     int     `json:"queue_size" validate:"min=1"`
	Workers       int     `json:"workers" validate:"min=1,max=64"`
	RatePerSecond float64 `json:"rate_per_second" validate:"min=0"`
	Burst         int     `json:"burst" validate:"min=0"`
	Persist       bool    `json:"persist"`       // store notifications in the ledger store
	RedisChannel  string  `json:"redis_channel"` // empty disables redis publishing
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port" validate:"min=1,max=65535"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`  // CORS allowed origins, comma separated
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// Default returns the configuration used when no file or env overrides exist
func Default() *Config {
	return &Config{
		Store: "postgres",
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "settlement",
			Database: "settlement",
			SSLMode:  "disable",
			MaxConns: 25,
			MinConns: 5,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "settlement/database",
		},
		SchedulerConfig: SchedulerConfig{
			Enabled:           true,
			Interval:          12 * time.Hour,
			Timezone:          "UTC",
			MaxConcurrent:     8,
			SettlementTimeout: 30 * time.Second,
			LeaseTTL:          2 * time.Minute,
			BatchLeaseTTL:     2 * time.Hour,
			MaxRetries:        2,
			CommissionCatchUp: true,
			StallThreshold:    26 * time.Hour,
			AdminUserID:       "admin",
		},
		NotificationConfig: NotificationConfig{
			Enabled:       true,
			QueueSize:     1024,
			Workers:       2,
			RatePerSecond: 50,
			Burst:         10,
			Persist:       true,
			RedisChannel:  "settlement:notifications",
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8090,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
	}
}

// Load reads config.json (or $CONFIG_FILE) over the defaults, then .env,
// then environment overrides, and validates the result.
func Load() (*Config, error) {
	// .env never overrides variables already set in the environment
	_ = godotenv.Load()

	filename := getEnvOrDefault("CONFIG_FILE", "config.json")
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Store = getEnvOrDefault("SETTLEMENT_STORE", cfg.Store)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)
	cfg.DatabaseConfig.MaxConns = int32(getEnvIntOrDefault("DB_MAX_CONNS", int(cfg.DatabaseConfig.MaxConns)))
	cfg.DatabaseConfig.MinConns = int32(getEnvIntOrDefault("DB_MIN_CONNS", int(cfg.DatabaseConfig.MinConns)))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Scheduler config
	s := &cfg.SchedulerConfig
	s.Enabled = getEnvBoolOrDefault("SCHEDULER_ENABLED", s.Enabled)
	s.Interval = getEnvDurationOrDefault("SCHEDULER_INTERVAL", s.Interval)
	s.Timezone = getEnvOrDefault("SCHEDULER_TIMEZONE", s.Timezone)
	s.RunOnStart = getEnvBoolOrDefault("SCHEDULER_RUN_ON_START", s.RunOnStart)
	s.MaxConcurrent = getEnvIntOrDefault("SCHEDULER_MAX_CONCURRENT", s.MaxConcurrent)
	s.SettlementTimeout = getEnvDurationOrDefault("SCHEDULER_SETTLEMENT_TIMEOUT", s.SettlementTimeout)
	s.LeaseTTL = getEnvDurationOrDefault("SCHEDULER_LEASE_TTL", s.LeaseTTL)
	s.BatchLeaseTTL = getEnvDurationOrDefault("SCHEDULER_BATCH_LEASE_TTL", s.BatchLeaseTTL)
	s.MaxRetries = getEnvIntOrDefault("SCHEDULER_MAX_RETRIES", s.MaxRetries)
	s.CommissionCatchUp = getEnvBoolOrDefault("SCHEDULER_COMMISSION_CATCH_UP", s.CommissionCatchUp)
	s.StallThreshold = getEnvDurationOrDefault("SCHEDULER_STALL_THRESHOLD", s.StallThreshold)
	s.AdminUserID = getEnvOrDefault("SCHEDULER_ADMIN_USER_ID", s.AdminUserID)

	// Notification config
	n := &cfg.NotificationConfig
	n.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", n.Enabled)
	n.QueueSize = getEnvIntOrDefault("NOTIFICATIONS_QUEUE_SIZE", n.QueueSize)
	n.Workers = getEnvIntOrDefault("NOTIFICATIONS_WORKERS", n.Workers)
	n.RatePerSecond = getEnvFloatOrDefault("NOTIFICATIONS_RATE_PER_SECOND", n.RatePerSecond)
	n.Burst = getEnvIntOrDefault("NOTIFICATIONS_BURST", n.Burst)
	n.Persist = getEnvBoolOrDefault("NOTIFICATIONS_PERSIST", n.Persist)
	n.RedisChannel = getEnvOrDefault("NOTIFICATIONS_REDIS_CHANNEL", n.RedisChannel)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)
}

// Validate checks field constraints and that the scheduler timezone exists
func (c *Config) Validate() error {
	c.DatabaseConfig.Enabled = c.Store == "postgres"

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if iv := c.SchedulerConfig.Interval; iv > 24*time.Hour && iv%(24*time.Hour) != 0 {
		return fmt.Errorf("invalid config: scheduler interval %s must be at most 24h or a whole number of days", iv)
	}
	if _, err := time.LoadLocation(c.SchedulerConfig.Timezone); err != nil {
		return fmt.Errorf("invalid config: scheduler timezone %q: %w", c.SchedulerConfig.Timezone, err)
	}
	return nil
}

// Location returns the scheduler timezone, UTC when it cannot be loaded
func (s SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// loadFromFile unmarshals filename over the defaults
func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the default configuration to filename
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
