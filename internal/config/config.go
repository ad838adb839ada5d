package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pooltrace-server/internal/domain"
)

var _ domain.ConfigManager = (*Manager)(nil)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v      *viper.Viper
	config *domain.Config
	file   string
}

// Option customizes how a Manager loads configuration
type Option func(*Manager)

// WithConfigFile loads an explicit config file instead of searching the
// default paths.
func WithConfigFile(path string) Option {
	return func(m *Manager) {
		m.file = path
	}
}

// NewManager creates a new configuration manager
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// A missing .env file is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	if m.file != "" {
		v.SetConfigFile(m.file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pooltrace/")
	}

	v.SetEnvPrefix("POOLTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "pool_traceability.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "pooltrace")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	// Cache defaults
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.max_entries", 256)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Export defaults
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.s3_region", "us-east-1")
	v.SetDefault("export.s3_prefix", "exports/")

	// Intake defaults
	v.SetDefault("ingest.patient_sentinel", "PT_UNKNOWN")
	v.SetDefault("ingest.site_sentinel", "SITE_UNKNOWN")
	v.SetDefault("ingest.default_strategy", "optimistic")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return domain.NewValidationError("server.port", "must be between 1 and 65535", config.Server.Port)
	}
	if config.Server.RateLimit <= 0 || config.Server.RateBurst <= 0 {
		return domain.NewValidationError("server.rate_limit", "rate limit and burst must be positive", config.Server.RateLimit)
	}

	switch config.Database.Driver {
	case "sqlite":
		if config.Database.Path == "" {
			return domain.NewValidationError("database.path", "is required for the sqlite driver", config.Database.Path)
		}
	case "postgres":
		if config.Database.Host == "" {
			return domain.NewValidationError("database.host", "is required for the postgres driver", config.Database.Host)
		}
		if config.Database.Database == "" {
			return domain.NewValidationError("database.database", "is required for the postgres driver", config.Database.Database)
		}
		if config.Database.Username == "" {
			return domain.NewValidationError("database.username", "is required for the postgres driver", config.Database.Username)
		}
	default:
		return domain.NewValidationError("database.driver", "must be sqlite or postgres", config.Database.Driver)
	}

	switch config.Cache.Driver {
	case "memory", "none":
	case "redis":
		if config.Cache.RedisURL == "" {
			return domain.NewValidationError("cache.redis_url", "is required for the redis driver", config.Cache.RedisURL)
		}
	default:
		return domain.NewValidationError("cache.driver", "must be memory, redis or none", config.Cache.Driver)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return domain.NewValidationError("logging.level", "unknown log level", config.Logging.Level)
	}

	if config.Export.S3Endpoint != "" && config.Export.S3Bucket == "" {
		return domain.NewValidationError("export.s3_bucket", "is required when an S3 endpoint is configured", config.Export.S3Bucket)
	}

	return nil
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}
