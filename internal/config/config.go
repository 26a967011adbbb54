package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/medscan-diagnosis-server/internal/database"
	"github.com/medscan-diagnosis-server/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. MEDSCAN_SERVER_PORT
const EnvPrefix = "MEDSCAN"

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager creates a new configuration manager. An explicit configFile takes
// precedence over the search paths; an empty one searches for config.yaml.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{configFile: configFile}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/medscan-diagnosis-server/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// A missing config file falls back to defaults and environment variables
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || m.configFile != "" {
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
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.upload_dir", "temp_uploads")
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)

	// Model defaults
	v.SetDefault("models.dir", "./AI-Models")
	v.SetDefault("models.checkpoints", map[string]string{})

	// Inference engine defaults
	v.SetDefault("inference.base_url", "http://localhost:8500")
	v.SetDefault("inference.timeout", "60s")
	v.SetDefault("inference.rate_limit", 0)
	v.SetDefault("inference.burst", 10)
	v.SetDefault("inference.breaker.max_requests", 1)
	v.SetDefault("inference.breaker.interval", "60s")
	v.SetDefault("inference.breaker.timeout", "30s")
	v.SetDefault("inference.breaker.min_requests", 5)
	v.SetDefault("inference.breaker.failure_ratio", 0.6)

	v.SetDefault("validation.reference_schema", "./balanced_test_data.csv")
	v.SetDefault("validation.max_pixels", 89_478_485)

	// Cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.memory_size", 256)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Audit defaults
	v.SetDefault("audit.driver", "sqlite")
	v.SetDefault("audit.sqlite_path", "./data/audit.db")
	v.SetDefault("audit.migrate_on_start", true)
	v.SetDefault("audit.database.host", "localhost")
	v.SetDefault("audit.database.port", 5432)
	v.SetDefault("audit.database.database", "medscan")
	v.SetDefault("audit.database.username", "postgres")
	v.SetDefault("audit.database.password", "")
	v.SetDefault("audit.database.ssl_mode", "disable")
	v.SetDefault("audit.database.max_conns", 10)
	v.SetDefault("audit.database.min_conns", 1)
	v.SetDefault("audit.database.conn_max_lifetime", "30m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("mcp.server_name", "medscan-diagnosis-server")
	v.SetDefault("mcp.server_version", "v0.1.0")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetDatabaseConfig returns the audit database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Audit.Database
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}

	if config.Validation.MaxPixels <= 0 {
		return fmt.Errorf("validation max pixels must be positive: %d", config.Validation.MaxPixels)
	}

	if config.Models.Dir == "" {
		return fmt.Errorf("models directory is required")
	}
	if config.Inference.BaseURL == "" {
		return fmt.Errorf("inference base URL is required")
	}

	if config.Cache.Enabled && config.Cache.MemorySize <= 0 {
		return fmt.Errorf("cache memory size must be positive: %d", config.Cache.MemorySize)
	}

	switch strings.ToLower(config.Audit.Driver) {
	case "none":
	case "sqlite":
		if config.Audit.SQLitePath == "" {
			return fmt.Errorf("audit sqlite path is required")
		}
	case "postgres":
		if config.Audit.Database.Host == "" {
			return fmt.Errorf("audit database host is required")
		}
		if config.Audit.Database.Database == "" {
			return fmt.Errorf("audit database name is required")
		}
	default:
		return fmt.Errorf("invalid audit driver: %s", config.Audit.Driver)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	return database.DSN(m.config.Audit.Database)
}

// GetDatabaseURL returns the audit database as a postgres:// URL
func (m *Manager) GetDatabaseURL() string {
	return database.URL(m.config.Audit.Database)
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

var _ domain.ConfigManager = (*Manager)(nil)
