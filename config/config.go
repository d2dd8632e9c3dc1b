// Package config provides configuration management for the livedata service.
//
// This package handles loading configuration from multiple sources with proper precedence:
//   - YAML configuration files
//   - Environment variables (configurable prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via SetDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.livedata/config.yaml, /etc/livedata/config.yaml)
//  3. .env files
//  4. Environment variables (configurable prefix, default: LIVEDATA_)
//
// # Usage Example
//
//	cfg, err := config.LoadConfig("LIVEDATA", "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use the prefix and underscores for nested keys:
//   - LIVEDATA_SERVER_PORT=8095
//   - LIVEDATA_STORE_URL=http://localhost:5984
//   - LIVEDATA_REDIS_URL=redis://localhost:6379
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	// Backend is the storage backend to use: "couch" or "bolt"
	Backend string `mapstructure:"backend"`

	// URL is the CouchDB server URL (e.g., http://localhost:5984)
	URL string `mapstructure:"url"`

	// Username for CouchDB authentication
	Username string `mapstructure:"username"`

	// Password for CouchDB authentication
	Password string `mapstructure:"password"`

	// Prefix namespaces the per-type CouchDB databases
	Prefix string `mapstructure:"prefix"`

	// Path is the bbolt database file for the bolt backend
	Path string `mapstructure:"path"`
}

// RedisConfig configures the pub/sub backplane.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db). Empty
	// disables the broker and, with it, cross-node change notifications.
	URL string `mapstructure:"url"`
}

// CacheConfig tunes the resource cache.
type CacheConfig struct {
	// TTL is how long a fetched resource stays cached
	TTL time.Duration `mapstructure:"ttl"`

	// Disabled turns the cache off entirely
	Disabled bool `mapstructure:"disabled"`
}

// DataConfig tunes the CRUD core.
type DataConfig struct {
	// SchemaFile is the YAML model declaration loaded at startup
	SchemaFile string `mapstructure:"schema_file"`

	// PageSize is the default collection read page size
	PageSize int `mapstructure:"page_size"`

	// BlockPre denies pre-phase requests on models without a pre hook
	BlockPre bool `mapstructure:"block_pre"`

	// BlockPost denies post-phase requests on models without a post hook
	BlockPost bool `mapstructure:"block_post"`

	// BlockInbound denies inbound requests on models without an access
	// control rule
	BlockInbound bool `mapstructure:"block_inbound"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`

	// Output is the log output destination (stdout, stderr)
	Output string `mapstructure:"output"`
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client
	RateLimit int `mapstructure:"rate_limit"`

	// AllowedOrigins are the WebSocket handshake origins accepted
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// JWTSecret is the secret key for verifying JWT tokens. Empty allows
	// anonymous connections.
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTExpiration is the JWT token expiration duration (default: 24h)
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
}

// ServiceConfig contains service-specific metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Version is the service version
	Version string `mapstructure:"version"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// Config is the full service configuration.
type Config struct {
	// Service contains service metadata
	Service ServiceConfig `mapstructure:"service"`

	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server"`

	// Store contains storage backend settings
	Store StoreConfig `mapstructure:"store"`

	// Redis contains pub/sub backplane settings
	Redis RedisConfig `mapstructure:"redis"`

	// Cache contains resource cache settings
	Cache CacheConfig `mapstructure:"cache"`

	// Data contains CRUD core settings
	Data DataConfig `mapstructure:"data"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`

	// Security contains security settings
	Security SecurityConfig `mapstructure:"security"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
// The prefix is used for environment variables (e.g., "LIVEDATA" -> "LIVEDATA_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the standard livedata service defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)

	l.v.SetDefault("store.backend", "bolt")
	l.v.SetDefault("store.url", "http://localhost:5984")
	l.v.SetDefault("store.prefix", "livedata")
	l.v.SetDefault("store.path", "livedata.db")

	l.v.SetDefault("redis.url", "")

	l.v.SetDefault("cache.ttl", "10s")
	l.v.SetDefault("cache.disabled", false)

	l.v.SetDefault("data.schema_file", "schema.yaml")
	l.v.SetDefault("data.page_size", 10)
	l.v.SetDefault("data.block_pre", false)
	l.v.SetDefault("data.block_post", false)
	l.v.SetDefault("data.block_inbound", false)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
	l.v.SetDefault("logging.output", "stdout")

	l.v.SetDefault("security.rate_limit", 100)
	l.v.SetDefault("security.allowed_origins", []string{"*"})
	l.v.SetDefault("security.jwt_expiration", "24h")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	// Set config file
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.livedata")
		l.v.AddConfigPath("/etc/livedata")
	}

	// Read config file
	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// For auto-discovery, only fail on non-NotFound errors
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // Ignore if .env doesn't exist

	// Setup environment variable binding
	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Unmarshal into target
	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig is a convenience function that loads configuration with standard defaults.
// The envPrefix is used for environment variables (e.g., "LIVEDATA" -> "LIVEDATA_SERVER_PORT").
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	switch cfg.Store.Backend {
	case "couch":
		if cfg.Store.URL == "" {
			return fmt.Errorf("store url is required for the couch backend")
		}
	case "bolt":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}

	return nil
}

// BuildStoreURL constructs the full CouchDB URL with authentication.
func (c *StoreConfig) BuildStoreURL() string {
	if c.Username != "" && c.Password != "" {
		url := strings.Replace(c.URL, "://", "://"+c.Username+":"+c.Password+"@", 1)
		return url
	}
	return c.URL
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
