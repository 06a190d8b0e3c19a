// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported values for DatabaseConfig.Type
const (
	DBPostgres = "postgres"
	DBMongo    = "mongo"
	DBMemory   = "memory"
)

// ServerConfig holds all server-related settings
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	Host            string        `yaml:"host" env:"HOST"`
	MetricsEnabled  bool          `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	CORSMaxAge      time.Duration `yaml:"cors_max_age" env:"CORS_MAX_AGE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds database configuration settings
type DatabaseConfig struct {
	Type          string `yaml:"type" env:"DB_TYPE"` // "postgres", "mongo" or "memory"
	URI           string `yaml:"uri" env:"DATABASE_URL"`
	Host          string `yaml:"host" env:"DB_HOST"`
	Port          int    `yaml:"port" env:"DB_PORT"`
	User          string `yaml:"user" env:"DB_USER"`
	Password      string `yaml:"password" env:"DB_PASSWORD"`
	Name          string `yaml:"name" env:"DB_NAME"`
	SSLMode       string `yaml:"ssl_mode" env:"DB_SSL_MODE"`
	MongoURI      string `yaml:"mongo_uri" env:"MONGODB_URI"`
	MongoDatabase string `yaml:"mongo_database" env:"MONGODB_DATABASE"`
	InitSchema    bool   `yaml:"init_schema" env:"DB_INIT_SCHEMA"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"JWT_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"JWT_TOKEN_TTL"`
}

// Config holds the complete application configuration
type Config struct {
	Server         *ServerConfig   `yaml:"server"`
	Database       *DatabaseConfig `yaml:"database"`
	Auth           *AuthConfig     `yaml:"auth"`
	AllowedOrigins []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string          `yaml:"log_level" env:"LOG_LEVEL"`
	Environment    string          `yaml:"environment" env:"ENVIRONMENT"`
	Debug          bool            `yaml:"debug" env:"DEBUG"`
}

// DefaultConfig provides default server settings
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "0.0.0.0",
		MetricsEnabled:  true,
		RequestTimeout:  5 * time.Second,
		CORSMaxAge:      10 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultDatabaseConfig provides default database settings
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Type:          DBPostgres,
		Port:          5432,
		SSLMode:       "require",
		Name:          "postgres",
		Host:          "localhost",
		MongoDatabase: "tradechat",
	}
}

// DefaultAuthConfig provides default token settings
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Issuer:   "tradechat-api",
		TokenTTL: 24 * time.Hour,
	}
}

// Defaults returns a complete configuration without consulting files or the environment.
func Defaults() *Config {
	return &Config{
		Server:         DefaultConfig(),
		Database:       DefaultDatabaseConfig(),
		Auth:           DefaultAuthConfig(),
		AllowedOrigins: []string{"*"},
		LogLevel:       "info",
		Environment:    "development",
	}
}

// LoadConfig loads configuration from an optional YAML file, .env files and environment
// variables, in that order of increasing precedence.
func LoadConfig(configFile string) (*Config, error) {
	// Try to load .env file from multiple possible locations
	envLocations := []string{
		".env",       // Current directory
		"../../.env", // Project root when running from cmd/server
	}
	for _, location := range envLocations {
		if err := godotenv.Load(location); err == nil {
			break
		}
	}

	cfg := Defaults()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile != "" {
		if err := loadFile(filepath.Clean(configFile), cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) finalize() error {
	db := c.Database
	db.Type = strings.ToLower(strings.TrimSpace(db.Type))

	switch db.Type {
	case DBPostgres:
		// Prioritize DATABASE_URL if provided
		if db.URI != "" {
			db.SSLMode = getSSLModeFromURI(db.URI)
			break
		}
		if db.User == "" {
			return fmt.Errorf("DB_USER environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
		}
		if db.Password == "" {
			return fmt.Errorf("DB_PASSWORD environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
		}
		db.URI = fmt.Sprintf(
			"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
			db.User,
			db.Password,
			db.Host,
			db.Port,
			db.Name,
			db.SSLMode,
		)
	case DBMongo:
		if db.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI environment variable is required when DB_TYPE is mongo")
		}
	case DBMemory:
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", db.Type)
	}

	if c.Auth.JWTSecret == "" {
		if !c.Debug && db.Type != DBMemory {
			return fmt.Errorf("JWT_SECRET environment variable is required")
		}
		c.Auth.JWTSecret = "tradechat-development-secret"
	}

	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = DefaultAuthConfig().TokenTTL
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper function to extract sslmode from a DSN, defaults to "require"
func getSSLModeFromURI(uri string) string {
	if strings.Contains(uri, "sslmode=") {
		parts := strings.Split(uri, "?")
		if len(parts) > 1 {
			queryParams := strings.Split(parts[1], "&")
			for _, param := range queryParams {
				kv := strings.SplitN(param, "=", 2)
				if len(kv) == 2 && kv[0] == "sslmode" {
					return kv[1]
				}
			}
		}
	}
	return "require"
}
