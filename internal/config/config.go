package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the chunk server
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Commands CommandsConfig
	TLS      TLSConfig
	Source   SourceConfig
	Logging  LoggingConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host            string
	Port            string        `validate:"required,numeric"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	Environment     string        `validate:"oneof=development production test"`
	AllowedOrigins  []string
	TrustedProxies  []string `validate:"dive,ip|cidr"`
	APIRateLimit    int           `validate:"gte=1"`
	WSRateLimit     int           `validate:"gte=1"`
	RateLimitWindow time.Duration `validate:"gt=0"`
}

// AuthConfig holds the service token settings for the admin endpoints
type AuthConfig struct {
	ServiceTokenSecret string
	Issuer             string `validate:"required"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver          string `validate:"oneof=postgres sqlite"`
	Path            string `validate:"required_if=Driver sqlite"`
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	TablePrefix     string
	SchemaVersion   int           `validate:"oneof=1 2"`
	QueryTimeout    time.Duration `validate:"gt=0"`
	MaxConnections  int           `validate:"gte=1"`
	MaxIdleConns    int           `validate:"gte=0"`
	ConnMaxLifetime time.Duration
}

// CacheConfig controls the admission policy of the chunk cache
type CacheConfig struct {
	Limited           bool
	MaxChunksPerWorld int
}

// CommandsConfig controls command dispatch
type CommandsConfig struct {
	File         string
	PunishPolicy string `validate:"omitempty,oneof=drop warn disconnect ban"`
	MaxWorkers   int    `validate:"gte=1"`
}

// TLSConfig holds the certificate pair used when TLS is enabled
type TLSConfig struct {
	Enabled  bool
	CertFile string `validate:"required_if=Enabled true"`
	KeyFile  string `validate:"required_if=Enabled true"`
}

// SourceConfig points at the game-world server that generates chunks.
// An empty BaseURL disables it.
type SourceConfig struct {
	BaseURL    string        `validate:"omitempty,url"`
	Timeout    time.Duration `validate:"gt=0"`
	RetryCount int           `validate:"gte=0"`
}

// LoggingConfig holds logging and diagnostics configuration
type LoggingConfig struct {
	Profiling       bool
	ReportInterval  time.Duration
	LockDiagnostics bool
	LockTimeout     time.Duration
}

const minSecretLength = 32

var (
	validate          = validator.New()
	tablePrefixFormat = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Load reads configuration from environment variables and .env file
// It returns a Config struct with all settings populated
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found (this is OK if using environment variables): %v", err)
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			Environment:     getEnv("ENVIRONMENT", "development"),
			AllowedOrigins:  getListEnv("ALLOWED_ORIGINS", nil),
			TrustedProxies:  getListEnv("TRUSTED_PROXIES", nil),
			APIRateLimit:    getIntEnv("API_RATE_LIMIT", 100),
			WSRateLimit:     getIntEnv("WS_RATE_LIMIT", 20),
			RateLimitWindow: getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		},
		Auth: AuthConfig{
			ServiceTokenSecret: getEnv("SERVICE_TOKEN_SECRET", ""),
			Issuer:             getEnv("SERVICE_TOKEN_ISSUER", "glm-server"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			Path:            getEnv("DB_PATH", "glm.db"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getIntEnv("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "glmap"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			TablePrefix:     getEnv("DB_TABLE_PREFIX", ""),
			SchemaVersion:   getIntEnv("DB_SCHEMA_VERSION", 2),
			QueryTimeout:    getDurationEnv("DB_QUERY_TIMEOUT", 5*time.Second),
			MaxConnections:  getIntEnv("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Cache: CacheConfig{
			Limited:           getBoolEnv("CACHE_LIMITED", false),
			MaxChunksPerWorld: getIntEnv("CACHE_MAX_CHUNKS_PER_WORLD", 4096),
		},
		Commands: CommandsConfig{
			File:         getEnv("COMMANDS_FILE", ""),
			PunishPolicy: strings.ToLower(getEnv("PUNISH_POLICY", "warn")),
			MaxWorkers:   getIntEnv("COMMAND_MAX_WORKERS", 64),
		},
		TLS: TLSConfig{
			Enabled:  getBoolEnv("TLS_ENABLED", false),
			CertFile: getEnv("TLS_CERT_FILE", ""),
			KeyFile:  getEnv("TLS_KEY_FILE", ""),
		},
		Source: SourceConfig{
			BaseURL:    getEnv("SOURCE_BASE_URL", ""),
			Timeout:    getDurationEnv("SOURCE_TIMEOUT", 10*time.Second),
			RetryCount: getIntEnv("SOURCE_RETRY_COUNT", 3),
		},
		Logging: LoggingConfig{
			Profiling:       getBoolEnv("PROFILING_ENABLED", true),
			ReportInterval:  getDurationEnv("PROFILING_REPORT_INTERVAL", 0),
			LockDiagnostics: getBoolEnv("LOCK_DIAGNOSTICS", false),
			LockTimeout:     getDurationEnv("LOCK_DIAGNOSTICS_TIMEOUT", 30*time.Second),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%s is invalid (%s %s): %v", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
		}
		return err
	}
	if c.Auth.ServiceTokenSecret == "" {
		return fmt.Errorf("SERVICE_TOKEN_SECRET is required")
	}
	if len(c.Auth.ServiceTokenSecret) < minSecretLength {
		return fmt.Errorf("SERVICE_TOKEN_SECRET must be at least %d characters", minSecretLength)
	}
	if c.Database.Driver == "postgres" && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required for the postgres driver")
	}
	if c.Database.TablePrefix != "" && !tablePrefixFormat.MatchString(c.Database.TablePrefix) {
		return fmt.Errorf("DB_TABLE_PREFIX %q must contain only letters, digits and underscores", c.Database.TablePrefix)
	}
	if c.Cache.Limited && c.Cache.MaxChunksPerWorld < 1 {
		return fmt.Errorf("CACHE_MAX_CHUNKS_PER_WORLD must be at least 1 when CACHE_LIMITED is set")
	}
	return nil
}

// DatabaseURL returns a PostgreSQL connection string
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// IsDevelopment returns true if running in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Address is the listen address.
func (c *ServerConfig) Address() string {
	return c.Host + ":" + c.Port
}

// commandsFile is the YAML layout of COMMANDS_FILE:
//
//	commands:
//	  get_chunks: 500ms
//	  stats: 2s
type commandsFile struct {
	Commands map[string]time.Duration `yaml:"commands"`
}

// LoadCommandIntervals reads per-command minimum interval overrides. An empty
// path yields no overrides.
func LoadCommandIntervals(path string) (map[string]time.Duration, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read commands file: %w", err)
	}

	var file commandsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse commands file %s: %w", path, err)
	}
	for name, interval := range file.Commands {
		if interval < 0 {
			return nil, fmt.Errorf("command %q has a negative interval %v", name, interval)
		}
	}
	return file.Commands, nil
}

// Helper functions for environment variable access

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid integer value for %s: %s, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return intValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: invalid boolean value for %s: %s, using default: %t", key, value, defaultValue)
		return defaultValue
	}
	return boolValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid duration value for %s: %s, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return duration
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
