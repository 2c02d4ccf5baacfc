package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/upb/llm-router/internal/observability"
	"github.com/upb/llm-router/utils"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Provenance    DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Routing       RoutingConfig
	Backends      []BackendConfig `validate:"dive"`
	Pipeline      PipelineConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string `validate:"required"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int `validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds the provenance database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	// Driver is postgres, mysql or none
	Driver           string `validate:"oneof=postgres mysql none"`
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int `validate:"gte=0"`
	MaxIdleConns     int `validate:"gte=0"`
	ConnMaxLifetime  time.Duration

	// InitSchema creates the provenance tables at startup
	InitSchema bool
}

// RedisConfig holds the optional provenance stream configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
	Stream   string
	MaxLen   int64 `validate:"gte=0"`
}

// AuthConfig holds bearer token settings for the API
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
	Audience  string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string `validate:"required,oneof=debug info warn error"`
	LogFormat      string `validate:"oneof=json console"`
	LogFile        string
	LogMaxSizeMB   int `validate:"gte=0"`
	LogMaxBackups  int `validate:"gte=0"`
	LogMaxAgeDays  int `validate:"gte=0"`
	LogCompress    bool
	MetricsEnabled bool
	RuntimeMetrics bool
}

// AuditConfig sizes the provenance worker pool
type AuditConfig struct {
	BufferSize   int `validate:"gte=1"`
	WorkerCount  int `validate:"gte=1"`
	WriteTimeout time.Duration
	StopTimeout  time.Duration
}

// New creates a new Config instance by loading environment variables and,
// when ROUTER_CONFIG_FILE is set, the YAML routing file
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Provenance: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Stream:   getEnv("REDIS_PROVENANCE_STREAM", "llm-router:provenance"),
			MaxLen:   int64(getEnvAsInt("REDIS_PROVENANCE_MAXLEN", 100000)),
		},
		Auth: AuthConfig{
			Enabled:   getEnvAsBool("AUTH_ENABLED", false),
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
			Audience:  getEnv("JWT_AUDIENCE", ""),
		},
		Routing:  loadRoutingConfig(),
		Pipeline: loadPipelineConfig(),
		Audit: AuditConfig{
			BufferSize:   getEnvAsInt("AUDIT_BUFFER_SIZE", 10000),
			WorkerCount:  getEnvAsInt("AUDIT_WORKER_COUNT", 5),
			WriteTimeout: getEnvAsDuration("AUDIT_WRITE_TIMEOUT", 5*time.Second),
			StopTimeout:  getEnvAsDuration("AUDIT_STOP_TIMEOUT", 10*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			LogFile:        getEnv("LOG_FILE", ""),
			LogMaxSizeMB:   getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			LogMaxBackups:  getEnvAsInt("LOG_MAX_BACKUPS", 5),
			LogMaxAgeDays:  getEnvAsInt("LOG_MAX_AGE_DAYS", 30),
			LogCompress:    getEnvAsBool("LOG_COMPRESS", true),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			RuntimeMetrics: getEnvAsBool("METRICS_RUNTIME", true),
		},
	}
	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", false)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", "certs/cert.pem")
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", "certs/key.pem")

	if path := getEnv("ROUTER_CONFIG_FILE", ""); path != "" {
		file, err := LoadRoutingFile(path, RoutingFile{Routing: cfg.Routing, Pipeline: cfg.Pipeline})
		if err != nil {
			return nil, err
		}
		cfg.Routing = file.Routing
		cfg.Pipeline = file.Pipeline
		cfg.Backends = file.Backends
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = loadEnvBackends()
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks struct tags, then the cross-field rules tags cannot express
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		if fields := utils.GetValidationFields(err); len(fields) > 0 {
			return fmt.Errorf("%w: %s", err, joinFields(fields))
		}
		return err
	}

	// Provenance database
	if c.Provenance.Enabled() && c.Provenance.ConnectionString == "" {
		if c.Provenance.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Provenance.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Provenance.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	// Auth
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes when auth is enabled")
	}
	if c.IsProduction() && !c.Auth.Enabled {
		return fmt.Errorf("auth must be enabled in production")
	}

	// Backends
	if c.IsProduction() && len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured in production")
	}
	names := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if names[b.Name] {
			return fmt.Errorf("duplicate backend %q", b.Name)
		}
		names[b.Name] = true
		if _, _, err := b.Prices(); err != nil {
			return fmt.Errorf("backend %q: %w", b.Name, err)
		}
	}
	for _, name := range c.Routing.FallbackChain {
		if !names[name] {
			return fmt.Errorf("fallback chain references unknown backend %q", name)
		}
	}
	for pattern, name := range c.Routing.ModelRoutes {
		if !names[name] {
			return fmt.Errorf("model route %q references unknown backend %q", pattern, name)
		}
	}

	// Retry amplification
	if err := c.Pipeline.Retry.check(c.chainLength(), c.Routing.MaxTotalAttempts); err != nil {
		return err
	}

	return nil
}

func (c *Config) chainLength() int {
	if n := len(c.Routing.FallbackChain); n > 0 {
		return n
	}
	return len(c.Backends)
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Enabled reports whether a provenance database is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.Driver != "" && c.Driver != "none"
}

// PostgresDSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) PostgresDSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil && u.Host != "" {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = strconv.Itoa(c.defaultPort())
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("driver=%s host=%s port=%s database=%s", c.Driver, host, port, db)
		}
		return fmt.Sprintf("driver=%s host=<from DATABASE_URL>", c.Driver)
	}
	return fmt.Sprintf("driver=%s host=%s port=%d database=%s", c.Driver, c.Host, c.Port, c.Database)
}

func (c *DatabaseConfig) defaultPort() int {
	if c.Driver == "mysql" {
		return 3306
	}
	return 5432
}

// Enabled reports whether the provenance stream is configured
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// LogConfig maps the logging settings onto the logger builder's options
func (c *ObservabilityConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		File:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
		Compress:   c.LogCompress,
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	driver := getEnv("DB_DRIVER", "none")
	defaultPort := 5432
	if driver == "mysql" {
		defaultPort = 3306
	}

	cfg := DatabaseConfig{
		Driver:          driver,
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", defaultPort)
	cfg.User = getEnv("DB_USER", "router")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "llm_router")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// loadEnvBackends builds a single OpenAI backend from OPENAI_* variables
func loadEnvBackends() []BackendConfig {
	key := getEnv("OPENAI_API_KEY", "")
	if key == "" {
		return nil
	}
	return []BackendConfig{{
		Name:         getEnv("OPENAI_BACKEND_NAME", "openai"),
		Type:         BackendTypeOpenAI,
		BaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		APIKey:       key,
		OrgID:        getEnv("OPENAI_ORG_ID", ""),
		DefaultModel: getEnv("OPENAI_DEFAULT_MODEL", "gpt-4o-mini"),
		Timeout:      getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
	}}
}

func joinFields(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for _, msg := range fields {
		parts = append(parts, msg)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
