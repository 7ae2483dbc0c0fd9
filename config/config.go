// Package config loads service configuration from config.json with
// environment variable overrides. Environment values take precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	FeedConfig     FeedConfig     `json:"feed"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultService   VaultService   `json:"vault_service"`
	PipelineConfig PipelineConfig `json:"pipeline"`
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	SecretsConfig  SecretsConfig  `json:"secrets"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// FeedConfig holds the market data stream configuration.
type FeedConfig struct {
	URL       string   `json:"url"`
	Symbols   []string `json:"symbols"`
	Interval  string   `json:"interval"`
	QueueSize int      `json:"queue_size"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the catalog cache connection settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultService holds the on-chain vault control service settings.
type VaultService struct {
	BaseURL        string        `json:"base_url"`
	Token          string        `json:"token"`
	RequestTimeout time.Duration `json:"request_timeout"`
	StatusTimeout  time.Duration `json:"status_timeout"`
	StatusRPS      float64       `json:"status_rps"`
}

// PipelineConfig holds the signal executor settings.
type PipelineConfig struct {
	MaxRetries   int           `json:"max_retries"`
	BaseBackoff  time.Duration `json:"base_backoff"`
	BatchSize    int           `json:"batch_size"`
	PollInterval time.Duration `json:"poll_interval"`
	MinSwapUSD   float64       `json:"min_swap_usd"`
}

// ServerConfig holds the ops API server settings.
type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ProductionMode  bool     `json:"production_mode"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ShutdownTimeout int      `json:"shutdown_timeout"` // seconds
}

// AuthConfig holds ops API auth settings. An empty JWTSecret disables auth.
type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret"`
	TokenDuration time.Duration `json:"token_duration"`
}

// SecretsConfig holds HashiCorp Vault settings for runtime credentials.
type SecretsConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LoggingConfig holds the structured logger settings.
type LoggingConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Feed config
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)
	if cfg.FeedConfig.URL == "" {
		cfg.FeedConfig.URL = "wss://stream.binance.com:9443"
	}
	if symbols := os.Getenv("FEED_SYMBOLS"); symbols != "" {
		cfg.FeedConfig.Symbols = splitList(symbols)
	}
	cfg.FeedConfig.Interval = getEnvOrDefault("FEED_INTERVAL", "1m")
	cfg.FeedConfig.QueueSize = getEnvIntOrDefault("FEED_QUEUE_SIZE", 1000)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultStr(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", defaultStr(cfg.DatabaseConfig.Name, "cl_range_bot"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", defaultStr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Vault control service config
	cfg.VaultService.BaseURL = getEnvOrDefault("VAULT_SERVICE_URL", defaultStr(cfg.VaultService.BaseURL, "http://localhost:8765"))
	cfg.VaultService.Token = getEnvOrDefault("VAULT_SERVICE_TOKEN", cfg.VaultService.Token)
	cfg.VaultService.RequestTimeout = getEnvDurationOrDefault("VAULT_SERVICE_REQUEST_TIMEOUT", 55*time.Second)
	cfg.VaultService.StatusTimeout = getEnvDurationOrDefault("VAULT_SERVICE_STATUS_TIMEOUT", 10*time.Second)
	cfg.VaultService.StatusRPS = getEnvFloatOrDefault("VAULT_SERVICE_STATUS_RPS", 5)

	// Pipeline config
	cfg.PipelineConfig.MaxRetries = getEnvIntOrDefault("PIPELINE_MAX_RETRIES", defaultInt(cfg.PipelineConfig.MaxRetries, 3))
	cfg.PipelineConfig.BaseBackoff = getEnvDurationOrDefault("PIPELINE_BASE_BACKOFF", 2*time.Second)
	cfg.PipelineConfig.BatchSize = getEnvIntOrDefault("PIPELINE_BATCH_SIZE", defaultInt(cfg.PipelineConfig.BatchSize, 10))
	cfg.PipelineConfig.PollInterval = getEnvDurationOrDefault("PIPELINE_POLL_INTERVAL", 5*time.Second)
	cfg.PipelineConfig.MinSwapUSD = getEnvFloatOrDefault("PIPELINE_MIN_SWAP_USD", 1.0)

	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", boolStr(cfg.ServerConfig.ProductionMode)) == "true"
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.ServerConfig.AllowedOrigins = splitList(origins)
	}
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth config
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", 24*time.Hour)

	// Secrets config
	cfg.SecretsConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.SecretsConfig.Enabled)) == "true"
	cfg.SecretsConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.SecretsConfig.Address, "http://localhost:8200"))
	cfg.SecretsConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.SecretsConfig.Token)
	cfg.SecretsConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.SecretsConfig.MountPath, "secret"))
	cfg.SecretsConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultStr(cfg.SecretsConfig.SecretPath, "cl-range-bot"))
	cfg.SecretsConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", boolStr(cfg.SecretsConfig.TLSEnabled)) == "true"
	cfg.SecretsConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.SecretsConfig.CACert)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultStr(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultStr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
