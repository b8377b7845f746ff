package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Line       LineConfig       `mapstructure:"line"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// WorkersConfig holds the queue processing knobs shared by all job families
type WorkersConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	EmbeddingBatchSize int           `mapstructure:"embedding_batch_size"`
	LineBatchSize      int           `mapstructure:"line_batch_size"`
	ImportBatchSize    int           `mapstructure:"import_batch_size"`
	TakeoverBatchSize  int           `mapstructure:"takeover_batch_size"`
}

// SecretsConfig holds the shared secrets for service-to-service trigger endpoints
type SecretsConfig struct {
	EmbeddingWorker string `mapstructure:"embedding_worker"`
	LineWorker      string `mapstructure:"line_worker"`
	TakeoverWorker  string `mapstructure:"takeover_worker"`
}

// EmbeddingsConfig holds the embedding provider configuration
type EmbeddingsConfig struct {
	APIURL            string  `mapstructure:"api_url"`
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	MaxRetries        int     `mapstructure:"max_retries"`
}

// LineConfig holds the LINE messaging API configuration
type LineConfig struct {
	PushURL           string  `mapstructure:"push_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// ChatConfig holds the main application's internal chat-response endpoint
type ChatConfig struct {
	APIURL       string `mapstructure:"api_url"`
	ServiceToken string `mapstructure:"service_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

var globalConfig *Config

// Load loads the configuration from file, .env, and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := loadEnvFile(); err != nil {
		// .env is optional, log but don't fail
		log.Warn().Err(err).Msg("Warning: .env file not loaded")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("JOBS_SERVICE")

	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// loadEnvFile loads a .env file from the usual locations
func loadEnvFile() error {
	envPaths := []string{
		".",
		"../..", // From cmd/<name> to repo root
		"./config",
	}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

// loadDotEnvFile reads a .env file and sets environment variables
func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			value = strings.Trim(value, "\"'")
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// bindEnvVars binds environment variables to config keys
func bindEnvVars(v *viper.Viper) {
	// Database
	v.BindEnv("database.url", "DATABASE_URL")

	// Server
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")

	// Worker trigger secrets
	v.BindEnv("secrets.embedding_worker", "EMBEDDING_WORKER_SECRET")
	v.BindEnv("secrets.line_worker", "LINE_WORKER_SECRET")
	v.BindEnv("secrets.takeover_worker", "TAKEOVER_WORKER_SECRET")

	// Embedding provider
	v.BindEnv("embeddings.api_url", "EMBEDDINGS_API_URL")
	v.BindEnv("embeddings.api_key", "EMBEDDINGS_API_KEY")
	v.BindEnv("embeddings.model", "EMBEDDINGS_MODEL")

	// LINE messaging
	v.BindEnv("line.push_url", "LINE_PUSH_URL")

	// Chat response delegation
	v.BindEnv("chat.api_url", "CHAT_API_URL")
	v.BindEnv("chat.service_token", "CHAT_SERVICE_TOKEN")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 3100)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	// Database defaults
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	// Worker defaults
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.stale_after", 5*time.Minute)
	v.SetDefault("workers.retry_backoff", 0*time.Second)
	v.SetDefault("workers.embedding_batch_size", 10)
	v.SetDefault("workers.line_batch_size", 10)
	v.SetDefault("workers.import_batch_size", 5)
	v.SetDefault("workers.takeover_batch_size", 25)

	// Embedding provider defaults
	v.SetDefault("embeddings.api_url", "https://api.openai.com/v1/embeddings")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.requests_per_second", 5)
	v.SetDefault("embeddings.max_retries", 3)

	// LINE defaults
	v.SetDefault("line.push_url", "https://api.line.me/v2/bot/message/push")
	v.SetDefault("line.requests_per_second", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)
}

// Get returns the global configuration
func Get() *Config {
	return globalConfig
}

// GetDatabaseURL returns the database URL from config or environment
func GetDatabaseURL() string {
	if cfg := Get(); cfg != nil && cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	return os.Getenv("DATABASE_URL")
}
