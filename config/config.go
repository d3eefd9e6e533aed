package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Config represents the server configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Holiday  HolidayConfig  `json:"holiday"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"` // HS256 secret for portal tokens
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// TelegramConfig enables the optional parent notification channel
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
}

// Enabled reports whether Telegram notifications are configured
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != 0
}

// HolidayConfig selects the school/public holiday source region
type HolidayConfig struct {
	BaseURL     string `json:"base_url"`
	Country     string `json:"country"`     // ISO code, e.g. "DE"
	Subdivision string `json:"subdivision"` // e.g. "DE-BW"
	Language    string `json:"language"`    // e.g. "DE"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port", ErrInvalidConfig)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}

	if c.Security.JWTSecret == "" {
		return fmt.Errorf("%w: JWT secret is required", ErrInvalidConfig)
	}

	if c.Holiday.BaseURL == "" {
		c.Holiday.BaseURL = "https://openholidaysapi.org" // default
	}
	if c.Holiday.Country == "" {
		c.Holiday.Country = "DE"
	}
	if c.Holiday.Subdivision == "" {
		c.Holiday.Subdivision = "DE-BW"
	}
	if c.Holiday.Language == "" {
		c.Holiday.Language = "DE"
	}

	return nil
}

// Load loads configuration from a JSON file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromEnv loads configuration from environment variables
// This is useful for containerized deployments
func LoadFromEnv() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host: getEnv("HEIMDALL_HOST", "0.0.0.0"),
			Port: getEnvInt("HEIMDALL_PORT", 8080),
		},
		Database: DatabaseConfig{
			Path: getEnv("HEIMDALL_DB_PATH", "./heimdall.db"),
		},
		Security: SecurityConfig{
			JWTSecret: getEnv("HEIMDALL_JWT_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("HEIMDALL_LOG_LEVEL", "info"),
			Format: getEnv("HEIMDALL_LOG_FORMAT", "json"),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("HEIMDALL_TELEGRAM_TOKEN", ""),
			ChatID:   getEnvInt64("HEIMDALL_TELEGRAM_CHAT_ID", 0),
		},
		Holiday: HolidayConfig{
			BaseURL:     getEnv("HEIMDALL_HOLIDAY_BASE_URL", "https://openholidaysapi.org"),
			Country:     getEnv("HEIMDALL_HOLIDAY_COUNTRY", "DE"),
			Subdivision: getEnv("HEIMDALL_HOLIDAY_SUBDIVISION", "DE-BW"),
			Language:    getEnv("HEIMDALL_HOLIDAY_LANGUAGE", "DE"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		fmt.Sscanf(value, "%d", &intVal)
		return intVal
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		var intVal int64
		fmt.Sscanf(value, "%d", &intVal)
		return intVal
	}
	return defaultValue
}
