package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				Server: ServerConfig{
					Host: "0.0.0.0",
					Port: 8080,
				},
				Database: DatabaseConfig{
					Path: "/path/to/db",
				},
				Security: SecurityConfig{
					JWTSecret: "test-secret",
				},
			},
			wantErr: false,
		},
		{
			name: "invalid port - zero",
			config: Config{
				Server:   ServerConfig{Port: 0},
				Database: DatabaseConfig{Path: "/path/to/db"},
				Security: SecurityConfig{JWTSecret: "test-secret"},
			},
			wantErr: true,
		},
		{
			name: "invalid port - too large",
			config: Config{
				Server:   ServerConfig{Port: 70000},
				Database: DatabaseConfig{Path: "/path/to/db"},
				Security: SecurityConfig{JWTSecret: "test-secret"},
			},
			wantErr: true,
		},
		{
			name: "missing database path",
			config: Config{
				Server:   ServerConfig{Port: 8080},
				Security: SecurityConfig{JWTSecret: "test-secret"},
			},
			wantErr: true,
		},
		{
			name: "missing JWT secret",
			config: Config{
				Server:   ServerConfig{Port: 8080},
				Database: DatabaseConfig{Path: "/path/to/db"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateDefaults(t *testing.T) {
	config := Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Path: "/path/to/db"},
		Security: SecurityConfig{JWTSecret: "test-secret"},
	}
	require.NoError(t, config.Validate())

	assert.Equal(t, "https://openholidaysapi.org", config.Holiday.BaseURL)
	assert.Equal(t, "DE", config.Holiday.Country)
	assert.Equal(t, "DE-BW", config.Holiday.Subdivision)
	assert.Equal(t, "DE", config.Holiday.Language)
}

func TestTelegramConfig_Enabled(t *testing.T) {
	assert.False(t, TelegramConfig{}.Enabled())
	assert.False(t, TelegramConfig{BotToken: "tok"}.Enabled())
	assert.False(t, TelegramConfig{ChatID: 42}.Enabled())
	assert.True(t, TelegramConfig{BotToken: "tok", ChatID: 42}.Enabled())
}

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	validConfig := `{
		"server": {
			"host": "0.0.0.0",
			"port": 8080
		},
		"database": {
			"path": "/path/to/db"
		},
		"security": {
			"jwt_secret": "test-secret"
		},
		"telegram": {
			"bot_token": "test-token",
			"chat_id": 4242
		},
		"holiday": {
			"country": "DE",
			"subdivision": "DE-BY"
		}
	}`

	err := os.WriteFile(configPath, []byte(validConfig), 0644)
	require.NoError(t, err)

	// Test loading valid config
	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "/path/to/db", config.Database.Path)
	assert.Equal(t, "test-secret", config.Security.JWTSecret)
	assert.Equal(t, "test-token", config.Telegram.BotToken)
	assert.Equal(t, int64(4242), config.Telegram.ChatID)
	assert.Equal(t, "DE-BY", config.Holiday.Subdivision)

	// Test loading non-existent file
	_, err = Load(filepath.Join(tmpDir, "missing.json"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)

	// Test loading invalid JSON
	badPath := filepath.Join(tmpDir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{nope"), 0644))
	_, err = Load(badPath)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HEIMDALL_PORT", "9090")
	t.Setenv("HEIMDALL_DB_PATH", "/tmp/heimdall-test.db")
	t.Setenv("HEIMDALL_JWT_SECRET", "env-secret")
	t.Setenv("HEIMDALL_HOLIDAY_SUBDIVISION", "DE-HE")

	config, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "/tmp/heimdall-test.db", config.Database.Path)
	assert.Equal(t, "env-secret", config.Security.JWTSecret)
	assert.Equal(t, "DE-HE", config.Holiday.Subdivision)
	assert.Equal(t, "info", config.Logging.Level)
}
