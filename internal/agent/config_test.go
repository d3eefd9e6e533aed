package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "http://localhost:8000", config.ServerURL)
	assert.Equal(t, "/api/v1", config.APIPrefix)
	assert.Equal(t, 60, config.HeartbeatSeconds)
	assert.Equal(t, 300, config.RulePollSeconds)
	assert.Equal(t, 2, config.MonitorSeconds)
	assert.NotNil(t, config.AppGroupMap)
	assert.False(t, config.IsRegistered())
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("HEIMDALL_SERVER_URL", "")
	t.Setenv("HEIMDALL_DEVICE_TOKEN", "")
	path := filepath.Join(t.TempDir(), "nested", "agent_config.json")

	config := DefaultConfig()
	config.ServerURL = "https://heimdall.example.org"
	config.DeviceToken = "tok-abc"
	config.DeviceID = "dev1"
	config.ChildID = "child1"
	config.DeviceName = "emmas-pc"
	config.HeartbeatSeconds = 120
	config.AppGroupMap = map[string]string{"minecraft.exe": "grp-games"}
	require.NoError(t, config.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://heimdall.example.org", loaded.ServerURL)
	assert.Equal(t, "tok-abc", loaded.DeviceToken)
	assert.Equal(t, "dev1", loaded.DeviceID)
	assert.Equal(t, "child1", loaded.ChildID)
	assert.Equal(t, "emmas-pc", loaded.DeviceName)
	assert.Equal(t, 120, loaded.HeartbeatSeconds)
	assert.Equal(t, "grp-games", loaded.AppGroupMap["minecraft.exe"])
	assert.True(t, loaded.IsRegistered())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	t.Setenv("HEIMDALL_SERVER_URL", "")
	t.Setenv("HEIMDALL_DEVICE_TOKEN", "")
	loaded, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", loaded.ServerURL)
	assert.False(t, loaded.IsRegistered())
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigFillsMissingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server_url":"http://srv","device_token":"tok"}`), 0o600))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/api/v1", loaded.APIPrefix)
	assert.Equal(t, 60, loaded.HeartbeatSeconds)
	assert.Equal(t, 300, loaded.RulePollSeconds)
	assert.Equal(t, 2, loaded.MonitorSeconds)
	assert.NotNil(t, loaded.AppGroupMap)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_config.json")
	config := DefaultConfig()
	config.ServerURL = "http://from-file"
	config.DeviceToken = "file-token"
	require.NoError(t, config.Save(path))

	t.Setenv("HEIMDALL_SERVER_URL", "http://from-env")
	t.Setenv("HEIMDALL_DEVICE_TOKEN", "env-token")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env", loaded.ServerURL)
	assert.Equal(t, "env-token", loaded.DeviceToken)
}

func TestConfigURLs(t *testing.T) {
	config := DefaultConfig()
	config.ServerURL = "http://heimdall.local:8000/"

	assert.Equal(t, "http://heimdall.local:8000/api/v1", config.APIBase())
	assert.Equal(t, "ws://heimdall.local:8000/api/v1/agent/ws", config.WSURL())

	config.ServerURL = "https://heimdall.example.org"
	assert.Equal(t, "wss://heimdall.example.org/api/v1/agent/ws", config.WSURL())
}

func TestConfigIntervals(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 60*time.Second, config.HeartbeatInterval())
	assert.Equal(t, 5*time.Minute, config.RulePollInterval())
	assert.Equal(t, 2*time.Second, config.MonitorInterval())
}
