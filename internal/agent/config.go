// Package agent implements the Heimdall device agent: it samples the
// foreground application, terminates processes in blocked app groups,
// reports usage to the control plane and survives offline stretches
// through a local durable cache.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Interval defaults, in seconds, matching the persisted config format
const (
	DefaultHeartbeatSeconds = 60
	DefaultRulePollSeconds  = 300
	DefaultMonitorSeconds   = 2
)

// DefaultServerURL is where a freshly installed agent looks for its server
const DefaultServerURL = "http://localhost:8000"

// configFileName is the registration record inside the config directory
const configFileName = "agent_config.json"

var ErrNotRegistered = errors.New("agent is not registered")

// Config is the persisted agent registration. Interval fields are plain
// seconds so the JSON file stays hand-editable.
type Config struct {
	ServerURL        string            `json:"server_url"`
	APIPrefix        string            `json:"api_prefix"`
	DeviceToken      string            `json:"device_token"`
	DeviceID         string            `json:"device_id"`
	ChildID          string            `json:"child_id"`
	DeviceName       string            `json:"device_name"`
	HeartbeatSeconds int               `json:"heartbeat_interval"`
	RulePollSeconds  int               `json:"rule_poll_interval"`
	MonitorSeconds   int               `json:"monitor_interval"`
	AppGroupMap      map[string]string `json:"app_group_map"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		ServerURL:        DefaultServerURL,
		APIPrefix:        "/api/v1",
		HeartbeatSeconds: DefaultHeartbeatSeconds,
		RulePollSeconds:  DefaultRulePollSeconds,
		MonitorSeconds:   DefaultMonitorSeconds,
		AppGroupMap:      map[string]string{},
	}
}

// ConfigDir returns the per-machine directory holding the agent config
// and its offline cache: %PROGRAMDATA%\Heimdall on Windows, otherwise
// $XDG_CONFIG_HOME/heimdall with a ~/.config fallback.
func ConfigDir() string {
	if runtime.GOOS == "windows" {
		base := os.Getenv("PROGRAMDATA")
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, "Heimdall")
	}

	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "heimdall")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/etc", "heimdall")
	}
	return filepath.Join(home, ".config", "heimdall")
}

// ConfigPath returns the default location of the persisted config
func ConfigPath() string {
	return filepath.Join(ConfigDir(), configFileName)
}

// CachePath returns the default location of the offline cache, beside
// the config file
func CachePath() string {
	return filepath.Join(ConfigDir(), cacheFileName)
}

// LoadConfig reads the config file at path. A missing file yields the
// defaults, so an unregistered agent still starts far enough to tell
// the user to register. Environment overrides (HEIMDALL_SERVER_URL,
// HEIMDALL_DEVICE_TOKEN) are applied last.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh install, keep the defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if config.APIPrefix == "" {
		config.APIPrefix = "/api/v1"
	}
	if config.HeartbeatSeconds <= 0 {
		config.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if config.RulePollSeconds <= 0 {
		config.RulePollSeconds = DefaultRulePollSeconds
	}
	if config.MonitorSeconds <= 0 {
		config.MonitorSeconds = DefaultMonitorSeconds
	}
	if config.AppGroupMap == nil {
		config.AppGroupMap = map[string]string{}
	}

	if v := os.Getenv("HEIMDALL_SERVER_URL"); v != "" {
		config.ServerURL = v
	}
	if v := os.Getenv("HEIMDALL_DEVICE_TOKEN"); v != "" {
		config.DeviceToken = v
	}

	return config, nil
}

// Save writes the config as indented JSON, creating the directory on
// first use. The file holds the device token, hence the tight mode.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// IsRegistered reports whether a device token has been stored
func (c *Config) IsRegistered() bool {
	return c.DeviceToken != ""
}

// APIBase returns the REST base URL including the API prefix
func (c *Config) APIBase() string {
	return strings.TrimRight(c.ServerURL, "/") + c.APIPrefix
}

// WSURL returns the agent WebSocket endpoint derived from the server URL
func (c *Config) WSURL() string {
	base := c.APIBase()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/agent/ws"
}

// HeartbeatInterval returns the heartbeat cadence as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// RulePollInterval returns the rule poll cadence as a duration
func (c *Config) RulePollInterval() time.Duration {
	return time.Duration(c.RulePollSeconds) * time.Second
}

// MonitorInterval returns the foreground sampling cadence as a duration
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorSeconds) * time.Second
}
