package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heimdall/internal/core"
)

func registrationServer(t *testing.T, expectToken string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/agent/rules/current", r.URL.Path)
		if r.Header.Get("X-Device-Token") != expectToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(core.ResolvedRules{
			DayType: core.DayTypeWeekday,
			AppGroupMap: map[string]string{
				"notepad.exe": "gaming",
				"chrome.exe":  "browser",
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterHappyPath(t *testing.T) {
	t.Setenv("HEIMDALL_SERVER_URL", "")
	t.Setenv("HEIMDALL_DEVICE_TOKEN", "")
	srv := registrationServer(t, "tok-123")
	configPath := filepath.Join(t.TempDir(), "agent_config.json")

	in := strings.NewReader(srv.URL + "\ntok-123\n")
	var out bytes.Buffer

	err := Register(context.Background(), in, &out, configPath, testLogger())
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Registrierung erfolgreich")
	assert.Contains(t, out.String(), "Überwachte Programme: 2")

	saved, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, saved.ServerURL)
	assert.Equal(t, "tok-123", saved.DeviceToken)
	assert.Equal(t, "gaming", saved.AppGroupMap["notepad.exe"])
	assert.True(t, saved.IsRegistered())
}

func TestRegisterDefaultsServerURL(t *testing.T) {
	t.Setenv("HEIMDALL_SERVER_URL", "")
	t.Setenv("HEIMDALL_DEVICE_TOKEN", "")
	configPath := filepath.Join(t.TempDir(), "agent_config.json")

	// Empty URL line falls back to the default server, which is not
	// reachable here, so the verification step must fail.
	in := strings.NewReader("\ntok-123\n")
	var out bytes.Buffer

	err := Register(context.Background(), in, &out, configPath, testLogger())
	require.Error(t, err)
	assert.Contains(t, out.String(), DefaultServerURL)
}

func TestRegisterRejectsEmptyToken(t *testing.T) {
	t.Setenv("HEIMDALL_SERVER_URL", "")
	t.Setenv("HEIMDALL_DEVICE_TOKEN", "")
	configPath := filepath.Join(t.TempDir(), "agent_config.json")

	in := strings.NewReader("http://localhost:9\n\n")
	var out bytes.Buffer

	err := Register(context.Background(), in, &out, configPath, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Token")
	assert.NoFileExists(t, configPath)
}

func TestRegisterRejectedToken(t *testing.T) {
	t.Setenv("HEIMDALL_SERVER_URL", "")
	t.Setenv("HEIMDALL_DEVICE_TOKEN", "")
	srv := registrationServer(t, "tok-good")
	configPath := filepath.Join(t.TempDir(), "agent_config.json")

	in := strings.NewReader(srv.URL + "\ntok-bad\n")
	var out bytes.Buffer

	err := Register(context.Background(), in, &out, configPath, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NoFileExists(t, configPath)
}

func TestRegisterConnectionFailure(t *testing.T) {
	t.Setenv("HEIMDALL_SERVER_URL", "")
	t.Setenv("HEIMDALL_DEVICE_TOKEN", "")
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	configPath := filepath.Join(t.TempDir(), "agent_config.json")
	in := strings.NewReader(url + "\ntok-123\n")
	var out bytes.Buffer

	err := Register(context.Background(), in, &out, configPath, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Verbindung fehlgeschlagen")
	assert.NoFileExists(t, configPath)
}
