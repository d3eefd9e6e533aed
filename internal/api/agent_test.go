package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentHeartbeat(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedChild(t, "child1", "fam1")
	token := env.seedDevice(t, "dev1", "child1")

	resp := env.agentRequest(t, http.MethodPost, "/api/v1/agent/heartbeat", token, map[string]any{
		"timestamp":  testNow.Format(time.RFC3339),
		"active_app": "minecraft.exe",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, testNow.Format(time.RFC3339), body["server_time"])

	device, err := env.store.GetDevice(context.Background(), "dev1")
	require.NoError(t, err)
	require.NotNil(t, device.LastSeen)
	assert.True(t, device.LastSeen.Equal(testNow))
}

func TestAgentCurrentRules(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedParent(t, "parent1", "fam1")
	env.seedChild(t, "child1", "fam1")
	token := env.seedDevice(t, "dev1", "child1")

	resp := env.request(t, http.MethodPost, "/api/v1/children/child1/rules",
		mintToken(t, "parent1"), map[string]any{
			"name":                "Schultag",
			"day_types":           []string{"weekday"},
			"time_windows":        []map[string]string{{"start": "14:00", "end": "19:00"}},
			"daily_limit_minutes": 60,
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.agentRequest(t, http.MethodGet, "/api/v1/agent/rules/current", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resolved := decodeMap(t, resp)
	assert.Equal(t, "weekday", resolved["day_type"])
	assert.Equal(t, float64(60), resolved["daily_limit_minutes"])

	windows, ok := resolved["time_windows"].([]any)
	require.True(t, ok)
	require.Len(t, windows, 1)
}

func TestAgentUsageEvent(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedChild(t, "child1", "fam1")
	token := env.seedDevice(t, "dev1", "child1")

	started := testNow.Add(-10 * time.Minute)
	resp := env.agentRequest(t, http.MethodPost, "/api/v1/agent/usage-event", token, map[string]any{
		"app_package":      "minecraft.exe",
		"event_type":       "stop",
		"started_at":       started.Format(time.RFC3339),
		"ended_at":         testNow.Format(time.RFC3339),
		"duration_seconds": 600,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	assert.Equal(t, "recorded", body["status"])
	assert.NotEmpty(t, body["id"])

	sum, err := env.store.SumUsageSeconds(context.Background(), []string{"dev1"}, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 600, sum)
}

func TestAgentUsageEventBadType(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedChild(t, "child1", "fam1")
	token := env.seedDevice(t, "dev1", "child1")

	resp := env.agentRequest(t, http.MethodPost, "/api/v1/agent/usage-event", token, map[string]any{
		"app_package": "minecraft.exe",
		"event_type":  "launched",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_EVENT_TYPE", decodeMap(t, resp)["code"])
}

func TestAgentTamperAlert(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedChild(t, "child1", "fam1")
	token := env.seedDevice(t, "dev1", "child1")

	resp := env.agentRequest(t, http.MethodPost, "/api/v1/agent/tamper-alert", token, map[string]any{
		"timestamp": testNow.Format(time.RFC3339),
		"reason":    "watchdog process killed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "received", decodeMap(t, resp)["status"])
}

func TestAgentSafeModeHeartbeat(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedChild(t, "child1", "fam1")
	token := env.seedDevice(t, "dev1", "child1")

	resp := env.agentRequest(t, http.MethodPost, "/api/v1/agent/heartbeat", token, map[string]any{
		"timestamp": testNow.Format(time.RFC3339),
		"safe_mode": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeMap(t, resp)["status"])
}
