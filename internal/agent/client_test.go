package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientFor(srv *httptest.Server) *RestClient {
	config := DefaultConfig()
	config.ServerURL = srv.URL
	config.DeviceToken = "tok-device-1"
	return NewRestClient(config, testLogger())
}

func TestSendHeartbeat(t *testing.T) {
	var gotToken string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/agent/heartbeat", r.URL.Path)
		gotToken = r.Header.Get("X-Device-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","server_time":"2025-06-11T10:00:00Z"}`))
	}))
	defer srv.Close()

	client := clientFor(srv)
	err := client.SendHeartbeat(context.Background(), Heartbeat{
		Timestamp: testNow,
		ActiveApp: "game.exe",
	})

	require.NoError(t, err)
	assert.Equal(t, "tok-device-1", gotToken)
	assert.Equal(t, "game.exe", gotBody["active_app"])
	assert.NotEmpty(t, gotBody["timestamp"])
}

func TestSendUsageEvent(t *testing.T) {
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agent/usage-event", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ue1","status":"recorded"}`))
	}))
	defer srv.Close()

	started := testNow.Add(-10 * time.Minute)
	ended := testNow
	seconds := 600

	client := clientFor(srv)
	err := client.SendUsageEvent(context.Background(), UsageEvent{
		AppPackage:      "game.exe",
		AppGroupID:      "grp-games",
		EventType:       "stop",
		StartedAt:       &started,
		EndedAt:         &ended,
		DurationSeconds: &seconds,
	})

	require.NoError(t, err)
	assert.Equal(t, "game.exe", gotBody["app_package"])
	assert.Equal(t, "stop", gotBody["event_type"])
	assert.Equal(t, float64(600), gotBody["duration_seconds"])
}

func TestFetchRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/agent/rules/current", r.URL.Path)
		assert.Equal(t, "tok-device-1", r.Header.Get("X-Device-Token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"day_type": "weekday",
			"time_windows": [{"start":"14:00","end":"19:00"}],
			"group_limits": [{"group_id":"grp-games","max_minutes":60,"used_minutes":45}],
			"daily_limit_minutes": 120,
			"active_tans": [],
			"coupled_devices": [],
			"shared_budget": false,
			"app_group_map": {"game.exe":"grp-games"}
		}`))
	}))
	defer srv.Close()

	client := clientFor(srv)
	rules, err := client.FetchRules(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "weekday", rules.DayType)
	require.Len(t, rules.GroupLimits, 1)
	assert.Equal(t, "grp-games", rules.GroupLimits[0].GroupID)
	assert.Equal(t, 60, rules.GroupLimits[0].MaxMinutes)
	require.NotNil(t, rules.DailyLimitMinutes)
	assert.Equal(t, 120, *rules.DailyLimitMinutes)
	assert.Equal(t, "grp-games", rules.AppGroupMap["game.exe"])
}

func TestClientUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid device token","code":"INVALID_DEVICE_TOKEN"}`))
	}))
	defer srv.Close()

	client := clientFor(srv)
	_, err := client.FetchRules(context.Background())

	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := clientFor(srv)
	err := client.SendHeartbeat(context.Background(), Heartbeat{Timestamp: testNow})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "boom")
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := clientFor(srv)
	err := client.SendHeartbeat(context.Background(), Heartbeat{Timestamp: testNow})

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}
