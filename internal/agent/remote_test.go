package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heimdall/internal/core"
)

func setupRemote(t *testing.T) (*httptest.Server, *Agent) {
	agent, _ := demoAgent(t)
	agent.ApplyRules(DemoRules())

	control := NewRemoteControl(agent, DefaultRemotePort, testLogger())
	srv := httptest.NewServer(control.router())
	t.Cleanup(srv.Close)

	return srv, agent
}

func remoteCall(t *testing.T, srv *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, srv.URL+path, payload)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestRemoteStatus(t *testing.T) {
	srv, _ := setupRemote(t)

	status, body := remoteCall(t, srv, http.MethodGet, "/status", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["demo_mode"])
	assert.Equal(t, StateConnected, body["state"])
	assert.Len(t, body["group_limits"], 4)
}

func TestRemoteGroups(t *testing.T) {
	srv, _ := setupRemote(t)

	status, body := remoteCall(t, srv, http.MethodGet, "/groups", nil)

	assert.Equal(t, http.StatusOK, status)
	groupMap, ok := body["app_group_map"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gaming", groupMap["notepad.exe"])
}

func TestRemoteSimulateAndBlock(t *testing.T) {
	srv, agent := setupRemote(t)

	status, body := remoteCall(t, srv, http.MethodPost, "/simulate", map[string]any{
		"executable": "notepad.exe",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "gaming", body["app_group_id"])
	assert.Equal(t, false, body["is_blocked"])

	status, body = remoteCall(t, srv, http.MethodPost, "/block", map[string]any{
		"group_id": "gaming",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"gaming"}, body["blocked_groups"])
	assert.True(t, agent.Blocker().IsBlocked("gaming"))

	status, body = remoteCall(t, srv, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, StateBlocked, body["state"])

	status, body = remoteCall(t, srv, http.MethodPost, "/unblock", map[string]any{
		"group_id": "gaming",
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["blocked_groups"])
	assert.False(t, agent.Blocker().IsBlocked("gaming"))
}

func TestRemoteSimulateClear(t *testing.T) {
	srv, agent := setupRemote(t)

	remoteCall(t, srv, http.MethodPost, "/simulate", map[string]any{"executable": "calc.exe"})
	require.NotNil(t, agent.Monitor().CurrentSession())

	status, body := remoteCall(t, srv, http.MethodPost, "/simulate/clear", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "simulation_cleared", body["action"])
}

func TestRemoteValidation(t *testing.T) {
	srv, _ := setupRemote(t)

	status, _ := remoteCall(t, srv, http.MethodPost, "/block", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = remoteCall(t, srv, http.MethodPost, "/simulate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRemoteRulesUpdateDemoOnly(t *testing.T) {
	srv, agent := setupRemote(t)

	rules := limitsRules(
		core.ResolvedGroupLimit{GroupID: "gaming", MaxMinutes: 10, UsedMinutes: 10},
	)
	status, body := remoteCall(t, srv, http.MethodPost, "/rules/update", rules)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rules_updated", body["action"])
	assert.True(t, agent.Blocker().IsBlocked("gaming"))
}

func TestRemoteRulesUpdateRejectedOutsideDemo(t *testing.T) {
	wired, _ := wiredAgent(t, "http://localhost:0")
	control := NewRemoteControl(wired, DefaultRemotePort, testLogger())
	srv := httptest.NewServer(control.router())
	t.Cleanup(srv.Close)

	status, body := remoteCall(t, srv, http.MethodPost, "/rules/update", DemoRules())
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body["error"], "demo mode")
}
