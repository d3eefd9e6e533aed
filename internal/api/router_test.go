package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heimdall/internal/core"
	"heimdall/internal/push"
	"heimdall/internal/rules"
	"heimdall/internal/storage/sqlite"
	"heimdall/internal/tan"
	"heimdall/internal/totp"
)

const testSecret = "test-jwt-secret"

// Wednesday, 12:00 in Europe/Berlin
var testNow = time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

type apiEnv struct {
	srv      *httptest.Server
	store    *sqlite.Store
	clock    *core.MockClock
	registry *push.Registry
}

func setupAPI(t *testing.T) *apiEnv {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &core.MockClock{CurrentTime: testNow}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	resolver := rules.NewResolver(store, clock, logger)
	engine := tan.NewEngine(store, clock, logger)
	registry := push.NewRegistry(logger)
	events := push.NewOrchestrator(store, resolver, registry, nil, clock, logger)
	totpSvc := totp.NewService(store, engine, clock, logger)

	router := NewRouter(RouterConfig{
		Store:     store,
		Resolver:  resolver,
		TANs:      engine,
		TOTP:      totpSvc,
		Registry:  registry,
		Events:    events,
		Clock:     clock,
		JWTSecret: testSecret,
		Logger:    logger,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, store: store, clock: clock, registry: registry}
}

func (e *apiEnv) seedFamily(t *testing.T, familyID string) {
	family := &core.Family{ID: familyID, Name: "Skov", Timezone: "Europe/Berlin"}
	require.NoError(t, e.store.CreateFamily(context.Background(), family))
}

func (e *apiEnv) seedParent(t *testing.T, id, familyID string) {
	parent := &core.User{
		ID: id, FamilyID: familyID, Role: core.RoleParent,
		Name: "Anna", Email: id + "@example.org",
	}
	require.NoError(t, e.store.CreateUser(context.Background(), parent))
}

func (e *apiEnv) seedChild(t *testing.T, id, familyID string) {
	child := &core.User{ID: id, FamilyID: familyID, Role: core.RoleChild, Name: "Kind " + id}
	require.NoError(t, e.store.CreateUser(context.Background(), child))
}

// seedDevice registers a device and returns its raw token
func (e *apiEnv) seedDevice(t *testing.T, deviceID, childID string) string {
	raw := "raw-token-" + deviceID
	device := &core.Device{
		ID:               deviceID,
		ChildID:          childID,
		Name:             "Device " + deviceID,
		Type:             core.DeviceTypeWindows,
		DeviceIdentifier: "machine-" + deviceID,
		DeviceTokenHash:  core.HashToken(raw),
	}
	require.NoError(t, e.store.CreateDevice(context.Background(), device))
	return raw
}

func mintToken(t *testing.T, userID string) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"type": "access",
		"exp":  jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *apiEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// agentRequest authenticates with a raw device token instead of a JWT
func (e *apiEnv) agentRequest(t *testing.T, method, path, deviceToken string, body any) *http.Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if deviceToken != "" {
		req.Header.Set("X-Device-Token", deviceToken)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decodeList(t *testing.T, resp *http.Response) []map[string]any {
	var out []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	env := setupAPI(t)

	resp := env.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "heimdall", body["service"])
}

func TestPortalRejectsMissingToken(t *testing.T) {
	env := setupAPI(t)

	resp := env.request(t, http.MethodGet, "/api/v1/children/child1/tans", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", decodeMap(t, resp)["code"])
}

func TestPortalRejectsGarbageToken(t *testing.T) {
	env := setupAPI(t)

	resp := env.request(t, http.MethodGet, "/api/v1/children/child1/tans", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", decodeMap(t, resp)["code"])
}

func TestPortalRejectsWrongTokenType(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedParent(t, "parent1", "fam1")

	claims := jwt.MapClaims{
		"sub":  "parent1",
		"type": "refresh",
		"exp":  jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	resp := env.request(t, http.MethodGet, "/api/v1/children/child1/tans", signed, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPortalRejectsExpiredToken(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedParent(t, "parent1", "fam1")

	claims := jwt.MapClaims{
		"sub":  "parent1",
		"type": "access",
		"exp":  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	resp := env.request(t, http.MethodGet, "/api/v1/children/child1/tans", signed, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPortalRejectsDeletedUser(t *testing.T) {
	env := setupAPI(t)

	// Valid signature but the subject does not exist
	resp := env.request(t, http.MethodGet, "/api/v1/children/child1/tans", mintToken(t, "ghost"), nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", decodeMap(t, resp)["code"])
}

func TestChildCannotUseParentRoutes(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedChild(t, "child1", "fam1")

	resp := env.request(t, http.MethodPost, "/api/v1/children/child1/tans/generate",
		mintToken(t, "child1"), map[string]any{"type": "time", "value_minutes": 30})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "PARENT_ROLE_REQUIRED", decodeMap(t, resp)["code"])
}

func TestFamilyIsolation(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedFamily(t, "fam2")
	env.seedChild(t, "child1", "fam1")
	env.seedParent(t, "intruder", "fam2")

	resp := env.request(t, http.MethodGet, "/api/v1/children/child1/tans",
		mintToken(t, "intruder"), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FAMILY_ACCESS_DENIED", decodeMap(t, resp)["code"])

	resp = env.request(t, http.MethodGet, "/api/v1/families/fam1/day-types",
		mintToken(t, "intruder"), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownChildIs404(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedParent(t, "parent1", "fam1")

	resp := env.request(t, http.MethodGet, "/api/v1/children/nope/tans",
		mintToken(t, "parent1"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CHILD_NOT_FOUND", decodeMap(t, resp)["code"])

	// A parent id in the child slot is also not a child
	resp = env.request(t, http.MethodGet, "/api/v1/children/parent1/tans",
		mintToken(t, "parent1"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentRejectsMissingToken(t *testing.T) {
	env := setupAPI(t)

	resp := env.agentRequest(t, http.MethodGet, "/api/v1/agent/rules/current", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_DEVICE_TOKEN", decodeMap(t, resp)["code"])
}

func TestAgentRejectsRevokedDevice(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedChild(t, "child1", "fam1")
	token := env.seedDevice(t, "dev1", "child1")

	ctx := context.Background()
	require.NoError(t, env.store.UpdateDeviceStatus(ctx, "dev1", core.DeviceStatusRevoked))

	resp := env.agentRequest(t, http.MethodGet, "/api/v1/agent/rules/current", token, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_DEVICE_TOKEN", decodeMap(t, resp)["code"])
}

func TestContentTypeEnforced(t *testing.T) {
	env := setupAPI(t)
	env.seedFamily(t, "fam1")
	env.seedParent(t, "parent1", "fam1")
	env.seedChild(t, "child1", "fam1")

	req, err := http.NewRequest(http.MethodPost,
		env.srv.URL+"/api/v1/children/child1/tans/generate",
		bytes.NewReader([]byte("type=time")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "parent1"))

	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}
