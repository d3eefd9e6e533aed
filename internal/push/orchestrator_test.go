package push

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/rules"
	"heimdall/internal/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	texts []string
}

func (n *fakeNotifier) Send(ctx context.Context, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

func setupOrchestrator(t *testing.T) (*Orchestrator, *Registry, *sqlite.Store, *fakeNotifier) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &core.MockClock{CurrentTime: testNow}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	resolver := rules.NewResolver(store, clock, logger)
	registry := NewRegistry(logger)
	notifier := &fakeNotifier{}
	orch := NewOrchestrator(store, resolver, registry, notifier, clock, logger)

	return orch, registry, store, notifier
}

func seedChildWithDevices(t *testing.T, store *sqlite.Store) string {
	ctx := context.Background()

	family := &core.Family{ID: "fam1", Name: "Skov", Timezone: "Europe/Berlin"}
	require.NoError(t, store.CreateFamily(ctx, family))

	child := &core.User{ID: "child1", FamilyID: "fam1", Role: core.RoleChild, Name: "Emma"}
	require.NoError(t, store.CreateUser(ctx, child))

	for _, id := range []string{"devA", "devB"} {
		device := &core.Device{
			ID:               id,
			ChildID:          "child1",
			Name:             "Device " + id,
			Type:             core.DeviceTypeWindows,
			DeviceIdentifier: "machine-" + id,
			DeviceTokenHash:  "hash-" + id,
		}
		require.NoError(t, store.CreateDevice(ctx, device))
	}

	limit := 120
	rule := &core.TimeRule{
		ID:                "rule1",
		ChildID:           "child1",
		Name:              "Schultage",
		DayTypes:          []string{core.DayTypeWeekday, core.DayTypeWeekend},
		DailyLimitMinutes: &limit,
		Active:            true,
	}
	require.NoError(t, store.CreateTimeRule(ctx, rule))

	return "child1"
}

func TestOrchestrator_PushRulesToChildDevices(t *testing.T) {
	orch, registry, store, _ := setupOrchestrator(t)
	childID := seedChildWithDevices(t, store)

	connected := &fakeConn{}
	registry.Connect("devA", childID, connected)

	count := orch.PushRulesToChildDevices(context.Background(), childID)
	assert.Equal(t, 1, count, "only the connected device is delivered to")

	require.Equal(t, 1, connected.sentCount())
	frame := connected.lastSent().(map[string]any)
	assert.Equal(t, "rules_updated", frame["type"])

	resolved := frame["rules"].(*core.ResolvedRules)
	require.NotNil(t, resolved.DailyLimitMinutes)
	assert.Equal(t, 120, *resolved.DailyLimitMinutes)
}

func TestOrchestrator_PushRulesToDevice(t *testing.T) {
	orch, registry, store, _ := setupOrchestrator(t)
	childID := seedChildWithDevices(t, store)

	conn := &fakeConn{}
	registry.Connect("devB", childID, conn)

	assert.True(t, orch.PushRulesToDevice(context.Background(), "devB"))
	assert.False(t, orch.PushRulesToDevice(context.Background(), "devA"), "devA not connected")

	// Unknown devices resolve to the empty record and find no socket
	assert.False(t, orch.PushRulesToDevice(context.Background(), "ghost"))
}

func TestOrchestrator_NotifyTANActivated(t *testing.T) {
	orch, registry, store, _ := setupOrchestrator(t)
	childID := seedChildWithDevices(t, store)

	connA := &fakeConn{}
	connB := &fakeConn{}
	registry.Connect("devA", childID, connA)
	registry.Connect("devB", childID, connB)

	minutes := 30
	tan := &core.TAN{
		ID:           "tan1",
		ChildID:      childID,
		Type:         core.TANTypeTime,
		ValueMinutes: &minutes,
		ExpiresAt:    testNow.Add(6 * time.Hour),
	}

	count := orch.NotifyTANActivated(tan)
	assert.Equal(t, 2, count)

	frame := connA.lastSent().(map[string]any)
	assert.Equal(t, "tan_activated", frame["type"])
	assert.Equal(t, "tan1", frame["tan_id"])
	assert.Equal(t, core.TANTypeTime, frame["tan_type"])
	assert.Equal(t, "2025-06-11T16:00:00Z", frame["expires_at"])
}

func TestOrchestrator_NotifyParentDashboard(t *testing.T) {
	orch, registry, _, _ := setupOrchestrator(t)

	tab := &fakeConn{}
	registry.ConnectParent("fam1", tab)

	count := orch.NotifyParentDashboard("fam1", "child1", EventTANRedeemed)
	assert.Equal(t, 1, count)

	frame := tab.lastSent().(map[string]any)
	assert.Equal(t, "invalidate", frame["type"])
	keys := frame["keys"].([][]string)
	assert.Equal(t, [][]string{{"children", "child1"}, {"tans"}}, keys)

	orch.NotifyParentDashboard("fam1", "", EventQuestReviewed)
	frame = tab.lastSent().(map[string]any)
	assert.Equal(t, [][]string{{"quests"}}, frame["keys"])
}

func TestOrchestrator_NotifyParentEvent(t *testing.T) {
	orch, registry, _, notifier := setupOrchestrator(t)

	tab := &fakeConn{}
	registry.ConnectParent("fam1", tab)

	count := orch.NotifyParentEvent(context.Background(), "fam1",
		"TAN automatisch erstellt", "Morgens: LOKI-0001", "tan", "child1")
	assert.Equal(t, 1, count)

	frame := tab.lastSent().(map[string]any)
	assert.Equal(t, "notification", frame["type"])
	assert.Equal(t, "TAN automatisch erstellt", frame["title"])
	assert.Equal(t, "Morgens: LOKI-0001", frame["message"])
	assert.Equal(t, "tan", frame["category"])
	assert.Equal(t, "child1", frame["child_id"])
	assert.Equal(t, "2025-06-11T10:00:00Z", frame["timestamp"])

	require.Len(t, notifier.texts, 1)
	assert.Contains(t, notifier.texts[0], "LOKI-0001")
}
