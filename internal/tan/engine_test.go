package tan

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/storage"
	"heimdall/internal/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday, 12:00 in Europe/Berlin
var testNow = time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

func setupEngine(t *testing.T) (*Engine, *sqlite.Store, *core.MockClock) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &core.MockClock{CurrentTime: testNow}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := NewEngine(store, clock, logger)

	return engine, store, clock
}

func seedChild(t *testing.T, store *sqlite.Store) string {
	ctx := context.Background()

	family := &core.Family{ID: "fam1", Name: "Skov", Timezone: "Europe/Berlin"}
	require.NoError(t, store.CreateFamily(ctx, family))

	child := &core.User{ID: "child1", FamilyID: "fam1", Role: core.RoleChild, Name: "Emma"}
	require.NoError(t, store.CreateUser(ctx, child))

	return "child1"
}

func createTimeTAN(t *testing.T, store *sqlite.Store, childID, id, code string, value int, scope []string) *core.TAN {
	tan := &core.TAN{
		ID:           id,
		ChildID:      childID,
		Code:         code,
		Type:         core.TANTypeTime,
		ValueMinutes: &value,
		ScopeGroups:  scope,
		ExpiresAt:    testNow.Add(24 * time.Hour),
		SingleUse:    true,
		Source:       core.TANSourceParentManual,
	}
	require.NoError(t, store.CreateTAN(context.Background(), tan))
	return tan
}

func redeemAt(t *testing.T, store *sqlite.Store, tanID string, at time.Time) {
	ok, err := store.MarkTANRedeemed(context.Background(), tanID, at)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEngine_Generate(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	minutes := 30
	tan, err := engine.Generate(context.Background(), GenerateParams{
		ChildID:      childID,
		Type:         core.TANTypeTime,
		ValueMinutes: &minutes,
		SingleUse:    true,
		Source:       core.TANSourceParentManual,
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[A-Z]+-\d{4}$`), tan.Code)
	assert.Equal(t, core.TANStatusActive, tan.Status)

	// Default expiry is the end of the family-local day (Berlin, UTC+2)
	wantExpiry := time.Date(2025, 6, 11, 21, 59, 59, 0, time.UTC)
	assert.True(t, tan.ExpiresAt.Equal(wantExpiry), "got %v", tan.ExpiresAt)
}

func TestEngine_GenerateExplicitExpiry(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	expiresAt := testNow.Add(48 * time.Hour)
	minutes := 45
	tan, err := engine.Generate(context.Background(), GenerateParams{
		ChildID:      childID,
		Type:         core.TANTypeTime,
		ValueMinutes: &minutes,
		ExpiresAt:    expiresAt,
		Source:       core.TANSourceScheduled,
	})
	require.NoError(t, err)
	assert.True(t, tan.ExpiresAt.Equal(expiresAt))
}

func TestEngine_GenerateRejectsBadParams(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	_, err := engine.Generate(context.Background(), GenerateParams{
		ChildID: childID,
		Type:    core.TANTypeTime,
		Source:  core.TANSourceParentManual,
	})
	assert.ErrorIs(t, err, core.ErrInvalidTANValue)

	zero := 0
	_, err = engine.Generate(context.Background(), GenerateParams{
		ChildID:      childID,
		Type:         core.TANTypeTime,
		ValueMinutes: &zero,
		Source:       core.TANSourceParentManual,
	})
	assert.ErrorIs(t, err, core.ErrInvalidTANValue)

	minutes := 30
	_, err = engine.Generate(context.Background(), GenerateParams{
		ChildID:      "nobody",
		Type:         core.TANTypeTime,
		ValueMinutes: &minutes,
		Source:       core.TANSourceParentManual,
	})
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}

// collideStore reports a code collision a fixed number of times before
// delegating to the real store
type collideStore struct {
	storage.Store
	failures int
}

func (s *collideStore) CreateTAN(ctx context.Context, tan *core.TAN) error {
	if s.failures > 0 {
		s.failures--
		return core.ErrDuplicateTANCode
	}
	return s.Store.CreateTAN(ctx, tan)
}

func TestEngine_GenerateRetriesCollisions(t *testing.T) {
	_, store, clock := setupEngine(t)
	childID := seedChild(t, store)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	minutes := 30
	params := GenerateParams{
		ChildID:      childID,
		Type:         core.TANTypeTime,
		ValueMinutes: &minutes,
		Source:       core.TANSourceParentManual,
	}

	// Three collisions are absorbed
	engine := NewEngine(&collideStore{Store: store, failures: 3}, clock, logger)
	tan, err := engine.Generate(context.Background(), params)
	require.NoError(t, err)
	assert.NotEmpty(t, tan.Code)

	// Ten in a row exhaust the retry budget
	engine = NewEngine(&collideStore{Store: store, failures: 10}, clock, logger)
	_, err = engine.Generate(context.Background(), params)
	assert.ErrorIs(t, err, ErrCodeCollision)
}

func TestEngine_RedeemHappyPath(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)
	createTimeTAN(t, store, childID, "tan1", "LOKI-0001", 30, nil)

	tan, err := engine.Redeem(context.Background(), childID, "LOKI-0001")
	require.NoError(t, err)
	assert.Equal(t, core.TANStatusRedeemed, tan.Status)
	require.NotNil(t, tan.RedeemedAt)
	assert.True(t, tan.RedeemedAt.Equal(testNow))

	stored, err := store.GetTAN(context.Background(), "tan1")
	require.NoError(t, err)
	assert.Equal(t, core.TANStatusRedeemed, stored.Status)

	// A consumed code cannot be redeemed again
	_, err = engine.Redeem(context.Background(), childID, "LOKI-0001")
	var rerr *RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyNotActive, rerr.Code)
	assert.Contains(t, rerr.Message, "redeemed")
}

func TestEngine_RedeemUnknownAndForeignCode(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	_, err := engine.Redeem(context.Background(), childID, "ODIN-9999")
	assert.ErrorIs(t, err, core.ErrTANNotFound)

	sibling := &core.User{ID: "child2", FamilyID: "fam1", Role: core.RoleChild, Name: "Jonas"}
	require.NoError(t, store.CreateUser(context.Background(), sibling))
	createTimeTAN(t, store, "child2", "tan2", "THOR-0002", 30, nil)

	// A sibling's code looks like an unknown code
	_, err = engine.Redeem(context.Background(), childID, "THOR-0002")
	assert.ErrorIs(t, err, core.ErrTANNotFound)
}

func TestEngine_RedeemExpiry(t *testing.T) {
	engine, store, clock := setupEngine(t)
	childID := seedChild(t, store)

	tan := &core.TAN{
		ID:        "tan1",
		ChildID:   childID,
		Code:      "FREYA-0001",
		Type:      core.TANTypeOverride,
		ExpiresAt: testNow.Add(time.Hour),
		Source:    core.TANSourceParentManual,
	}
	require.NoError(t, store.CreateTAN(context.Background(), tan))

	// Exactly at expires_at the TAN is gone
	clock.Set(testNow.Add(time.Hour))
	_, err := engine.Redeem(context.Background(), childID, "FREYA-0001")
	var rerr *RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyExpired, rerr.Code)
	assert.Equal(t, "TAN has expired", rerr.Message)

	// One second earlier it redeems
	clock.Set(testNow.Add(time.Hour - time.Second))
	_, err = engine.Redeem(context.Background(), childID, "FREYA-0001")
	require.NoError(t, err)
}

func TestEngine_DailyRedemptionLimit(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	for i, code := range []string{"ODIN-0001", "ODIN-0002", "ODIN-0003"} {
		tan := createTimeTAN(t, store, childID, code, code, 10, nil)
		redeemAt(t, store, tan.ID, testNow.Add(-time.Duration(i+1)*time.Hour))
	}

	createTimeTAN(t, store, childID, "tan4", "TYR-0004", 10, nil)
	_, err := engine.Redeem(context.Background(), childID, "TYR-0004")
	var rerr *RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyDailyLimit, rerr.Code)
	assert.Equal(t, "Daily TAN limit reached (3 per day)", rerr.Message)
}

func TestEngine_YesterdayDoesNotCount(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	// Redeemed before the Berlin midnight boundary (22:00 UTC)
	for i, code := range []string{"ODIN-0001", "ODIN-0002", "ODIN-0003"} {
		tan := createTimeTAN(t, store, childID, code, code, 10, nil)
		redeemAt(t, store, tan.ID, time.Date(2025, 6, 10, 21, 30+i, 0, 0, time.UTC))
	}

	createTimeTAN(t, store, childID, "tan4", "TYR-0004", 10, nil)
	_, err := engine.Redeem(context.Background(), childID, "TYR-0004")
	require.NoError(t, err)
}

func TestEngine_DailyBonusCap(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	first := createTimeTAN(t, store, childID, "tan1", "ODIN-0001", 40, nil)
	second := createTimeTAN(t, store, childID, "tan2", "ODIN-0002", 30, nil)
	redeemAt(t, store, first.ID, testNow.Add(-2*time.Hour))
	redeemAt(t, store, second.ID, testNow.Add(-time.Hour))

	// 70 redeemed + 25 would break the 90-minute cap
	createTimeTAN(t, store, childID, "tan3", "TYR-0003", 25, nil)
	_, err := engine.Redeem(context.Background(), childID, "TYR-0003")
	var rerr *RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyBonusLimit, rerr.Code)
	assert.Contains(t, rerr.Message, "95/90 min")

	// Landing exactly on the cap is allowed
	createTimeTAN(t, store, childID, "tan4", "TYR-0004", 20, nil)
	_, err = engine.Redeem(context.Background(), childID, "TYR-0004")
	require.NoError(t, err)
}

func TestEngine_BonusCapIgnoresValuelessTANs(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	first := createTimeTAN(t, store, childID, "tan1", "ODIN-0001", 90, nil)
	redeemAt(t, store, first.ID, testNow.Add(-time.Hour))

	override := &core.TAN{
		ID:        "tan2",
		ChildID:   childID,
		Code:      "TYR-0002",
		Type:      core.TANTypeOverride,
		ExpiresAt: testNow.Add(24 * time.Hour),
		Source:    core.TANSourceParentManual,
	}
	require.NoError(t, store.CreateTAN(context.Background(), override))

	_, err := engine.Redeem(context.Background(), childID, "TYR-0002")
	require.NoError(t, err)
}

func TestEngine_GroupPolicy(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	blocked := &core.AppGroup{ID: "grp1", ChildID: childID, Name: "Spiele", TANAllowed: false}
	require.NoError(t, store.CreateAppGroup(context.Background(), blocked))

	createTimeTAN(t, store, childID, "tan1", "ODIN-0001", 30, []string{"grp1"})
	_, err := engine.Redeem(context.Background(), childID, "ODIN-0001")
	var rerr *RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyGroupNotAllowed, rerr.Code)
	assert.Equal(t, "TANs are not allowed for app group 'Spiele'", rerr.Message)

	// A scope entry pointing at a deleted group is skipped
	createTimeTAN(t, store, childID, "tan2", "ODIN-0002", 30, []string{"gone"})
	_, err = engine.Redeem(context.Background(), childID, "ODIN-0002")
	require.NoError(t, err)
}

func TestEngine_PerGroupBonusCap(t *testing.T) {
	engine, store, _ := setupEngine(t)
	childID := seedChild(t, store)

	group := &core.AppGroup{
		ID:                "grp1",
		ChildID:           childID,
		Name:              "Spiele",
		TANAllowed:        true,
		MaxTANBonusPerDay: 30,
	}
	require.NoError(t, store.CreateAppGroup(context.Background(), group))

	first := createTimeTAN(t, store, childID, "tan1", "ODIN-0001", 20, []string{"grp1"})
	redeemAt(t, store, first.ID, testNow.Add(-time.Hour))

	createTimeTAN(t, store, childID, "tan2", "TYR-0002", 15, []string{"grp1"})
	_, err := engine.Redeem(context.Background(), childID, "TYR-0002")
	var rerr *RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyBonusLimit, rerr.Code)
	assert.Contains(t, rerr.Message, "Spiele")
	assert.Contains(t, rerr.Message, "35/30 min")

	// Exactly reaching the group cap passes
	createTimeTAN(t, store, childID, "tan3", "TYR-0003", 10, []string{"grp1"})
	_, err = engine.Redeem(context.Background(), childID, "TYR-0003")
	require.NoError(t, err)
}

func TestEngine_BlackoutWindow(t *testing.T) {
	engine, store, clock := setupEngine(t)
	childID := seedChild(t, store)

	// 20:59:59 Berlin: last second before blackout
	clock.Set(time.Date(2025, 6, 11, 18, 59, 59, 0, time.UTC))
	createTimeTAN(t, store, childID, "tan1", "ODIN-0001", 10, nil)
	_, err := engine.Redeem(context.Background(), childID, "ODIN-0001")
	require.NoError(t, err)

	// 21:00:00 Berlin: blackout begins
	clock.Set(time.Date(2025, 6, 11, 19, 0, 0, 0, time.UTC))
	createTimeTAN(t, store, childID, "tan2", "ODIN-0002", 10, nil)
	_, err = engine.Redeem(context.Background(), childID, "ODIN-0002")
	var rerr *RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyBlackout, rerr.Code)
	assert.Contains(t, rerr.Message, "blackout")

	// 05:59:59 Berlin: still inside
	clock.Set(time.Date(2025, 6, 11, 3, 59, 59, 0, time.UTC))
	_, err = engine.Redeem(context.Background(), childID, "ODIN-0002")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyBlackout, rerr.Code)

	// 06:00:00 Berlin: blackout over
	clock.Set(time.Date(2025, 6, 11, 4, 0, 0, 0, time.UTC))
	_, err = engine.Redeem(context.Background(), childID, "ODIN-0002")
	require.NoError(t, err)
}

// staleReadStore serves TANs that still look active, as seen by a
// request that raced a concurrent redemption
type staleReadStore struct {
	storage.Store
}

func (s *staleReadStore) GetTANByCode(ctx context.Context, code string) (*core.TAN, error) {
	tan, err := s.Store.GetTANByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	tan.Status = core.TANStatusActive
	return tan, nil
}

func TestEngine_RedeemRace(t *testing.T) {
	_, store, clock := setupEngine(t)
	childID := seedChild(t, store)
	tan := createTimeTAN(t, store, childID, "tan1", "ODIN-0001", 10, nil)

	// Another request wins between policy check and update
	redeemAt(t, store, tan.ID, testNow.Add(-time.Minute))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := NewEngine(&staleReadStore{Store: store}, clock, logger)

	_, err := engine.Redeem(context.Background(), childID, "ODIN-0001")
	var rerr *RedemptionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, DenyNotActive, rerr.Code)
	assert.Contains(t, rerr.Message, "redeemed")
}
