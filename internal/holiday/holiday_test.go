package holiday

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heimdall/config"
	"heimdall/internal/core"
	"heimdall/internal/storage/sqlite"
)

func holidayFixture() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/PublicHolidays":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{
					"startDate": "2025-01-01",
					"endDate":   "2025-01-01",
					"name":      []map[string]string{{"language": "DE", "text": "Neujahr"}},
				},
				{
					"startDate": "2025-01-06",
					"endDate":   "2025-01-06",
					"name":      []map[string]string{{"language": "EN", "text": "Epiphany"}},
				},
			})
		case "/SchoolHolidays":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{
					"startDate": "2025-04-14",
					"endDate":   "2025-04-17",
					"name":      []map[string]string{{"language": "DE", "text": "Osterferien"}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func testClient(serverURL string) *Client {
	return NewClient(config.HolidayConfig{
		BaseURL:     serverURL,
		Country:     "DE",
		Subdivision: "DE-BW",
		Language:    "DE",
	})
}

func setupSyncer(t *testing.T, serverURL string) (*Syncer, *sqlite.Store) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewSyncer(store, testClient(serverURL), logger), store
}

func TestClient_FetchesBothFeeds(t *testing.T) {
	var publicQuery, schoolQuery map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured := map[string]string{}
		for key := range r.URL.Query() {
			captured[key] = r.URL.Query().Get(key)
		}
		switch r.URL.Path {
		case "/PublicHolidays":
			publicQuery = captured
		case "/SchoolHolidays":
			schoolQuery = captured
		}
		holidayFixture()(w, r)
	}))
	defer server.Close()

	client := testClient(server.URL)

	public, err := client.PublicHolidays(context.Background(), 2025)
	require.NoError(t, err)
	require.Len(t, public, 2)
	assert.Equal(t, "2025-01-01", public[0].StartDate)
	assert.Equal(t, "Neujahr", public[0].LocalName("DE"))

	// No German name falls back to the first one the API sent
	assert.Equal(t, "Epiphany", public[1].LocalName("DE"))

	school, err := client.SchoolHolidays(context.Background(), 2025)
	require.NoError(t, err)
	require.Len(t, school, 1)
	assert.Equal(t, "2025-04-17", school[0].EndDate)

	for _, query := range []map[string]string{publicQuery, schoolQuery} {
		assert.Equal(t, "DE", query["countryIsoCode"])
		assert.Equal(t, "DE", query["languageIsoCode"])
		assert.Equal(t, "DE-BW", query["subdivisionCode"])
		assert.Equal(t, "2025-01-01", query["validFrom"])
		assert.Equal(t, "2025-12-31", query["validTo"])
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testClient(server.URL).PublicHolidays(context.Background(), 2025)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestSyncer_SyncFamily(t *testing.T) {
	server := httptest.NewServer(holidayFixture())
	defer server.Close()

	syncer, store := setupSyncer(t, server.URL)
	ctx := context.Background()

	family := &core.Family{ID: "fam1", Name: "Skov", Timezone: "Europe/Berlin"}
	require.NoError(t, store.CreateFamily(ctx, family))

	created, err := syncer.SyncFamily(ctx, "fam1", 2025)
	require.NoError(t, err)

	// 2 public holidays plus 4 vacation days (Apr 14 through 17)
	assert.Equal(t, 6, created)

	override, err := store.GetDayTypeOverride(ctx, "fam1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, core.DayTypeHoliday, override.DayType)
	assert.Equal(t, "Neujahr", override.Label)
	assert.Equal(t, core.OverrideSourceAPI, override.Source)

	override, err = store.GetDayTypeOverride(ctx, "fam1", time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, core.DayTypeVacation, override.DayType)
	assert.Equal(t, "Osterferien", override.Label)

	// A second run finds everything in place
	created, err = syncer.SyncFamily(ctx, "fam1", 2025)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestSyncer_KeepsManualOverrides(t *testing.T) {
	server := httptest.NewServer(holidayFixture())
	defer server.Close()

	syncer, store := setupSyncer(t, server.URL)
	ctx := context.Background()

	family := &core.Family{ID: "fam1", Name: "Skov", Timezone: "Europe/Berlin"}
	require.NoError(t, store.CreateFamily(ctx, family))

	manual := &core.DayTypeOverride{
		ID:       "ovr_manual",
		FamilyID: "fam1",
		Date:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		DayType:  core.DayTypeCustom,
		Label:    "Omas Geburtstag",
		Source:   core.OverrideSourceManual,
	}
	require.NoError(t, store.CreateDayTypeOverride(ctx, manual))

	created, err := syncer.SyncFamily(ctx, "fam1", 2025)
	require.NoError(t, err)
	assert.Equal(t, 5, created)

	override, err := store.GetDayTypeOverride(ctx, "fam1", manual.Date)
	require.NoError(t, err)
	assert.Equal(t, "ovr_manual", override.ID)
	assert.Equal(t, "Omas Geburtstag", override.Label)
	assert.Equal(t, core.OverrideSourceManual, override.Source)
}

func TestSyncer_SyncAll(t *testing.T) {
	server := httptest.NewServer(holidayFixture())
	defer server.Close()

	syncer, store := setupSyncer(t, server.URL)
	ctx := context.Background()

	require.NoError(t, store.CreateFamily(ctx, &core.Family{ID: "fam1", Name: "Skov", Timezone: "Europe/Berlin"}))
	require.NoError(t, store.CreateFamily(ctx, &core.Family{ID: "fam2", Name: "Berg", Timezone: "Europe/Berlin"}))

	total := syncer.SyncAll(ctx, 2025)
	assert.Equal(t, 12, total)
}
