package holiday

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/storage"
)

const dateLayout = "2006-01-02"

// Syncer pulls the year's holiday calendar into day type overrides
type Syncer struct {
	store  storage.Store
	client *Client
	logger *slog.Logger
}

// NewSyncer creates a holiday syncer
func NewSyncer(store storage.Store, client *Client, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:  store,
		client: client,
		logger: logger.With("component", "holiday"),
	}
}

// SyncFamily fetches both feeds for one year and fills in the missing
// overrides for one family. Dates that already have an override keep
// it, manual entries included. Returns the number of inserted rows.
func (s *Syncer) SyncFamily(ctx context.Context, familyID string, year int) (int, error) {
	public, err := s.client.PublicHolidays(ctx, year)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch public holidays: %w", err)
	}

	school, err := s.client.SchoolHolidays(ctx, year)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch school holidays: %w", err)
	}

	created := 0

	// Public holidays are single dates
	for _, entry := range public {
		day, err := time.Parse(dateLayout, entry.StartDate)
		if err != nil {
			s.logger.Warn("skipping malformed holiday entry", "start_date", entry.StartDate)
			continue
		}

		inserted, err := s.insert(ctx, familyID, day, core.DayTypeHoliday, entry.LocalName(s.client.language))
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}

	// School holidays cover every date of the range, bounds included
	for _, entry := range school {
		start, startErr := time.Parse(dateLayout, entry.StartDate)
		end, endErr := time.Parse(dateLayout, entry.EndDate)
		if startErr != nil || endErr != nil {
			s.logger.Warn("skipping malformed school holiday entry",
				"start_date", entry.StartDate, "end_date", entry.EndDate)
			continue
		}

		label := entry.LocalName(s.client.language)
		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			inserted, err := s.insert(ctx, familyID, day, core.DayTypeVacation, label)
			if err != nil {
				return created, err
			}
			if inserted {
				created++
			}
		}
	}

	s.logger.Info("holiday sync complete", "family_id", familyID, "year", year, "created", created)
	return created, nil
}

// SyncAll syncs the year for every family. A failing family is logged
// and does not stop the rest.
func (s *Syncer) SyncAll(ctx context.Context, year int) int {
	families, err := s.store.ListFamilies(ctx)
	if err != nil {
		s.logger.Error("failed to list families", "error", err)
		return 0
	}

	total := 0
	for _, fam := range families {
		created, err := s.SyncFamily(ctx, fam.ID, year)
		total += created
		if err != nil {
			s.logger.Error("holiday sync failed", "family_id", fam.ID, "error", err)
		}
	}

	return total
}

func (s *Syncer) insert(ctx context.Context, familyID string, day time.Time, dayType, label string) (bool, error) {
	return s.store.InsertOverrideIfAbsent(ctx, &core.DayTypeOverride{
		ID:       idgen.NewOverride(),
		FamilyID: familyID,
		Date:     day,
		DayType:  dayType,
		Label:    label,
		Source:   core.OverrideSourceAPI,
	})
}
