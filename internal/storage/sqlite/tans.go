package sqlite

import (
	"context"
	"database/sql"
	"time"

	"heimdall/internal/core"
)

// CreateTAN creates a new TAN. Returns core.ErrDuplicateTANCode when the
// code is already taken, so the generator can retry.
func (s *Store) CreateTAN(ctx context.Context, tan *core.TAN) error {
	tan.CreatedAt = time.Now().UTC()
	if tan.Status == "" {
		tan.Status = core.TANStatusActive
	}

	scopeGroups, err := encodeStrings(tan.ScopeGroups)
	if err != nil {
		return err
	}
	scopeDevices, err := encodeStrings(tan.ScopeDevices)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tans (id, child_id, code, type, scope_groups, scope_devices,
			value_minutes, value_unlock_until, expires_at, single_use, source,
			source_quest_id, status, redeemed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tan.ID, tan.ChildID, tan.Code, tan.Type, scopeGroups, scopeDevices,
		nullInt(tan.ValueMinutes), nullTime(tan.ValueUnlockUntil), tan.ExpiresAt.UTC(),
		tan.SingleUse, tan.Source, nullString(tan.SourceQuestID), tan.Status,
		nullTime(tan.RedeemedAt), tan.CreatedAt)

	if err != nil && isUniqueViolation(err) {
		return core.ErrDuplicateTANCode
	}
	return err
}

// GetTAN retrieves a TAN by ID
func (s *Store) GetTAN(ctx context.Context, id string) (*core.TAN, error) {
	tan, err := s.scanTAN(s.db.QueryRowContext(ctx, selectTAN+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, core.ErrTANNotFound
	}
	return tan, err
}

// GetTANByCode retrieves a TAN by its code
func (s *Store) GetTANByCode(ctx context.Context, code string) (*core.TAN, error) {
	tan, err := s.scanTAN(s.db.QueryRowContext(ctx, selectTAN+" WHERE code = ?", code))
	if err == sql.ErrNoRows {
		return nil, core.ErrTANNotFound
	}
	return tan, err
}

// ListTANsByChild retrieves all TANs of a child, newest first
func (s *Store) ListTANsByChild(ctx context.Context, childID string) ([]*core.TAN, error) {
	return s.queryTANs(ctx, selectTAN+` WHERE child_id = ? ORDER BY created_at DESC`, childID)
}

// ListActiveTANs retrieves the currently redeemable TANs of a child
func (s *Store) ListActiveTANs(ctx context.Context, childID string, now time.Time) ([]*core.TAN, error) {
	return s.queryTANs(ctx, selectTAN+`
		WHERE child_id = ? AND status = ? AND expires_at > ?
		ORDER BY expires_at
	`, childID, core.TANStatusActive, now.UTC())
}

// ListRedeemedTANs retrieves TANs redeemed in [from, to)
func (s *Store) ListRedeemedTANs(ctx context.Context, childID string, from, to time.Time) ([]*core.TAN, error) {
	return s.queryTANs(ctx, selectTAN+`
		WHERE child_id = ? AND status = ? AND redeemed_at >= ? AND redeemed_at < ?
		ORDER BY redeemed_at
	`, childID, core.TANStatusRedeemed, from.UTC(), to.UTC())
}

// MarkTANRedeemed performs the atomic active -> redeemed transition.
// Returns false when the TAN was not in the active state.
func (s *Store) MarkTANRedeemed(ctx context.Context, id string, redeemedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tans SET status = ?, redeemed_at = ?
		WHERE id = ? AND status = ?
	`, core.TANStatusRedeemed, redeemedAt.UTC(), id, core.TANStatusActive)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// InvalidateTAN expires an active TAN by hand
func (s *Store) InvalidateTAN(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tans SET status = ? WHERE id = ? AND status = ?
	`, core.TANStatusExpired, id, core.TANStatusActive)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTANNotFound
	}

	return nil
}

// ExpireOverdueTANs transitions active TANs whose expiry has passed
func (s *Store) ExpireOverdueTANs(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tans SET status = ? WHERE status = ? AND expires_at <= ?
	`, core.TANStatusExpired, core.TANStatusActive, now.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteTerminalTANsBefore removes redeemed and expired TANs created before cutoff
func (s *Store) DeleteTerminalTANsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM tans WHERE status IN (?, ?) AND created_at < ?
	`, core.TANStatusRedeemed, core.TANStatusExpired, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const selectTAN = `
	SELECT id, child_id, code, type, scope_groups, scope_devices, value_minutes,
		value_unlock_until, expires_at, single_use, source, source_quest_id,
		status, redeemed_at, created_at
	FROM tans`

func (s *Store) queryTANs(ctx context.Context, query string, args ...any) ([]*core.TAN, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tans []*core.TAN
	for rows.Next() {
		tan, err := s.scanTAN(rows)
		if err != nil {
			return nil, err
		}
		tans = append(tans, tan)
	}

	return tans, rows.Err()
}

func (s *Store) scanTAN(row rowScanner) (*core.TAN, error) {
	var tan core.TAN
	var scopeGroups, scopeDevices, sourceQuestID sql.NullString
	var valueMinutes sql.NullInt64
	var valueUnlockUntil, redeemedAt sql.NullTime

	err := row.Scan(&tan.ID, &tan.ChildID, &tan.Code, &tan.Type, &scopeGroups,
		&scopeDevices, &valueMinutes, &valueUnlockUntil, &tan.ExpiresAt,
		&tan.SingleUse, &tan.Source, &sourceQuestID, &tan.Status, &redeemedAt,
		&tan.CreatedAt)
	if err != nil {
		return nil, err
	}

	tan.ScopeGroups, err = decodeStrings(scopeGroups)
	if err != nil {
		return nil, err
	}
	tan.ScopeDevices, err = decodeStrings(scopeDevices)
	if err != nil {
		return nil, err
	}
	tan.ValueMinutes = intPtr(valueMinutes)
	tan.ValueUnlockUntil = timePtr(valueUnlockUntil)
	tan.SourceQuestID = sourceQuestID.String
	tan.RedeemedAt = timePtr(redeemedAt)

	return &tan, nil
}

// CreateTANSchedule creates a recurring TAN schedule
func (s *Store) CreateTANSchedule(ctx context.Context, schedule *core.TANSchedule) error {
	if schedule.Name == "" {
		return core.ErrInvalidName
	}

	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	if schedule.TANType == "" {
		schedule.TANType = core.TANTypeTime
	}

	scopeGroups, err := encodeStrings(schedule.ScopeGroups)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tan_schedules (id, child_id, name, recurrence, tan_type, value_minutes,
			scope_groups, expires_after_hours, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, schedule.ID, schedule.ChildID, schedule.Name, schedule.Recurrence, schedule.TANType,
		nullInt(schedule.ValueMinutes), scopeGroups, schedule.ExpiresAfterHours,
		schedule.Active, schedule.CreatedAt, schedule.UpdatedAt)

	return err
}

// GetTANSchedule retrieves a schedule by ID
func (s *Store) GetTANSchedule(ctx context.Context, id string) (*core.TANSchedule, error) {
	schedule, err := s.scanTANSchedule(s.db.QueryRowContext(ctx, `
		SELECT id, child_id, name, recurrence, tan_type, value_minutes, scope_groups,
			expires_after_hours, active, created_at, updated_at
		FROM tan_schedules WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, core.ErrScheduleNotFound
	}
	return schedule, err
}

// ListActiveTANSchedules retrieves every active schedule across all children
func (s *Store) ListActiveTANSchedules(ctx context.Context) ([]*core.TANSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, child_id, name, recurrence, tan_type, value_minutes, scope_groups,
			expires_after_hours, active, created_at, updated_at
		FROM tan_schedules WHERE active = 1 ORDER BY child_id, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*core.TANSchedule
	for rows.Next() {
		schedule, err := s.scanTANSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}

	return schedules, rows.Err()
}

// UpdateTANSchedule updates an existing schedule
func (s *Store) UpdateTANSchedule(ctx context.Context, schedule *core.TANSchedule) error {
	if schedule.Name == "" {
		return core.ErrInvalidName
	}

	schedule.UpdatedAt = time.Now().UTC()

	scopeGroups, err := encodeStrings(schedule.ScopeGroups)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tan_schedules
		SET name = ?, recurrence = ?, tan_type = ?, value_minutes = ?, scope_groups = ?,
			expires_after_hours = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, schedule.Name, schedule.Recurrence, schedule.TANType, nullInt(schedule.ValueMinutes),
		scopeGroups, schedule.ExpiresAfterHours, schedule.Active, schedule.UpdatedAt, schedule.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrScheduleNotFound
	}

	return nil
}

// DeleteTANSchedule deletes a schedule and its generation log
func (s *Store) DeleteTANSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tan_schedules WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrScheduleNotFound
	}

	return nil
}

func (s *Store) scanTANSchedule(row rowScanner) (*core.TANSchedule, error) {
	var schedule core.TANSchedule
	var scopeGroups sql.NullString
	var valueMinutes sql.NullInt64

	err := row.Scan(&schedule.ID, &schedule.ChildID, &schedule.Name, &schedule.Recurrence,
		&schedule.TANType, &valueMinutes, &scopeGroups, &schedule.ExpiresAfterHours,
		&schedule.Active, &schedule.CreatedAt, &schedule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	schedule.ValueMinutes = intPtr(valueMinutes)
	schedule.ScopeGroups, err = decodeStrings(scopeGroups)
	if err != nil {
		return nil, err
	}

	return &schedule, nil
}

// HasScheduleLog reports whether a schedule already generated a TAN on a date
func (s *Store) HasScheduleLog(ctx context.Context, scheduleID string, date time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tan_schedule_logs WHERE schedule_id = ? AND generated_date = ?
	`, scheduleID, dateString(date)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateTANScheduleLog records one generation; unique per (schedule, date)
func (s *Store) CreateTANScheduleLog(ctx context.Context, log *core.TANScheduleLog) error {
	log.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tan_schedule_logs (id, schedule_id, generated_date, generated_tan_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, log.ID, log.ScheduleID, dateString(log.GeneratedDate),
		nullString(log.GeneratedTANID), log.CreatedAt)

	return err
}
