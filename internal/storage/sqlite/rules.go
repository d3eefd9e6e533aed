package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"heimdall/internal/core"
)

// CreateTimeRule creates a new time rule
func (s *Store) CreateTimeRule(ctx context.Context, rule *core.TimeRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.TargetType == "" {
		rule.TargetType = core.TargetTypeDevice
	}

	dayTypes, windows, limits, err := marshalRuleColumns(rule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO time_rules (id, child_id, name, target_type, target_id, day_types,
			time_windows, daily_limit_minutes, group_limits, priority, active,
			valid_from, valid_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.ChildID, rule.Name, rule.TargetType, nullString(rule.TargetID),
		dayTypes, windows, nullInt(rule.DailyLimitMinutes), limits, rule.Priority,
		rule.Active, nullDate(rule.ValidFrom), nullDate(rule.ValidUntil),
		rule.CreatedAt, rule.UpdatedAt)

	return err
}

// GetTimeRule retrieves a time rule by ID
func (s *Store) GetTimeRule(ctx context.Context, id string) (*core.TimeRule, error) {
	rule, err := s.scanTimeRule(s.db.QueryRowContext(ctx, `
		SELECT id, child_id, name, target_type, target_id, day_types, time_windows,
			daily_limit_minutes, group_limits, priority, active, valid_from, valid_until,
			created_at, updated_at
		FROM time_rules WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, core.ErrRuleNotFound
	}
	return rule, err
}

// ListTimeRulesByChild retrieves all rules of a child, including inactive ones
func (s *Store) ListTimeRulesByChild(ctx context.Context, childID string) ([]*core.TimeRule, error) {
	return s.queryTimeRules(ctx, `
		SELECT id, child_id, name, target_type, target_id, day_types, time_windows,
			daily_limit_minutes, group_limits, priority, active, valid_from, valid_until,
			created_at, updated_at
		FROM time_rules WHERE child_id = ? ORDER BY priority DESC, name
	`, childID)
}

// ListActiveTimeRules retrieves the rules of a child that are active and
// date-valid on the given (family-local) date. Day-type matching stays in
// application code because day_types is a JSON list.
func (s *Store) ListActiveTimeRules(ctx context.Context, childID string, date time.Time) ([]*core.TimeRule, error) {
	day := dateString(date)
	return s.queryTimeRules(ctx, `
		SELECT id, child_id, name, target_type, target_id, day_types, time_windows,
			daily_limit_minutes, group_limits, priority, active, valid_from, valid_until,
			created_at, updated_at
		FROM time_rules
		WHERE child_id = ? AND active = 1
			AND (valid_from IS NULL OR valid_from <= ?)
			AND (valid_until IS NULL OR valid_until >= ?)
		ORDER BY priority DESC, name
	`, childID, day, day)
}

// UpdateTimeRule updates an existing time rule
func (s *Store) UpdateTimeRule(ctx context.Context, rule *core.TimeRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	dayTypes, windows, limits, err := marshalRuleColumns(rule)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE time_rules
		SET name = ?, target_type = ?, target_id = ?, day_types = ?, time_windows = ?,
			daily_limit_minutes = ?, group_limits = ?, priority = ?, active = ?,
			valid_from = ?, valid_until = ?, updated_at = ?
		WHERE id = ?
	`, rule.Name, rule.TargetType, nullString(rule.TargetID), dayTypes, windows,
		nullInt(rule.DailyLimitMinutes), limits, rule.Priority, rule.Active,
		nullDate(rule.ValidFrom), nullDate(rule.ValidUntil), rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrRuleNotFound
	}

	return nil
}

// DeleteTimeRule deletes a time rule
func (s *Store) DeleteTimeRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM time_rules WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrRuleNotFound
	}

	return nil
}

func (s *Store) queryTimeRules(ctx context.Context, query string, args ...any) ([]*core.TimeRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*core.TimeRule
	for rows.Next() {
		rule, err := s.scanTimeRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

func (s *Store) scanTimeRule(row rowScanner) (*core.TimeRule, error) {
	var rule core.TimeRule
	var targetID sql.NullString
	var dayTypes, windows, limits string
	var dailyLimit sql.NullInt64
	var validFrom, validUntil sql.NullTime

	err := row.Scan(&rule.ID, &rule.ChildID, &rule.Name, &rule.TargetType, &targetID,
		&dayTypes, &windows, &dailyLimit, &limits, &rule.Priority, &rule.Active,
		&validFrom, &validUntil, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rule.TargetID = targetID.String
	rule.DailyLimitMinutes = intPtr(dailyLimit)
	rule.ValidFrom = timePtr(validFrom)
	rule.ValidUntil = timePtr(validUntil)

	if err := json.Unmarshal([]byte(dayTypes), &rule.DayTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal day types: %w", err)
	}
	if err := json.Unmarshal([]byte(windows), &rule.TimeWindows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal time windows: %w", err)
	}
	if err := json.Unmarshal([]byte(limits), &rule.GroupLimits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal group limits: %w", err)
	}

	return &rule, nil
}

func marshalRuleColumns(rule *core.TimeRule) (string, string, string, error) {
	dayTypes, err := json.Marshal(rule.DayTypes)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal day types: %w", err)
	}

	if rule.TimeWindows == nil {
		rule.TimeWindows = []core.TimeWindow{}
	}
	windows, err := json.Marshal(rule.TimeWindows)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal time windows: %w", err)
	}

	if rule.GroupLimits == nil {
		rule.GroupLimits = []core.RuleGroupLimit{}
	}
	limits, err := json.Marshal(rule.GroupLimits)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal group limits: %w", err)
	}

	return string(dayTypes), string(windows), string(limits), nil
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: dateString(*t), Valid: true}
}

// CreateDayTypeOverride pins the day type of one date for a family
func (s *Store) CreateDayTypeOverride(ctx context.Context, o *core.DayTypeOverride) error {
	o.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO day_type_overrides (id, family_id, date, day_type, label, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.FamilyID, dateString(o.Date), o.DayType, nullString(o.Label), o.Source, o.CreatedAt)

	if err != nil && isUniqueViolation(err) {
		return core.ErrDuplicateOverride
	}
	return err
}

// InsertOverrideIfAbsent inserts an override unless the date already has one.
// Returns true when a row was inserted.
func (s *Store) InsertOverrideIfAbsent(ctx context.Context, o *core.DayTypeOverride) (bool, error) {
	o.CreatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO day_type_overrides (id, family_id, date, day_type, label, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(family_id, date) DO NOTHING
	`, o.ID, o.FamilyID, dateString(o.Date), o.DayType, nullString(o.Label), o.Source, o.CreatedAt)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// GetDayTypeOverride retrieves the override for one date, if any
func (s *Store) GetDayTypeOverride(ctx context.Context, familyID string, date time.Time) (*core.DayTypeOverride, error) {
	o, err := s.scanOverride(s.db.QueryRowContext(ctx, `
		SELECT id, family_id, date, day_type, label, source, created_at
		FROM day_type_overrides WHERE family_id = ? AND date = ?
	`, familyID, dateString(date)))
	if err == sql.ErrNoRows {
		return nil, core.ErrOverrideNotFound
	}
	return o, err
}

// ListDayTypeOverrides retrieves all overrides of a family in a date range
func (s *Store) ListDayTypeOverrides(ctx context.Context, familyID string, from, to time.Time) ([]*core.DayTypeOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, date, day_type, label, source, created_at
		FROM day_type_overrides
		WHERE family_id = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, familyID, dateString(from), dateString(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []*core.DayTypeOverride
	for rows.Next() {
		o, err := s.scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}

	return overrides, rows.Err()
}

// DeleteDayTypeOverride removes an override. The family scope keeps one
// family from deleting another's calendar entries.
func (s *Store) DeleteDayTypeOverride(ctx context.Context, familyID, id string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM day_type_overrides WHERE id = ? AND family_id = ?", id, familyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrOverrideNotFound
	}

	return nil
}

func (s *Store) scanOverride(row rowScanner) (*core.DayTypeOverride, error) {
	var o core.DayTypeOverride
	var label sql.NullString

	err := row.Scan(&o.ID, &o.FamilyID, &o.Date, &o.DayType, &label, &o.Source, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	o.Label = label.String

	return &o, nil
}
