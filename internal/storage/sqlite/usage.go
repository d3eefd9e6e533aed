package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"heimdall/internal/core"
)

// CreateUsageEvent appends one usage report
func (s *Store) CreateUsageEvent(ctx context.Context, event *core.UsageEvent) error {
	event.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, device_id, child_id, app_package, app_group_id,
			event_type, started_at, ended_at, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.DeviceID, event.ChildID, nullString(event.AppPackage),
		nullString(event.AppGroupID), event.EventType, nullTime(event.StartedAt),
		nullTime(event.EndedAt), nullInt(event.DurationSeconds), event.CreatedAt)

	return err
}

// SumUsageSeconds totals reported durations across devices since an instant
func (s *Store) SumUsageSeconds(ctx context.Context, deviceIDs []string, since time.Time) (int, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}

	query := `
		SELECT COALESCE(SUM(duration_seconds), 0) FROM usage_events
		WHERE device_id IN (` + placeholders(len(deviceIDs)) + `)
			AND COALESCE(started_at, created_at) >= ? AND duration_seconds IS NOT NULL
	`
	args := make([]any, 0, len(deviceIDs)+1)
	for _, id := range deviceIDs {
		args = append(args, id)
	}
	args = append(args, since.UTC())

	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}

	return total, nil
}

// SumGroupUsageSeconds totals reported durations for one app group across
// devices since an instant
func (s *Store) SumGroupUsageSeconds(ctx context.Context, deviceIDs []string, groupID string, since time.Time) (int, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}

	query := `
		SELECT COALESCE(SUM(duration_seconds), 0) FROM usage_events
		WHERE device_id IN (` + placeholders(len(deviceIDs)) + `)
			AND app_group_id = ? AND COALESCE(started_at, created_at) >= ?
			AND duration_seconds IS NOT NULL
	`
	args := make([]any, 0, len(deviceIDs)+2)
	for _, id := range deviceIDs {
		args = append(args, id)
	}
	args = append(args, groupID, since.UTC())

	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}

	return total, nil
}

// SumChildUsageSeconds totals a child's reported durations in [from, to),
// optionally narrowed to one app group
func (s *Store) SumChildUsageSeconds(ctx context.Context, childID, groupID string, from, to time.Time) (int, error) {
	query := `
		SELECT COALESCE(SUM(duration_seconds), 0) FROM usage_events
		WHERE child_id = ? AND COALESCE(started_at, created_at) >= ?
			AND COALESCE(started_at, created_at) < ?
			AND duration_seconds IS NOT NULL
	`
	args := []any{childID, from.UTC(), to.UTC()}

	if groupID != "" {
		query += " AND app_group_id = ?"
		args = append(args, groupID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}

	return total, nil
}

// DeleteUsageEventsBefore removes usage rows older than cutoff
func (s *Store) DeleteUsageEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_events WHERE created_at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CreateUsageRewardRule creates a new usage reward rule
func (s *Store) CreateUsageRewardRule(ctx context.Context, rule *core.UsageRewardRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	rewardGroups, err := encodeStrings(rule.RewardGroupIDs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_reward_rules (id, child_id, name, trigger_type, threshold_minutes,
			target_group_id, streak_days, reward_minutes, reward_group_ids, active,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.ChildID, rule.Name, rule.TriggerType, rule.ThresholdMinutes,
		nullString(rule.TargetGroupID), rule.StreakDays, rule.RewardMinutes,
		rewardGroups, rule.Active, rule.CreatedAt, rule.UpdatedAt)

	return err
}

// GetUsageRewardRule retrieves a rule by ID
func (s *Store) GetUsageRewardRule(ctx context.Context, id string) (*core.UsageRewardRule, error) {
	rule, err := s.scanRewardRule(s.db.QueryRowContext(ctx, `
		SELECT id, child_id, name, trigger_type, threshold_minutes, target_group_id,
			streak_days, reward_minutes, reward_group_ids, active, created_at, updated_at
		FROM usage_reward_rules WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, core.ErrRewardNotFound
	}
	return rule, err
}

// ListActiveUsageRewardRules retrieves every active rule across all children
func (s *Store) ListActiveUsageRewardRules(ctx context.Context) ([]*core.UsageRewardRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, child_id, name, trigger_type, threshold_minutes, target_group_id,
			streak_days, reward_minutes, reward_group_ids, active, created_at, updated_at
		FROM usage_reward_rules WHERE active = 1 ORDER BY child_id, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*core.UsageRewardRule
	for rows.Next() {
		rule, err := s.scanRewardRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// UpdateUsageRewardRule updates an existing rule
func (s *Store) UpdateUsageRewardRule(ctx context.Context, rule *core.UsageRewardRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	rewardGroups, err := encodeStrings(rule.RewardGroupIDs)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE usage_reward_rules
		SET name = ?, trigger_type = ?, threshold_minutes = ?, target_group_id = ?,
			streak_days = ?, reward_minutes = ?, reward_group_ids = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, rule.Name, rule.TriggerType, rule.ThresholdMinutes, nullString(rule.TargetGroupID),
		rule.StreakDays, rule.RewardMinutes, rewardGroups, rule.Active, rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrRewardNotFound
	}

	return nil
}

// DeleteUsageRewardRule deletes a rule and its logs
func (s *Store) DeleteUsageRewardRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM usage_reward_rules WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrRewardNotFound
	}

	return nil
}

func (s *Store) scanRewardRule(row rowScanner) (*core.UsageRewardRule, error) {
	var rule core.UsageRewardRule
	var targetGroupID, rewardGroups sql.NullString

	err := row.Scan(&rule.ID, &rule.ChildID, &rule.Name, &rule.TriggerType,
		&rule.ThresholdMinutes, &targetGroupID, &rule.StreakDays, &rule.RewardMinutes,
		&rewardGroups, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rule.TargetGroupID = targetGroupID.String
	rule.RewardGroupIDs, err = decodeStrings(rewardGroups)
	if err != nil {
		return nil, err
	}

	return &rule, nil
}

// GetUsageRewardLog retrieves the evaluation log of a rule for one date
func (s *Store) GetUsageRewardLog(ctx context.Context, ruleID string, date time.Time) (*core.UsageRewardLog, error) {
	var log core.UsageRewardLog
	var generatedTANID sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, child_id, evaluated_date, usage_minutes, threshold_minutes,
			rewarded, generated_tan_id, created_at
		FROM usage_reward_logs WHERE rule_id = ? AND evaluated_date = ?
	`, ruleID, dateString(date)).Scan(&log.ID, &log.RuleID, &log.ChildID,
		&log.EvaluatedDate, &log.UsageMinutes, &log.ThresholdMinutes, &log.Rewarded,
		&generatedTANID, &log.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, core.ErrRewardNotFound
	}
	if err != nil {
		return nil, err
	}

	log.GeneratedTANID = generatedTANID.String

	return &log, nil
}

// CreateUsageRewardLog records one evaluation; unique per (rule, date)
func (s *Store) CreateUsageRewardLog(ctx context.Context, log *core.UsageRewardLog) error {
	log.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_reward_logs (id, rule_id, child_id, evaluated_date,
			usage_minutes, threshold_minutes, rewarded, generated_tan_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.RuleID, log.ChildID, dateString(log.EvaluatedDate),
		log.UsageMinutes, log.ThresholdMinutes, log.Rewarded,
		nullString(log.GeneratedTANID), log.CreatedAt)

	return err
}
