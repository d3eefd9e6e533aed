package sqlite

import (
	"context"
	"database/sql"
	"time"

	"heimdall/internal/core"
)

// CreateQuestTemplate creates a new quest template
func (s *Store) CreateQuestTemplate(ctx context.Context, template *core.QuestTemplate) error {
	if err := template.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	template.CreatedAt = now
	template.UpdatedAt = now
	if template.ProofType == "" {
		template.ProofType = core.ProofTypeParentConfirm
	}

	tanGroups, err := encodeStrings(template.TANGroups)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quest_templates (id, family_id, name, category, reward_minutes,
			tan_groups, proof_type, ai_verify, recurrence, auto_detect_app,
			auto_detect_minutes, streak_threshold, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, template.ID, template.FamilyID, template.Name, nullString(template.Category),
		template.RewardMinutes, tanGroups, template.ProofType, template.AIVerify,
		template.Recurrence, nullString(template.AutoDetectApp),
		nullInt(template.AutoDetectMinutes), nullInt(template.StreakThreshold),
		template.Active, template.CreatedAt, template.UpdatedAt)

	return err
}

// GetQuestTemplate retrieves a quest template by ID
func (s *Store) GetQuestTemplate(ctx context.Context, id string) (*core.QuestTemplate, error) {
	template, err := s.scanQuestTemplate(s.db.QueryRowContext(ctx, `
		SELECT id, family_id, name, category, reward_minutes, tan_groups, proof_type,
			ai_verify, recurrence, auto_detect_app, auto_detect_minutes, streak_threshold,
			active, created_at, updated_at
		FROM quest_templates WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, core.ErrTemplateNotFound
	}
	return template, err
}

// ListActiveQuestTemplates retrieves the active templates of a family
func (s *Store) ListActiveQuestTemplates(ctx context.Context, familyID string) ([]*core.QuestTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, name, category, reward_minutes, tan_groups, proof_type,
			ai_verify, recurrence, auto_detect_app, auto_detect_minutes, streak_threshold,
			active, created_at, updated_at
		FROM quest_templates WHERE family_id = ? AND active = 1 ORDER BY name
	`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*core.QuestTemplate
	for rows.Next() {
		template, err := s.scanQuestTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, template)
	}

	return templates, rows.Err()
}

// UpdateQuestTemplate updates an existing template
func (s *Store) UpdateQuestTemplate(ctx context.Context, template *core.QuestTemplate) error {
	if err := template.Validate(); err != nil {
		return err
	}

	template.UpdatedAt = time.Now().UTC()

	tanGroups, err := encodeStrings(template.TANGroups)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE quest_templates
		SET name = ?, category = ?, reward_minutes = ?, tan_groups = ?, proof_type = ?,
			ai_verify = ?, recurrence = ?, auto_detect_app = ?, auto_detect_minutes = ?,
			streak_threshold = ?, active = ?, updated_at = ?
		WHERE id = ?
	`, template.Name, nullString(template.Category), template.RewardMinutes, tanGroups,
		template.ProofType, template.AIVerify, template.Recurrence,
		nullString(template.AutoDetectApp), nullInt(template.AutoDetectMinutes),
		nullInt(template.StreakThreshold), template.Active, template.UpdatedAt, template.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTemplateNotFound
	}

	return nil
}

// DeleteQuestTemplate deletes a template and cascades to its instances
func (s *Store) DeleteQuestTemplate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM quest_templates WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTemplateNotFound
	}

	return nil
}

func (s *Store) scanQuestTemplate(row rowScanner) (*core.QuestTemplate, error) {
	var template core.QuestTemplate
	var category, tanGroups, autoDetectApp sql.NullString
	var autoDetectMinutes, streakThreshold sql.NullInt64

	err := row.Scan(&template.ID, &template.FamilyID, &template.Name, &category,
		&template.RewardMinutes, &tanGroups, &template.ProofType, &template.AIVerify,
		&template.Recurrence, &autoDetectApp, &autoDetectMinutes, &streakThreshold,
		&template.Active, &template.CreatedAt, &template.UpdatedAt)
	if err != nil {
		return nil, err
	}

	template.Category = category.String
	template.AutoDetectApp = autoDetectApp.String
	template.AutoDetectMinutes = intPtr(autoDetectMinutes)
	template.StreakThreshold = intPtr(streakThreshold)
	template.TANGroups, err = decodeStrings(tanGroups)
	if err != nil {
		return nil, err
	}

	return &template, nil
}

// HasQuestInstanceSince reports whether an instance of a template exists for
// a child created at or after the given instant
func (s *Store) HasQuestInstanceSince(ctx context.Context, templateID, childID string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM quest_instances
		WHERE template_id = ? AND child_id = ? AND created_at >= ?
	`, templateID, childID, since.UTC()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateQuestInstance creates a new quest instance
func (s *Store) CreateQuestInstance(ctx context.Context, quest *core.QuestInstance) error {
	now := time.Now().UTC()
	quest.CreatedAt = now
	quest.UpdatedAt = now
	if quest.Status == "" {
		quest.Status = core.QuestStatusAvailable
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quest_instances (id, template_id, child_id, status, claimed_at,
			proof_url, reviewed_by, reviewed_at, generated_tan_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, quest.ID, quest.TemplateID, quest.ChildID, quest.Status, nullTime(quest.ClaimedAt),
		nullString(quest.ProofURL), nullString(quest.ReviewedBy), nullTime(quest.ReviewedAt),
		nullString(quest.GeneratedTANID), quest.CreatedAt, quest.UpdatedAt)

	return err
}

// GetQuestInstance retrieves a quest instance by ID
func (s *Store) GetQuestInstance(ctx context.Context, id string) (*core.QuestInstance, error) {
	quest, err := s.scanQuestInstance(s.db.QueryRowContext(ctx, `
		SELECT id, template_id, child_id, status, claimed_at, proof_url, reviewed_by,
			reviewed_at, generated_tan_id, created_at, updated_at
		FROM quest_instances WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, core.ErrQuestNotFound
	}
	return quest, err
}

// ListQuestInstancesByChild retrieves a child's quest instances, newest first
func (s *Store) ListQuestInstancesByChild(ctx context.Context, childID string) ([]*core.QuestInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, child_id, status, claimed_at, proof_url, reviewed_by,
			reviewed_at, generated_tan_id, created_at, updated_at
		FROM quest_instances WHERE child_id = ? ORDER BY created_at DESC
	`, childID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quests []*core.QuestInstance
	for rows.Next() {
		quest, err := s.scanQuestInstance(rows)
		if err != nil {
			return nil, err
		}
		quests = append(quests, quest)
	}

	return quests, rows.Err()
}

// UpdateQuestInstance persists a quest's mutable fields
func (s *Store) UpdateQuestInstance(ctx context.Context, quest *core.QuestInstance) error {
	quest.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE quest_instances
		SET status = ?, claimed_at = ?, proof_url = ?, reviewed_by = ?, reviewed_at = ?,
			generated_tan_id = ?, updated_at = ?
		WHERE id = ?
	`, quest.Status, nullTime(quest.ClaimedAt), nullString(quest.ProofURL),
		nullString(quest.ReviewedBy), nullTime(quest.ReviewedAt),
		nullString(quest.GeneratedTANID), quest.UpdatedAt, quest.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrQuestNotFound
	}

	return nil
}

func (s *Store) scanQuestInstance(row rowScanner) (*core.QuestInstance, error) {
	var quest core.QuestInstance
	var proofURL, reviewedBy, generatedTANID sql.NullString
	var claimedAt, reviewedAt sql.NullTime

	err := row.Scan(&quest.ID, &quest.TemplateID, &quest.ChildID, &quest.Status,
		&claimedAt, &proofURL, &reviewedBy, &reviewedAt, &generatedTANID,
		&quest.CreatedAt, &quest.UpdatedAt)
	if err != nil {
		return nil, err
	}

	quest.ClaimedAt = timePtr(claimedAt)
	quest.ProofURL = proofURL.String
	quest.ReviewedBy = reviewedBy.String
	quest.ReviewedAt = timePtr(reviewedAt)
	quest.GeneratedTANID = generatedTANID.String

	return &quest, nil
}
