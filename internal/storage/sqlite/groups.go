package sqlite

import (
	"context"
	"database/sql"
	"time"

	"heimdall/internal/core"
)

// CreateAppGroup creates a new app group
func (s *Store) CreateAppGroup(ctx context.Context, group *core.AppGroup) error {
	if group.Name == "" {
		return core.ErrInvalidName
	}

	now := time.Now().UTC()
	group.CreatedAt = now
	group.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_groups (id, child_id, name, category, risk_level, always_allowed,
			tan_allowed, max_tan_bonus_per_day, icon, color, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, group.ID, group.ChildID, group.Name, nullString(group.Category),
		nullString(group.RiskLevel), group.AlwaysAllowed, group.TANAllowed,
		group.MaxTANBonusPerDay, nullString(group.Icon), nullString(group.Color),
		group.CreatedAt, group.UpdatedAt)

	return err
}

// GetAppGroup retrieves an app group by ID
func (s *Store) GetAppGroup(ctx context.Context, id string) (*core.AppGroup, error) {
	group, err := s.scanAppGroup(s.db.QueryRowContext(ctx, `
		SELECT id, child_id, name, category, risk_level, always_allowed,
			tan_allowed, max_tan_bonus_per_day, icon, color, created_at, updated_at
		FROM app_groups WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, core.ErrGroupNotFound
	}
	return group, err
}

// ListAppGroupsByChild retrieves all app groups of a child
func (s *Store) ListAppGroupsByChild(ctx context.Context, childID string) ([]*core.AppGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, child_id, name, category, risk_level, always_allowed,
			tan_allowed, max_tan_bonus_per_day, icon, color, created_at, updated_at
		FROM app_groups WHERE child_id = ? ORDER BY name
	`, childID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*core.AppGroup
	for rows.Next() {
		group, err := s.scanAppGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}

	return groups, rows.Err()
}

// UpdateAppGroup updates an existing app group
func (s *Store) UpdateAppGroup(ctx context.Context, group *core.AppGroup) error {
	if group.Name == "" {
		return core.ErrInvalidName
	}

	group.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_groups
		SET name = ?, category = ?, risk_level = ?, always_allowed = ?, tan_allowed = ?,
			max_tan_bonus_per_day = ?, icon = ?, color = ?, updated_at = ?
		WHERE id = ?
	`, group.Name, nullString(group.Category), nullString(group.RiskLevel),
		group.AlwaysAllowed, group.TANAllowed, group.MaxTANBonusPerDay,
		nullString(group.Icon), nullString(group.Color), group.UpdatedAt, group.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrGroupNotFound
	}

	return nil
}

// DeleteAppGroup deletes an app group and cascades to its member apps
func (s *Store) DeleteAppGroup(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM app_groups WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrGroupNotFound
	}

	return nil
}

func (s *Store) scanAppGroup(row rowScanner) (*core.AppGroup, error) {
	var group core.AppGroup
	var category, riskLevel, icon, color sql.NullString

	err := row.Scan(&group.ID, &group.ChildID, &group.Name, &category, &riskLevel,
		&group.AlwaysAllowed, &group.TANAllowed, &group.MaxTANBonusPerDay,
		&icon, &color, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return nil, err
	}

	group.Category = category.String
	group.RiskLevel = riskLevel.String
	group.Icon = icon.String
	group.Color = color.String

	return &group, nil
}

// CreateAppGroupApp adds a member app to a group
func (s *Store) CreateAppGroupApp(ctx context.Context, app *core.AppGroupApp) error {
	if err := app.Validate(); err != nil {
		return err
	}

	app.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_group_apps (id, group_id, app_name, app_package, app_executable, platform, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, app.ID, app.GroupID, app.AppName, nullString(app.AppPackage),
		nullString(app.AppExecutable), nullString(app.Platform), app.CreatedAt)

	return err
}

// ListAppsByGroup retrieves the member apps of a group
func (s *Store) ListAppsByGroup(ctx context.Context, groupID string) ([]*core.AppGroupApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, app_name, app_package, app_executable, platform, created_at
		FROM app_group_apps WHERE group_id = ? ORDER BY app_name
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGroupApps(rows)
}

// ListAppsByChild retrieves every member app across all groups of a child
func (s *Store) ListAppsByChild(ctx context.Context, childID string) ([]*core.AppGroupApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.group_id, a.app_name, a.app_package, a.app_executable, a.platform, a.created_at
		FROM app_group_apps a
		JOIN app_groups g ON g.id = a.group_id
		WHERE g.child_id = ?
		ORDER BY a.app_name
	`, childID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGroupApps(rows)
}

// DeleteAppGroupApp removes a member app
func (s *Store) DeleteAppGroupApp(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM app_group_apps WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrGroupNotFound
	}

	return nil
}

func scanGroupApps(rows *sql.Rows) ([]*core.AppGroupApp, error) {
	var apps []*core.AppGroupApp
	for rows.Next() {
		var app core.AppGroupApp
		var pkg, exe, platform sql.NullString

		if err := rows.Scan(&app.ID, &app.GroupID, &app.AppName, &pkg, &exe,
			&platform, &app.CreatedAt); err != nil {
			return nil, err
		}

		app.AppPackage = pkg.String
		app.AppExecutable = exe.String
		app.Platform = platform.String

		apps = append(apps, &app)
	}

	return apps, rows.Err()
}
