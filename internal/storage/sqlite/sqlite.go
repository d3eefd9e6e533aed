package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"heimdall/internal/core"

	"github.com/mattn/go-sqlite3"
)

// Store implements storage.Store using SQLite
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store instance
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate creates the database schema
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS families (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			settings TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			role TEXT NOT NULL,
			name TEXT NOT NULL,
			email TEXT,
			password_hash TEXT,
			pin_hash TEXT,
			totp_secret TEXT,
			totp_enabled INTEGER NOT NULL DEFAULT 0,
			totp_mode TEXT NOT NULL DEFAULT 'tan',
			totp_tan_minutes INTEGER NOT NULL DEFAULT 30,
			totp_override_minutes INTEGER NOT NULL DEFAULT 15,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (family_id) REFERENCES families(id) ON DELETE CASCADE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_users_family ON users(family_id, role);

		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			child_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			device_identifier TEXT NOT NULL UNIQUE,
			device_token_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			last_seen DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (child_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_devices_token ON devices(device_token_hash);
		CREATE INDEX IF NOT EXISTS idx_devices_child ON devices(child_id);

		CREATE TABLE IF NOT EXISTS device_couplings (
			id TEXT PRIMARY KEY,
			child_id TEXT NOT NULL UNIQUE,
			device_ids TEXT NOT NULL DEFAULT '[]',
			shared_budget INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (child_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS app_groups (
			id TEXT PRIMARY KEY,
			child_id TEXT NOT NULL,
			name TEXT NOT NULL,
			category TEXT,
			risk_level TEXT,
			always_allowed INTEGER NOT NULL DEFAULT 0,
			tan_allowed INTEGER NOT NULL DEFAULT 1,
			max_tan_bonus_per_day INTEGER NOT NULL DEFAULT 0,
			icon TEXT,
			color TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (child_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_app_groups_child ON app_groups(child_id);

		CREATE TABLE IF NOT EXISTS app_group_apps (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			app_name TEXT NOT NULL,
			app_package TEXT,
			app_executable TEXT,
			platform TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (group_id) REFERENCES app_groups(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_group_apps_group ON app_group_apps(group_id);

		CREATE TABLE IF NOT EXISTS time_rules (
			id TEXT PRIMARY KEY,
			child_id TEXT NOT NULL,
			name TEXT NOT NULL,
			target_type TEXT NOT NULL DEFAULT 'device',
			target_id TEXT,
			day_types TEXT NOT NULL DEFAULT '[]',
			time_windows TEXT NOT NULL DEFAULT '[]',
			daily_limit_minutes INTEGER,
			group_limits TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			valid_from DATE,
			valid_until DATE,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (child_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_time_rules_child ON time_rules(child_id, active);

		CREATE TABLE IF NOT EXISTS day_type_overrides (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			date DATE NOT NULL,
			day_type TEXT NOT NULL,
			label TEXT,
			source TEXT NOT NULL DEFAULT 'manual',
			created_at DATETIME NOT NULL,
			UNIQUE (family_id, date),
			FOREIGN KEY (family_id) REFERENCES families(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS tans (
			id TEXT PRIMARY KEY,
			child_id TEXT NOT NULL,
			code TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			scope_groups TEXT,
			scope_devices TEXT,
			value_minutes INTEGER,
			value_unlock_until DATETIME,
			expires_at DATETIME NOT NULL,
			single_use INTEGER NOT NULL DEFAULT 1,
			source TEXT NOT NULL,
			source_quest_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			redeemed_at DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (child_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_tans_child_status ON tans(child_id, status);
		CREATE INDEX IF NOT EXISTS idx_tans_redeemed ON tans(child_id, redeemed_at);

		CREATE TABLE IF NOT EXISTS tan_schedules (
			id TEXT PRIMARY KEY,
			child_id TEXT NOT NULL,
			name TEXT NOT NULL,
			recurrence TEXT NOT NULL,
			tan_type TEXT NOT NULL DEFAULT 'time',
			value_minutes INTEGER,
			scope_groups TEXT,
			expires_after_hours INTEGER NOT NULL DEFAULT 24,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (child_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS tan_schedule_logs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			generated_date DATE NOT NULL,
			generated_tan_id TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE (schedule_id, generated_date),
			FOREIGN KEY (schedule_id) REFERENCES tan_schedules(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS quest_templates (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			name TEXT NOT NULL,
			category TEXT,
			reward_minutes INTEGER NOT NULL DEFAULT 0,
			tan_groups TEXT,
			proof_type TEXT NOT NULL DEFAULT 'parent_confirm',
			ai_verify INTEGER NOT NULL DEFAULT 0,
			recurrence TEXT NOT NULL DEFAULT 'once',
			auto_detect_app TEXT,
			auto_detect_minutes INTEGER,
			streak_threshold INTEGER,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (family_id) REFERENCES families(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS quest_instances (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			child_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'available',
			claimed_at DATETIME,
			proof_url TEXT,
			reviewed_by TEXT,
			reviewed_at DATETIME,
			generated_tan_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (template_id) REFERENCES quest_templates(id) ON DELETE CASCADE,
			FOREIGN KEY (child_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_quests_child ON quest_instances(child_id, status);
		CREATE INDEX IF NOT EXISTS idx_quests_template ON quest_instances(template_id, child_id, created_at);

		CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			child_id TEXT NOT NULL,
			app_package TEXT,
			app_group_id TEXT,
			event_type TEXT NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			duration_seconds INTEGER,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_usage_device_created ON usage_events(device_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_usage_child_created ON usage_events(child_id, created_at);

		CREATE TABLE IF NOT EXISTS usage_reward_rules (
			id TEXT PRIMARY KEY,
			child_id TEXT NOT NULL,
			name TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			threshold_minutes INTEGER NOT NULL DEFAULT 0,
			target_group_id TEXT,
			streak_days INTEGER NOT NULL DEFAULT 0,
			reward_minutes INTEGER NOT NULL DEFAULT 0,
			reward_group_ids TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (child_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS usage_reward_logs (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			child_id TEXT NOT NULL,
			evaluated_date DATE NOT NULL,
			usage_minutes INTEGER NOT NULL DEFAULT 0,
			threshold_minutes INTEGER NOT NULL DEFAULT 0,
			rewarded INTEGER NOT NULL DEFAULT 0,
			generated_tan_id TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE (rule_id, evaluated_date),
			FOREIGN KEY (rule_id) REFERENCES usage_reward_rules(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS family_invitations (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			code TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			created_by TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			used_by TEXT,
			used_at DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (family_id) REFERENCES families(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			expires_at DATETIME NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// dateString normalizes a date column value. Dates are stored as
// YYYY-MM-DD in the caller's (family-local) calendar.
func dateString(t time.Time) string {
	return t.Format("2006-01-02")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// encodeStrings marshals a string slice for a TEXT column; nil stays NULL
func encodeStrings(v []string) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal string list: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeStrings(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal string list: %w", err)
	}
	return v, nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// CreateFamily creates a new family
func (s *Store) CreateFamily(ctx context.Context, family *core.Family) error {
	if err := family.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	family.CreatedAt = now
	family.UpdatedAt = now
	if family.Timezone == "" {
		family.Timezone = "UTC"
	}
	if family.Settings == "" {
		family.Settings = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO families (id, name, timezone, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, family.ID, family.Name, family.Timezone, family.Settings, family.CreatedAt, family.UpdatedAt)

	return err
}

// GetFamily retrieves a family by ID
func (s *Store) GetFamily(ctx context.Context, id string) (*core.Family, error) {
	var family core.Family

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, timezone, settings, created_at, updated_at
		FROM families WHERE id = ?
	`, id).Scan(&family.ID, &family.Name, &family.Timezone, &family.Settings,
		&family.CreatedAt, &family.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, core.ErrFamilyNotFound
	}
	if err != nil {
		return nil, err
	}

	return &family, nil
}

// ListFamilies retrieves all families
func (s *Store) ListFamilies(ctx context.Context) ([]*core.Family, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, timezone, settings, created_at, updated_at
		FROM families ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var families []*core.Family
	for rows.Next() {
		var family core.Family
		if err := rows.Scan(&family.ID, &family.Name, &family.Timezone, &family.Settings,
			&family.CreatedAt, &family.UpdatedAt); err != nil {
			return nil, err
		}
		families = append(families, &family)
	}

	return families, rows.Err()
}

// UpdateFamily updates an existing family
func (s *Store) UpdateFamily(ctx context.Context, family *core.Family) error {
	if err := family.Validate(); err != nil {
		return err
	}

	family.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE families SET name = ?, timezone = ?, settings = ?, updated_at = ?
		WHERE id = ?
	`, family.Name, family.Timezone, family.Settings, family.UpdatedAt, family.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrFamilyNotFound
	}

	return nil
}

// DeleteFamily deletes a family and everything it owns
func (s *Store) DeleteFamily(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM families WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrFamilyNotFound
	}

	return nil
}

// CreateUser creates a new user
func (s *Store) CreateUser(ctx context.Context, user *core.User) error {
	if err := user.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.TOTPMode == "" {
		user.TOTPMode = core.TOTPModeTAN
	}
	if user.TOTPTANMinutes == 0 {
		user.TOTPTANMinutes = 30
	}
	if user.TOTPOverrideMinutes == 0 {
		user.TOTPOverrideMinutes = 30
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, family_id, role, name, email, password_hash, pin_hash,
			totp_secret, totp_enabled, totp_mode, totp_tan_minutes, totp_override_minutes,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.FamilyID, user.Role, user.Name, nullString(user.Email),
		nullString(user.PasswordHash), nullString(user.PINHash), nullString(user.TOTPSecret),
		user.TOTPEnabled, user.TOTPMode, user.TOTPTANMinutes, user.TOTPOverrideMinutes,
		user.CreatedAt, user.UpdatedAt)

	return err
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (*core.User, error) {
	user, err := s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, family_id, role, name, email, password_hash, pin_hash,
			totp_secret, totp_enabled, totp_mode, totp_tan_minutes, totp_override_minutes,
			created_at, updated_at
		FROM users WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, core.ErrUserNotFound
	}
	return user, err
}

// ListChildren retrieves all child users of a family
func (s *Store) ListChildren(ctx context.Context, familyID string) ([]*core.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, role, name, email, password_hash, pin_hash,
			totp_secret, totp_enabled, totp_mode, totp_tan_minutes, totp_override_minutes,
			created_at, updated_at
		FROM users WHERE family_id = ? AND role = ? ORDER BY name
	`, familyID, core.RoleChild)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []*core.User
	for rows.Next() {
		user, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, user)
	}

	return children, rows.Err()
}

// UpdateUserTOTP updates a user's authenticator settings
func (s *Store) UpdateUserTOTP(ctx context.Context, userID string, secret string, enabled bool, mode core.TOTPMode, tanMinutes, overrideMinutes int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET totp_secret = ?, totp_enabled = ?, totp_mode = ?,
			totp_tan_minutes = ?, totp_override_minutes = ?, updated_at = ?
		WHERE id = ?
	`, nullString(secret), enabled, mode, tanMinutes, overrideMinutes, time.Now().UTC(), userID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrUserNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanUser(row rowScanner) (*core.User, error) {
	var user core.User
	var email, passwordHash, pinHash, totpSecret sql.NullString

	err := row.Scan(&user.ID, &user.FamilyID, &user.Role, &user.Name, &email,
		&passwordHash, &pinHash, &totpSecret, &user.TOTPEnabled, &user.TOTPMode,
		&user.TOTPTANMinutes, &user.TOTPOverrideMinutes, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}

	user.Email = email.String
	user.PasswordHash = passwordHash.String
	user.PINHash = pinHash.String
	user.TOTPSecret = totpSecret.String

	return &user, nil
}
