package sqlite

import (
	"context"
	"database/sql"
	"time"

	"heimdall/internal/core"
)

// CreateInvitation creates a single-use family join code
func (s *Store) CreateInvitation(ctx context.Context, inv *core.FamilyInvitation) error {
	inv.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO family_invitations (id, family_id, code, role, created_by,
			expires_at, used_by, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.FamilyID, inv.Code, inv.Role, inv.CreatedBy, inv.ExpiresAt.UTC(),
		nullString(inv.UsedBy), nullTime(inv.UsedAt), inv.CreatedAt)

	return err
}

// GetInvitationByCode retrieves an invitation by its code
func (s *Store) GetInvitationByCode(ctx context.Context, code string) (*core.FamilyInvitation, error) {
	var inv core.FamilyInvitation
	var usedBy sql.NullString
	var usedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, family_id, code, role, created_by, expires_at, used_by, used_at, created_at
		FROM family_invitations WHERE code = ?
	`, code).Scan(&inv.ID, &inv.FamilyID, &inv.Code, &inv.Role, &inv.CreatedBy,
		&inv.ExpiresAt, &usedBy, &usedAt, &inv.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, core.ErrInvitationNotFound
	}
	if err != nil {
		return nil, err
	}

	inv.UsedBy = usedBy.String
	inv.UsedAt = timePtr(usedAt)

	return &inv, nil
}

// MarkInvitationUsed consumes an invitation; only unused ones transition
func (s *Store) MarkInvitationUsed(ctx context.Context, id, usedBy string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE family_invitations SET used_by = ?, used_at = ?
		WHERE id = ? AND used_at IS NULL
	`, usedBy, usedAt.UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrInvitationNotFound
	}

	return nil
}

// CreateRefreshToken stores a rotated refresh token
func (s *Store) CreateRefreshToken(ctx context.Context, token *core.RefreshToken) error {
	token.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt.UTC(), token.Revoked,
		token.CreatedAt)

	return err
}

// GetRefreshTokenByHash retrieves a refresh token by its hash
func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*core.RefreshToken, error) {
	var token core.RefreshToken

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked, created_at
		FROM refresh_tokens WHERE token_hash = ?
	`, tokenHash).Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt,
		&token.Revoked, &token.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, core.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	return &token, nil
}

// RevokeRefreshToken marks a token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1 WHERE id = ?
	`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTokenNotFound
	}

	return nil
}

// DeleteExpiredRefreshTokens removes tokens past their expiry
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at <= ?
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
