package sqlite

import (
	"context"
	"database/sql"
	"time"

	"heimdall/internal/core"
)

// CreateDevice creates a new device registration
func (s *Store) CreateDevice(ctx context.Context, device *core.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now
	if device.Status == "" {
		device.Status = core.DeviceStatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, child_id, name, type, device_identifier, device_token_hash,
			status, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, device.ID, device.ChildID, device.Name, device.Type, device.DeviceIdentifier,
		device.DeviceTokenHash, device.Status, nullTime(device.LastSeen),
		device.CreatedAt, device.UpdatedAt)

	if err != nil && isUniqueViolation(err) {
		return core.ErrDuplicateDevice
	}
	return err
}

// GetDevice retrieves a device by ID
func (s *Store) GetDevice(ctx context.Context, id string) (*core.Device, error) {
	device, err := s.scanDevice(s.db.QueryRowContext(ctx, `
		SELECT id, child_id, name, type, device_identifier, device_token_hash,
			status, last_seen, created_at, updated_at
		FROM devices WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, core.ErrDeviceNotFound
	}
	return device, err
}

// GetDeviceByTokenHash retrieves a device by its hashed token
func (s *Store) GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*core.Device, error) {
	device, err := s.scanDevice(s.db.QueryRowContext(ctx, `
		SELECT id, child_id, name, type, device_identifier, device_token_hash,
			status, last_seen, created_at, updated_at
		FROM devices WHERE device_token_hash = ?
	`, tokenHash))
	if err == sql.ErrNoRows {
		return nil, core.ErrDeviceNotFound
	}
	return device, err
}

// ListDevicesByChild retrieves all devices of a child
func (s *Store) ListDevicesByChild(ctx context.Context, childID string) ([]*core.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, child_id, name, type, device_identifier, device_token_hash,
			status, last_seen, created_at, updated_at
		FROM devices WHERE child_id = ? ORDER BY name
	`, childID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*core.Device
	for rows.Next() {
		device, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// UpdateDeviceLastSeen records agent contact on a device
func (s *Store) UpdateDeviceLastSeen(ctx context.Context, id string, seenAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_seen = ?, updated_at = ? WHERE id = ?
	`, seenAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrDeviceNotFound
	}

	return nil
}

// UpdateDeviceStatus changes a device's lifecycle state
func (s *Store) UpdateDeviceStatus(ctx context.Context, id string, status core.DeviceStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrDeviceNotFound
	}

	return nil
}

func (s *Store) scanDevice(row rowScanner) (*core.Device, error) {
	var device core.Device
	var lastSeen sql.NullTime

	err := row.Scan(&device.ID, &device.ChildID, &device.Name, &device.Type,
		&device.DeviceIdentifier, &device.DeviceTokenHash, &device.Status,
		&lastSeen, &device.CreatedAt, &device.UpdatedAt)
	if err != nil {
		return nil, err
	}

	device.LastSeen = timePtr(lastSeen)

	return &device, nil
}

// UpsertCoupling creates or replaces the coupling of a child
func (s *Store) UpsertCoupling(ctx context.Context, coupling *core.DeviceCoupling) error {
	now := time.Now().UTC()
	if coupling.CreatedAt.IsZero() {
		coupling.CreatedAt = now
	}
	coupling.UpdatedAt = now

	deviceIDs, err := encodeStrings(coupling.DeviceIDs)
	if err != nil {
		return err
	}
	if !deviceIDs.Valid {
		deviceIDs = sql.NullString{String: "[]", Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_couplings (id, child_id, device_ids, shared_budget, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(child_id) DO UPDATE SET
			device_ids = excluded.device_ids,
			shared_budget = excluded.shared_budget,
			updated_at = excluded.updated_at
	`, coupling.ID, coupling.ChildID, deviceIDs, coupling.SharedBudget,
		coupling.CreatedAt, coupling.UpdatedAt)

	return err
}

// GetCouplingByChild retrieves the coupling of a child, if any
func (s *Store) GetCouplingByChild(ctx context.Context, childID string) (*core.DeviceCoupling, error) {
	var coupling core.DeviceCoupling
	var deviceIDs sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, child_id, device_ids, shared_budget, created_at, updated_at
		FROM device_couplings WHERE child_id = ?
	`, childID).Scan(&coupling.ID, &coupling.ChildID, &deviceIDs,
		&coupling.SharedBudget, &coupling.CreatedAt, &coupling.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, core.ErrCouplingNotFound
	}
	if err != nil {
		return nil, err
	}

	coupling.DeviceIDs, err = decodeStrings(deviceIDs)
	if err != nil {
		return nil, err
	}

	return &coupling, nil
}

// DeleteCoupling removes the coupling of a child
func (s *Store) DeleteCoupling(ctx context.Context, childID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM device_couplings WHERE child_id = ?", childID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrCouplingNotFound
	}

	return nil
}
