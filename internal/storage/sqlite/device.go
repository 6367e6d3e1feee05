package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// SaveDevice inserts a new device row
func (s *Storage) SaveDevice(ctx context.Context, d *models.Device) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, fingerprint, device_name, device_type, platform,
			registered_at, last_sync_at, last_seen_at, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.Fingerprint,
		d.DeviceName,
		d.DeviceType,
		d.Platform,
		d.RegisteredAt.Unix(),
		nullableTime(d.LastSyncAt),
		nullableTime(d.LastSeenAt),
		boolToInt(d.IsActive),
	); err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	return nil
}

// GetDevice returns a device by id
func (s *Storage) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	return s.getDevice(ctx, `WHERE id = ?`, id)
}

// GetDeviceByFingerprint returns a device by its installation fingerprint
func (s *Storage) GetDeviceByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error) {
	return s.getDevice(ctx, `WHERE fingerprint = ?`, fingerprint)
}

func (s *Storage) getDevice(ctx context.Context, where string, arg interface{}) (*models.Device, error) {
	query := `
		SELECT id, fingerprint, device_name, device_type, platform,
		       registered_at, last_sync_at, last_seen_at, is_active
		FROM devices ` + where

	d := &models.Device{}
	var registeredAt int64
	var lastSyncAt, lastSeenAt sql.NullInt64
	var isActive int

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&d.ID,
		&d.Fingerprint,
		&d.DeviceName,
		&d.DeviceType,
		&d.Platform,
		&registeredAt,
		&lastSyncAt,
		&lastSeenAt,
		&isActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	d.RegisteredAt = unixToTime(registeredAt)
	d.LastSyncAt = scanNullableTime(lastSyncAt)
	d.LastSeenAt = scanNullableTime(lastSeenAt)
	d.IsActive = intToBool(isActive)

	return d, nil
}

// TouchDevice updates last_seen_at
func (s *Storage) TouchDevice(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`,
		at.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrDeviceNotFound
	}
	return nil
}

// SetDeviceActive activates or deactivates a device (никогда hard delete)
func (s *Storage) SetDeviceActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET is_active = ? WHERE id = ?`,
		boolToInt(active), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set device active: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrDeviceNotFound
	}
	return nil
}
