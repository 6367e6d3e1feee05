package storage

import (
	"context"
	"time"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out device_mock.go . DeviceStorage

// DeviceStorage defines persistence for the device registry.
type DeviceStorage interface {
	// SaveDevice inserts a new device row.
	SaveDevice(ctx context.Context, d *models.Device) error

	// GetDevice returns a device by id.
	// Returns ErrDeviceNotFound if it does not exist.
	GetDevice(ctx context.Context, id string) (*models.Device, error)

	// GetDeviceByFingerprint returns a device by its installation
	// fingerprint. Returns ErrDeviceNotFound if it does not exist.
	GetDeviceByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error)

	// TouchDevice updates last_seen_at.
	TouchDevice(ctx context.Context, id string, at time.Time) error

	// SetDeviceActive activates or deactivates a device. Devices are never
	// hard-deleted: their actor id stays referenced by document history.
	SetDeviceActive(ctx context.Context, id string, active bool) error
}
