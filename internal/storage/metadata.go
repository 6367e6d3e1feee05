package storage

import (
	"context"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out metadata_mock.go . MetadataStorage

// MetadataStorage defines device-local sync metadata.
type MetadataStorage interface {
	// SaveLastServerVersion saves the pull cursor after a successful cycle.
	SaveLastServerVersion(ctx context.Context, version int64) error

	// GetLastServerVersion returns the pull cursor, 0 if never synced.
	GetLastServerVersion(ctx context.Context) (int64, error)

	// SaveClockTimestamp persists the Lamport clock for restart recovery.
	SaveClockTimestamp(ctx context.Context, timestamp int64) error

	// GetClockTimestamp returns the persisted Lamport clock, 0 if unset.
	GetClockTimestamp(ctx context.Context) (int64, error)

	// SaveDeviceIdentity persists the installation's device id and
	// fingerprint. Written once, on first start.
	SaveDeviceIdentity(ctx context.Context, deviceID, fingerprint string) error

	// GetDeviceIdentity returns the stored identity, empty strings if the
	// installation has not been initialized yet.
	GetDeviceIdentity(ctx context.Context) (deviceID, fingerprint string, err error)
}

//go:generate moq -out snapshot_mock.go . SnapshotStorage

// SnapshotStorage defines the read-side cache of merged document values.
// Domain modules read merged state from here; they never parse the
// compressed history.
type SnapshotStorage interface {
	// SaveSnapshot stores the merged value of a document.
	SaveSnapshot(ctx context.Context, docType models.DocumentType, recordID string, value []byte) error

	// GetSnapshot returns the merged value of a document.
	// Returns ErrDocumentNotFound if no snapshot exists.
	GetSnapshot(ctx context.Context, docType models.DocumentType, recordID string) ([]byte, error)

	// DeleteSnapshot removes a document snapshot.
	DeleteSnapshot(ctx context.Context, docType models.DocumentType, recordID string) error
}
