package storage

import (
	"context"
	"time"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out inbox_mock.go . InboxStorage

// InboxStorage defines the durable queue of remote changes pending local
// application.
type InboxStorage interface {
	// Insert stores a received change record. Returns false without error if
	// a record with the same change id already exists (re-delivered batch).
	Insert(ctx context.Context, rec *models.ChangeRecord) (bool, error)

	// UnappliedBatch returns up to limit rows that are neither applied nor
	// quarantined, ordered by server_version.
	UnappliedBatch(ctx context.Context, limit int) ([]*models.ChangeRecord, error)

	// MarkApplied records successful application of a row.
	MarkApplied(ctx context.Context, id string, at time.Time) error

	// MarkConflict flags a row whose merge produced a sync conflict.
	MarkConflict(ctx context.Context, id string) error

	// Quarantine records a permanent per-row failure (malformed payload,
	// schema mismatch). The row is kept with last_error for inspection and
	// never retried.
	Quarantine(ctx context.Context, id, reason string) error

	// IsApplied reports whether a change with the given hash has already
	// been applied for the document.
	IsApplied(ctx context.Context, table, recordID, changeHash string) (bool, error)

	// MaxServerVersion returns the highest server_version ever stored,
	// used as the pull cursor.
	MaxServerVersion(ctx context.Context) (int64, error)

	// PurgeRecord removes every inbox row of one record so its remote
	// history can be pulled and applied again after a local re-snapshot.
	PurgeRecord(ctx context.Context, table, recordID string) error
}
