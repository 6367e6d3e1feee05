package storage

import (
	"context"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out status_mock.go . StatusStorage

// StatusStorage defines persistence for per-table sync status rows.
type StatusStorage interface {
	// UpsertStatus creates or replaces the status row for a table.
	UpsertStatus(ctx context.Context, st *models.SyncStatus) error

	// GetStatus returns the status row for a table.
	// Returns ErrStatusNotFound if no sync has ever touched the table.
	GetStatus(ctx context.Context, table string) (*models.SyncStatus, error)

	// AllStatuses returns status rows for every known table.
	AllStatuses(ctx context.Context) ([]*models.SyncStatus, error)
}
