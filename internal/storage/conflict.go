package storage

import (
	"context"
	"time"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out conflict_mock.go . ConflictStorage

// ConflictStorage defines persistence for sync conflicts.
type ConflictStorage interface {
	// CreateConflict stores a new unresolved conflict.
	CreateConflict(ctx context.Context, c *models.SyncConflict) error

	// GetConflict returns a conflict by id.
	// Returns ErrConflictNotFound if it does not exist.
	GetConflict(ctx context.Context, id string) (*models.SyncConflict, error)

	// UnresolvedConflicts returns all conflicts that have not reached a
	// terminal state. A conflict is never silently dropped: it stays here
	// until resolved.
	UnresolvedConflicts(ctx context.Context) ([]*models.SyncConflict, error)

	// UnresolvedConflictsBefore returns unresolved conflicts created before
	// the given time. Operator surface for stale-conflict reporting.
	UnresolvedConflictsBefore(ctx context.Context, before time.Time) ([]*models.SyncConflict, error)

	// UnresolvedCount returns the number of unresolved conflicts for a table.
	UnresolvedCount(ctx context.Context, table string) (int, error)

	// ResolveConflict writes the terminal conflict row, the updated
	// document (with its resolution entry) and the outgoing resolution
	// change in one atomic step. A nil doc and rec close the row alone:
	// the resolution was authored on another device and has already been
	// applied through the inbox.
	ResolveConflict(ctx context.Context, c *models.SyncConflict, doc *models.CrdtDocument, entry *models.ChangeEntry, rec *models.ChangeRecord) error
}
