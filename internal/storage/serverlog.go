package storage

import (
	"context"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out serverlog_mock.go . ServerLogStorage

// ServerLogStorage defines the server-side change log. Every accepted change
// gets a monotonically increasing server_version used as the pull cursor by
// devices.
type ServerLogStorage interface {
	// AppendChange stores a pushed change and assigns its server_version.
	// Idempotent on change identity: a re-pushed change id returns the
	// original server_version with inserted=false.
	AppendChange(ctx context.Context, rec *models.ChangeRecord) (serverVersion int64, inserted bool, err error)

	// ChangesSince returns up to limit changes with server_version greater
	// than since, excluding those produced by excludeActor, ordered by
	// server_version.
	ChangesSince(ctx context.Context, since int64, excludeActor string, limit int) ([]*models.ChangeRecord, error)

	// LatestServerVersion returns the highest assigned server_version.
	LatestServerVersion(ctx context.Context) (int64, error)
}
