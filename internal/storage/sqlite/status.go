package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// UpsertStatus creates or replaces the status row for a table
func (s *Storage) UpsertStatus(ctx context.Context, st *models.SyncStatus) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (
			table_name, last_sync_at, last_sync_version,
			pending_changes, sync_errors, last_error
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_sync_version = excluded.last_sync_version,
			pending_changes = excluded.pending_changes,
			sync_errors = excluded.sync_errors,
			last_error = excluded.last_error
	`,
		st.TableName,
		nullableTime(st.LastSyncAt),
		st.LastSyncVersion,
		st.PendingChanges,
		st.SyncErrors,
		st.LastError,
	); err != nil {
		return fmt.Errorf("failed to upsert sync status: %w", err)
	}
	return nil
}

// GetStatus returns the status row for a table
func (s *Storage) GetStatus(ctx context.Context, table string) (*models.SyncStatus, error) {
	st := &models.SyncStatus{}
	var lastSyncAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT table_name, last_sync_at, last_sync_version,
		       pending_changes, sync_errors, last_error
		FROM sync_status
		WHERE table_name = ?
	`, table).Scan(
		&st.TableName,
		&lastSyncAt,
		&st.LastSyncVersion,
		&st.PendingChanges,
		&st.SyncErrors,
		&st.LastError,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrStatusNotFound
		}
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}

	st.LastSyncAt = scanNullableTime(lastSyncAt)
	return st, nil
}

// AllStatuses returns status rows for every known table
func (s *Storage) AllStatuses(ctx context.Context) ([]*models.SyncStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, last_sync_at, last_sync_version,
		       pending_changes, sync_errors, last_error
		FROM sync_status
		ORDER BY table_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync statuses: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var statuses []*models.SyncStatus
	for rows.Next() {
		st := &models.SyncStatus{}
		var lastSyncAt sql.NullInt64

		if err := rows.Scan(
			&st.TableName,
			&lastSyncAt,
			&st.LastSyncVersion,
			&st.PendingChanges,
			&st.SyncErrors,
			&st.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}

		st.LastSyncAt = scanNullableTime(lastSyncAt)
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return statuses, nil
}
