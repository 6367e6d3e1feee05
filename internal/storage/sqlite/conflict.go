package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// CreateConflict stores a new unresolved conflict
func (s *Storage) CreateConflict(ctx context.Context, c *models.SyncConflict) error {
	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict fields: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (
			id, table_name, record_id, fields, local_hash, remote_hash,
			local_version, remote_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.TableName,
		c.RecordID,
		string(fields),
		c.LocalHash,
		c.RemoteHash,
		c.LocalVersion,
		c.RemoteVersion,
		c.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

// GetConflict returns a conflict by id
func (s *Storage) GetConflict(ctx context.Context, id string) (*models.SyncConflict, error) {
	row := s.db.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id)

	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrConflictNotFound
		}
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

// UnresolvedConflicts returns all conflicts that have not reached a terminal state
func (s *Storage) UnresolvedConflicts(ctx context.Context) ([]*models.SyncConflict, error) {
	return s.queryConflicts(ctx,
		conflictSelect+` WHERE resolved_at IS NULL ORDER BY created_at ASC`)
}

// UnresolvedConflictsBefore returns unresolved conflicts created before the
// given time
func (s *Storage) UnresolvedConflictsBefore(ctx context.Context, before time.Time) ([]*models.SyncConflict, error) {
	return s.queryConflicts(ctx,
		conflictSelect+` WHERE resolved_at IS NULL AND created_at < ? ORDER BY created_at ASC`,
		before.Unix())
}

// UnresolvedCount returns the number of unresolved conflicts for a table
func (s *Storage) UnresolvedCount(ctx context.Context, table string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE table_name = ? AND resolved_at IS NULL`,
		table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved conflicts: %w", err)
	}
	return count, nil
}

// ResolveConflict writes the terminal conflict row, the updated document and
// the outgoing resolution change in one atomic step. Конфликт либо достигает
// терминального состояния вместе с документом и outbox-строкой, либо
// остается Unresolved.
func (s *Storage) ResolveConflict(ctx context.Context, c *models.SyncConflict, doc *models.CrdtDocument, entry *models.ChangeEntry, rec *models.ChangeRecord) error {
	if c.ResolvedAt == nil {
		return fmt.Errorf("conflict %s has no resolved_at", c.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Терминальность: обновляем только неразрешенные строки
	result, err := tx.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution = ?, resolution_strategy = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL
	`,
		c.Resolution,
		string(c.Strategy),
		c.ResolvedBy,
		c.ResolvedAt.Unix(),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrConflictResolved
	}

	// Резолюция с другого устройства закрывает строку конфликта без
	// локальной записи в документ или outbox
	if doc != nil {
		var newEntries []*models.ChangeEntry
		if entry != nil {
			newEntries = []*models.ChangeEntry{entry}
		}
		if err := upsertDocumentTx(ctx, tx, doc, newEntries); err != nil {
			return err
		}
	}

	if rec != nil {
		if err := enqueueOutboxTx(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict resolution: %w", err)
	}
	return nil
}

const conflictSelect = `
	SELECT id, table_name, record_id, fields, local_hash, remote_hash,
	       local_version, remote_version, resolution, resolution_strategy,
	       resolved_by, created_at, resolved_at
	FROM sync_conflicts`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row rowScanner) (*models.SyncConflict, error) {
	c := &models.SyncConflict{}
	var fieldsJSON string
	var strategy, resolvedBy sql.NullString
	var createdAt int64
	var resolvedAt sql.NullInt64

	if err := row.Scan(
		&c.ID,
		&c.TableName,
		&c.RecordID,
		&fieldsJSON,
		&c.LocalHash,
		&c.RemoteHash,
		&c.LocalVersion,
		&c.RemoteVersion,
		&c.Resolution,
		&strategy,
		&resolvedBy,
		&createdAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflict fields: %w", err)
	}
	c.Strategy = models.ResolutionStrategy(strategy.String)
	c.ResolvedBy = resolvedBy.String
	c.CreatedAt = unixToTime(createdAt)
	c.ResolvedAt = scanNullableTime(resolvedAt)

	return c, nil
}

func (s *Storage) queryConflicts(ctx context.Context, query string, args ...interface{}) ([]*models.SyncConflict, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var conflicts []*models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return conflicts, nil
}
