package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warebase/waresync/internal/models"
)

// Insert stores a received change record.
// Возвращает false без ошибки, если изменение уже присутствует
// (повторная доставка батча — no-op).
func (s *Storage) Insert(ctx context.Context, rec *models.ChangeRecord) (bool, error) {
	receivedAt := rec.ReceivedAt
	if receivedAt == nil {
		now := time.Now().UTC()
		receivedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_inbox (
			id, table_name, record_id, operation, payload,
			change_hash, actor_id, server_version, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.TableName,
		rec.RecordID,
		string(rec.Operation),
		rec.Payload,
		rec.ChangeHash,
		rec.ActorID,
		rec.ServerVersion,
		receivedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert inbox row: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// UnappliedBatch returns up to limit rows that are neither applied nor
// quarantined, ordered by server_version
func (s *Storage) UnappliedBatch(ctx context.Context, limit int) ([]*models.ChangeRecord, error) {
	query := `
		SELECT id, table_name, record_id, operation, payload,
		       change_hash, actor_id, server_version, received_at,
		       applied_at, conflict_resolved, last_error
		FROM sync_inbox
		WHERE applied_at IS NULL AND quarantined = 0
		ORDER BY server_version ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unapplied batch: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var records []*models.ChangeRecord
	for rows.Next() {
		rec := &models.ChangeRecord{}
		var receivedAt int64
		var appliedAt sql.NullInt64
		var conflictResolved int

		if err := rows.Scan(
			&rec.ID,
			&rec.TableName,
			&rec.RecordID,
			&rec.Operation,
			&rec.Payload,
			&rec.ChangeHash,
			&rec.ActorID,
			&rec.ServerVersion,
			&receivedAt,
			&appliedAt,
			&conflictResolved,
			&rec.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan inbox row: %w", err)
		}

		t := unixToTime(receivedAt)
		rec.ReceivedAt = &t
		rec.AppliedAt = scanNullableTime(appliedAt)
		rec.ConflictResolved = intToBool(conflictResolved)

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

// MarkApplied records successful application of a row
func (s *Storage) MarkApplied(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_inbox SET applied_at = ? WHERE id = ?`,
		at.Unix(), id,
	); err != nil {
		return fmt.Errorf("failed to mark inbox row applied: %w", err)
	}
	return nil
}

// MarkConflict flags a row whose merge produced a sync conflict.
// Строка считается примененной: конфликт живет дальше в sync_conflicts.
func (s *Storage) MarkConflict(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_inbox SET conflict_resolved = 0, applied_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), id,
	); err != nil {
		return fmt.Errorf("failed to mark inbox row conflicted: %w", err)
	}
	return nil
}

// Quarantine records a permanent per-row failure.
// Карантин не блокирует остальные строки батча.
func (s *Storage) Quarantine(ctx context.Context, id, reason string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_inbox SET quarantined = 1, last_error = ? WHERE id = ?`,
		reason, id,
	); err != nil {
		return fmt.Errorf("failed to quarantine inbox row: %w", err)
	}
	return nil
}

// IsApplied reports whether a change with the given hash has already been
// applied for the document
func (s *Storage) IsApplied(ctx context.Context, table, recordID, changeHash string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_inbox
		WHERE table_name = ? AND record_id = ? AND change_hash = ? AND applied_at IS NOT NULL
	`, table, recordID, changeHash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check applied change: %w", err)
	}
	return count > 0, nil
}

// MaxServerVersion returns the highest server_version ever stored
func (s *Storage) MaxServerVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(server_version), 0) FROM sync_inbox`,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get max server version: %w", err)
	}
	return version, nil
}

// PurgeRecord removes every inbox row of one record so its remote history
// can be pulled and applied again after a local re-snapshot
func (s *Storage) PurgeRecord(ctx context.Context, table, recordID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_inbox WHERE table_name = ? AND record_id = ?`,
		table, recordID,
	)
	if err != nil {
		return fmt.Errorf("failed to purge inbox rows: %w", err)
	}
	return nil
}
