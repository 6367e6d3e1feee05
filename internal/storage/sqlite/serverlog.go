package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/warebase/waresync/internal/models"
)

// AppendChange stores a pushed change and assigns its server_version.
// Идемпотентно по change id и по (table, record, change_hash): повторный
// push после потерянного ack возвращает исходный server_version с
// inserted=false, журнал не растет.
func (s *Storage) AppendChange(ctx context.Context, rec *models.ChangeRecord) (int64, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO server_change_log (
			change_id, table_name, record_id, operation, payload,
			change_hash, actor_id, version, created_at, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.TableName,
		rec.RecordID,
		string(rec.Operation),
		rec.Payload,
		rec.ChangeHash,
		rec.ActorID,
		rec.Version,
		rec.CreatedAt.Unix(),
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to append server change: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	// Дубликат мог прийти под другим change_id: ищем по содержимому
	var serverVersion int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT server_version FROM server_change_log
		WHERE table_name = ? AND record_id = ? AND change_hash = ?
	`, rec.TableName, rec.RecordID, rec.ChangeHash).Scan(&serverVersion); err != nil {
		return 0, false, fmt.Errorf("failed to get server version: %w", err)
	}

	return serverVersion, rows > 0, nil
}

// ChangesSince returns up to limit changes with server_version greater than
// since, excluding those produced by excludeActor
func (s *Storage) ChangesSince(ctx context.Context, since int64, excludeActor string, limit int) ([]*models.ChangeRecord, error) {
	query := `
		SELECT server_version, change_id, table_name, record_id, operation,
		       payload, change_hash, actor_id, version, created_at
		FROM server_change_log
		WHERE server_version > ? AND actor_id != ?
		ORDER BY server_version ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, since, excludeActor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query server changes: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var records []*models.ChangeRecord
	for rows.Next() {
		rec := &models.ChangeRecord{}
		var createdAt int64

		if err := rows.Scan(
			&rec.ServerVersion,
			&rec.ID,
			&rec.TableName,
			&rec.RecordID,
			&rec.Operation,
			&rec.Payload,
			&rec.ChangeHash,
			&rec.ActorID,
			&rec.Version,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan server change row: %w", err)
		}

		rec.CreatedAt = unixToTime(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

// LatestServerVersion returns the highest assigned server_version
func (s *Storage) LatestServerVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(server_version), 0) FROM server_change_log`,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest server version: %w", err)
	}
	return version, nil
}
