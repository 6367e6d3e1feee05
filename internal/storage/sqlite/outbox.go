package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warebase/waresync/internal/models"
)

// CaptureChange durably persists a local change in one transaction:
// document upsert + change log + outbox row + pending counter. Крэш между
// мутацией и outbox-записью невозможен: либо все, либо ничего.
func (s *Storage) CaptureChange(ctx context.Context, doc *models.CrdtDocument, entry *models.ChangeEntry, rec *models.ChangeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertDocumentTx(ctx, tx, doc, []*models.ChangeEntry{entry}); err != nil {
		return err
	}

	if err := enqueueOutboxTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit change capture: %w", err)
	}
	return nil
}

// enqueueOutboxTx ставит запись в outbox внутри открытой транзакции и
// инкрементирует pending-счетчик таблицы.
func enqueueOutboxTx(ctx context.Context, tx *sql.Tx, rec *models.ChangeRecord) error {
	// Монотонная версия в рамках таблицы
	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM sync_outbox WHERE table_name = ?`,
		rec.TableName,
	).Scan(&version); err != nil {
		return fmt.Errorf("failed to assign table version: %w", err)
	}
	rec.Version = version
	rec.DeliveryState = models.DeliveryPending

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_outbox (
			id, table_name, record_id, operation, payload,
			change_hash, actor_id, version, delivery_state, created_at
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
		string(rec.DeliveryState),
		rec.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to enqueue outbox row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_status (table_name, pending_changes)
		VALUES (?, 1)
		ON CONFLICT (table_name) DO UPDATE SET pending_changes = pending_changes + 1
	`, rec.TableName); err != nil {
		return fmt.Errorf("failed to bump pending counter: %w", err)
	}
	return nil
}

// UndeliveredBatch returns up to limit rows still needing delivery:
// pending rows and sent rows whose ack was lost (at-least-once)
func (s *Storage) UndeliveredBatch(ctx context.Context, limit int) ([]*models.ChangeRecord, error) {
	query := `
		SELECT id, table_name, record_id, operation, payload,
		       change_hash, actor_id, version, delivery_state,
		       created_at, sent_at, acknowledged_at, retry_count, last_error
		FROM sync_outbox
		WHERE acknowledged_at IS NULL AND delivery_state != 'failed'
		ORDER BY created_at ASC, version ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered batch: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return scanOutboxRows(rows)
}

// MarkSent records the send attempt time for the given rows
func (s *Storage) MarkSent(ctx context.Context, ids []string, at time.Time) error {
	return s.updateOutboxRows(ctx, ids,
		`UPDATE sync_outbox SET sent_at = ?, delivery_state = 'sent' WHERE id IN (%s)`,
		at.Unix())
}

// MarkAcknowledged records explicit server acknowledgment.
// Идемпотентно: уже подтвержденная строка сохраняет исходный acknowledged_at.
func (s *Storage) MarkAcknowledged(ctx context.Context, ids []string, at time.Time) error {
	return s.updateOutboxRows(ctx, ids,
		`UPDATE sync_outbox SET acknowledged_at = ?, delivery_state = 'acknowledged'
		 WHERE id IN (%s) AND acknowledged_at IS NULL`,
		at.Unix())
}

// IncrementRetry bumps retry_count and records the transport error
func (s *Storage) IncrementRetry(ctx context.Context, ids []string, lastError string) error {
	return s.updateOutboxRows(ctx, ids,
		`UPDATE sync_outbox SET retry_count = retry_count + 1, last_error = ? WHERE id IN (%s)`,
		lastError)
}

// MarkFailed marks a row permanently failed after exceeding the retry budget
func (s *Storage) MarkFailed(ctx context.Context, id, lastError string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_outbox SET delivery_state = 'failed', last_error = ? WHERE id = ?`,
		lastError, id,
	); err != nil {
		return fmt.Errorf("failed to mark outbox row failed: %w", err)
	}
	return nil
}

// PendingCount returns the number of undelivered rows for a table
func (s *Storage) PendingCount(ctx context.Context, table string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_outbox
		WHERE table_name = ? AND acknowledged_at IS NULL AND delivery_state != 'failed'
	`, table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending rows: %w", err)
	}
	return count, nil
}

// FailedCount returns the number of permanently failed rows for a table
func (s *Storage) FailedCount(ctx context.Context, table string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE table_name = ? AND delivery_state = 'failed'`,
		table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed rows: %w", err)
	}
	return count, nil
}

// updateOutboxRows выполняет массовое обновление по списку id
func (s *Storage) updateOutboxRows(ctx context.Context, ids []string, queryTemplate string, arg interface{}) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, arg)
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(queryTemplate, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update outbox rows: %w", err)
	}
	return nil
}

// scanOutboxRows is a helper to scan outbox rows
func scanOutboxRows(rows *sql.Rows) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord

	for rows.Next() {
		rec := &models.ChangeRecord{}
		var createdAt int64
		var sentAt, ackedAt sql.NullInt64

		if err := rows.Scan(
			&rec.ID,
			&rec.TableName,
			&rec.RecordID,
			&rec.Operation,
			&rec.Payload,
			&rec.ChangeHash,
			&rec.ActorID,
			&rec.Version,
			&rec.DeliveryState,
			&createdAt,
			&sentAt,
			&ackedAt,
			&rec.RetryCount,
			&rec.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}

		rec.CreatedAt = unixToTime(createdAt)
		rec.SentAt = scanNullableTime(sentAt)
		rec.AcknowledgedAt = scanNullableTime(ackedAt)

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}
