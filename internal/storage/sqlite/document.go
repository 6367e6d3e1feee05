package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// SaveDocument upserts a CRDT document with the change-log rows of newly
// appended entries in one transaction.
func (s *Storage) SaveDocument(ctx context.Context, doc *models.CrdtDocument, newEntries []*models.ChangeEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback после commit безопасен

	if err := upsertDocumentTx(ctx, tx, doc, newEntries); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}

// upsertDocumentTx общая часть для SaveDocument, CaptureChange и
// ResolveConflict: документ и его change log пишутся только вместе.
func upsertDocumentTx(ctx context.Context, tx *sql.Tx, doc *models.CrdtDocument, newEntries []*models.ChangeEntry) error {
	heads, err := json.Marshal(doc.Heads)
	if err != nil {
		return fmt.Errorf("failed to marshal heads: %w", err)
	}

	query := `
		INSERT INTO crdt_documents (
			id, document_type, record_id, actor_id,
			heads, compressed_changes, version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_type, record_id) DO UPDATE SET
			heads = excluded.heads,
			compressed_changes = excluded.compressed_changes,
			version = excluded.version,
			updated_at = excluded.updated_at
	`

	if _, err := tx.ExecContext(ctx, query,
		doc.ID,
		string(doc.DocumentType),
		doc.RecordID,
		doc.ActorID,
		string(heads),
		doc.CompressedChanges,
		doc.Version,
		doc.UpdatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	for _, entry := range newEntries {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO crdt_change_log (
				document_id, change_hash, actor_id, seq_number, timestamp, operation_summary
			) VALUES (?, ?, ?, ?, ?, ?)
		`,
			doc.ID,
			entry.ChangeHash,
			entry.ActorID,
			entry.Seq,
			entry.Timestamp,
			entry.Summary,
		); err != nil {
			return fmt.Errorf("failed to append change log: %w", err)
		}
	}
	return nil
}

// GetDocument retrieves a document by (document_type, record_id)
func (s *Storage) GetDocument(ctx context.Context, docType models.DocumentType, recordID string) (*models.CrdtDocument, error) {
	query := `
		SELECT id, document_type, record_id, actor_id,
		       heads, compressed_changes, version, updated_at
		FROM crdt_documents
		WHERE document_type = ? AND record_id = ?
	`

	doc := &models.CrdtDocument{}
	var headsJSON string
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, query, string(docType), recordID).Scan(
		&doc.ID,
		&doc.DocumentType,
		&doc.RecordID,
		&doc.ActorID,
		&headsJSON,
		&doc.CompressedChanges,
		&doc.Version,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if err := json.Unmarshal([]byte(headsJSON), &doc.Heads); err != nil {
		return nil, fmt.Errorf("failed to unmarshal heads: %w", err)
	}
	doc.UpdatedAt = unixToTime(updatedAt)

	return doc, nil
}

// DeleteDocument removes a document; crdt_change_log rows cascade.
// Used for full re-snapshot recovery after unrecoverable version skew.
func (s *Storage) DeleteDocument(ctx context.Context, docType models.DocumentType, recordID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM crdt_documents WHERE document_type = ? AND record_id = ?`,
		string(docType), recordID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrDocumentNotFound
	}
	return nil
}

// ChangeLog returns the change-log projection of a document ordered by
// (timestamp, actor_id, seq_number)
func (s *Storage) ChangeLog(ctx context.Context, docType models.DocumentType, recordID string) ([]*models.ChangeEntry, error) {
	query := `
		SELECT l.document_id, l.change_hash, l.actor_id, l.seq_number, l.timestamp, l.operation_summary
		FROM crdt_change_log l
		JOIN crdt_documents d ON d.id = l.document_id
		WHERE d.document_type = ? AND d.record_id = ?
		ORDER BY l.timestamp ASC, l.actor_id ASC, l.seq_number ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(docType), recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var entries []*models.ChangeEntry
	for rows.Next() {
		entry := &models.ChangeEntry{}
		if err := rows.Scan(
			&entry.DocumentID,
			&entry.ChangeHash,
			&entry.ActorID,
			&entry.Seq,
			&entry.Timestamp,
			&entry.Summary,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change log row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return entries, nil
}
