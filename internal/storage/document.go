package storage

import (
	"context"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out document_mock.go . DocumentStorage

// DocumentStorage defines persistence for CRDT documents and their
// change-log projection. The compressed history blob is opaque to every
// caller except the Document Store.
type DocumentStorage interface {
	// SaveDocument upserts a document together with the change-log rows of
	// newly appended entries, in one transaction.
	SaveDocument(ctx context.Context, doc *models.CrdtDocument, newEntries []*models.ChangeEntry) error

	// GetDocument returns the document for (document_type, record_id).
	// Returns ErrDocumentNotFound if it does not exist.
	GetDocument(ctx context.Context, docType models.DocumentType, recordID string) (*models.CrdtDocument, error)

	// DeleteDocument removes a document and, via cascade, its change log.
	// Used for full re-snapshot recovery after unrecoverable version skew.
	DeleteDocument(ctx context.Context, docType models.DocumentType, recordID string) error

	// ChangeLog returns the change-log rows of a document ordered by
	// (timestamp, actor_id, seq).
	ChangeLog(ctx context.Context, docType models.DocumentType, recordID string) ([]*models.ChangeEntry, error)
}
