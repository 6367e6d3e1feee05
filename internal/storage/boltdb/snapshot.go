package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// snapshotKey формирует ключ снимка по составному идентификатору документа
func snapshotKey(docType models.DocumentType, recordID string) []byte {
	return []byte(models.DocumentID(docType, recordID))
}

// SaveSnapshot stores the merged value of a document
func (s *Storage) SaveSnapshot(ctx context.Context, docType models.DocumentType, recordID string, value []byte) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if bucket == nil {
			return fmt.Errorf("snapshots bucket missing")
		}
		return bucket.Put(snapshotKey(docType, recordID), value)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the merged value of a document
func (s *Storage) GetSnapshot(ctx context.Context, docType models.DocumentType, recordID string) ([]byte, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if bucket == nil {
			return storage.ErrDocumentNotFound
		}
		data := bucket.Get(snapshotKey(docType, recordID))
		if data == nil {
			return storage.ErrDocumentNotFound
		}
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// DeleteSnapshot removes a document snapshot
func (s *Storage) DeleteSnapshot(ctx context.Context, docType models.DocumentType, recordID string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(snapshotKey(docType, recordID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
