// Package outbox реализует Change Capture: перехват локальных мутаций
// реплицируемых таблиц и долговечную запись изменений в очередь доставки.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warebase/waresync/internal/docstore"
	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

//go:generate moq -out writer_mock.go . ChangeCapture

// ChangeCapture определяет интерфейс захвата локальных изменений.
type ChangeCapture interface {
	// RecordChange фиксирует локальную мутацию реплицируемой таблицы.
	RecordChange(ctx context.Context, docType models.DocumentType, recordID string, op models.Operation, fields map[string]json.RawMessage, summary string) (*models.ChangeRecord, error)
}

// Writer пишет изменения в outbox write-ahead дисциплиной: документ,
// change log, outbox-строка и счетчик pending фиксируются одной
// транзакцией. Ошибка фиксации поднимается к вызывающему, чтобы его
// локальная транзакция откатилась.
type Writer struct {
	store  *docstore.Store
	outbox storage.OutboxStorage
	logger *slog.Logger
}

// NewWriter создает Change Capture writer.
func NewWriter(store *docstore.Store, outbox storage.OutboxStorage, logger *slog.Logger) *Writer {
	return &Writer{
		store:  store,
		outbox: outbox,
		logger: logger,
	}
}

// RecordChange фиксирует локальную мутацию. Версия назначается монотонно
// в рамках таблицы при записи в outbox.
func (w *Writer) RecordChange(
	ctx context.Context,
	docType models.DocumentType,
	recordID string,
	op models.Operation,
	fields map[string]json.RawMessage,
	summary string,
) (*models.ChangeRecord, error) {
	if !models.KnownDocumentType(docType) {
		return nil, fmt.Errorf("unknown document type %q", docType)
	}

	var captured *models.ChangeRecord

	persist := func(ctx context.Context, doc *models.CrdtDocument, entry *models.ChangeEntry) error {
		payload, err := models.EncodeChangePayload(&models.ChangePayload{
			DocumentType:  docType,
			SchemaVersion: models.PayloadSchemaVersion,
			Entry:         *entry,
		})
		if err != nil {
			return err
		}

		rec := &models.ChangeRecord{
			CreatedAt:  time.Now().UTC(),
			ID:         uuid.New().String(),
			TableName:  string(docType),
			RecordID:   recordID,
			ChangeHash: entry.ChangeHash,
			ActorID:    entry.ActorID,
			Operation:  op,
			Payload:    payload,
		}

		if err := w.outbox.CaptureChange(ctx, doc, entry, rec); err != nil {
			return fmt.Errorf("failed to capture change: %w", err)
		}
		captured = rec
		return nil
	}

	_, entry, err := w.store.ApplyLocal(ctx, docType, recordID, op, fields, summary, persist)
	if err != nil {
		return nil, err
	}

	w.logger.Debug("Captured local change",
		"table", docType,
		"record_id", recordID,
		"operation", op,
		"change_hash", entry.ChangeHash,
		"version", captured.Version)

	return captured, nil
}
