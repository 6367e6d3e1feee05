// Package inbox реализует Inbox Processor: прием удаленных батчей,
// дедупликацию и применение изменений через Document Store.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warebase/waresync/internal/crdt"
	"github.com/warebase/waresync/internal/docstore"
	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// IngestReport итог обработки одного батча.
type IngestReport struct {
	Received    int // всего записей в батче
	Duplicates  int // повторно доставленные, уже примененные записи
	Applied     int // успешно примененные записи
	NoOp        int // записи, чьи изменения уже были в графе
	Conflicts   int // записи, породившие SyncConflict
	Quarantined int // записи с неразборным payload или schema mismatch
	Errors      int // записи, чье применение упало на storage-ошибке
}

// Processor применяет входящие батчи per-document: сбой одной записи
// никогда не блокирует остальные записи батча.
type Processor struct {
	store     *docstore.Store
	inbox     storage.InboxStorage
	conflicts storage.ConflictStorage
	logger    *slog.Logger
	actorID   string
}

// NewProcessor создает Inbox Processor.
func NewProcessor(store *docstore.Store, inbox storage.InboxStorage, conflicts storage.ConflictStorage, actorID string, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		inbox:     inbox,
		conflicts: conflicts,
		logger:    logger,
		actorID:   actorID,
	}
}

// Ingest принимает батч удаленных изменений. Дедупликация по
// (table, record, change_hash): повторная доставка примененного батча —
// no-op. Батч не глобально-транзакционен: каждая запись применяется
// независимо.
func (p *Processor) Ingest(ctx context.Context, batch []*models.ChangeRecord) (*IngestReport, error) {
	report := &IngestReport{Received: len(batch)}

	for _, rec := range batch {
		if err := p.ingestOne(ctx, rec, report); err != nil {
			// Storage-сбой одной записи: фиксируем и продолжаем батч
			p.logger.Error("Failed to ingest change",
				"change_id", rec.ID,
				"table", rec.TableName,
				"record_id", rec.RecordID,
				"error", err)
			report.Errors++
		}
	}

	p.logger.Info("Ingested inbox batch",
		"received", report.Received,
		"applied", report.Applied,
		"duplicates", report.Duplicates,
		"no_op", report.NoOp,
		"conflicts", report.Conflicts,
		"quarantined", report.Quarantined,
		"errors", report.Errors)

	return report, nil
}

// ReplayUnapplied доигрывает строки inbox, принятые, но не примененные
// (крэш между pull и применением). Вызывается при рестарте до первого
// sync-цикла.
func (p *Processor) ReplayUnapplied(ctx context.Context, batchSize int) (*IngestReport, error) {
	total := &IngestReport{}
	for {
		batch, err := p.inbox.UnappliedBatch(ctx, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to load unapplied inbox rows: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		report, err := p.Ingest(ctx, batch)
		if err != nil {
			return total, err
		}
		total.Received += report.Received
		total.Applied += report.Applied
		total.Duplicates += report.Duplicates
		total.NoOp += report.NoOp
		total.Conflicts += report.Conflicts
		total.Quarantined += report.Quarantined
		total.Errors += report.Errors

		// Строки, упавшие на storage-ошибке, остаются unapplied:
		// не зацикливаемся на них в рамках одного рестарта
		if report.Errors > 0 || len(batch) < batchSize {
			return total, nil
		}
	}
}

// HighWatermark возвращает максимальный server_version среди принятых
// строк inbox. Курсор pull не должен быть ниже этой отметки.
func (p *Processor) HighWatermark(ctx context.Context) (int64, error) {
	return p.inbox.MaxServerVersion(ctx)
}

func (p *Processor) ingestOne(ctx context.Context, rec *models.ChangeRecord, report *IngestReport) error {
	inserted, err := p.inbox.Insert(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		applied, err := p.inbox.IsApplied(ctx, rec.TableName, rec.RecordID, rec.ChangeHash)
		if err != nil {
			return err
		}
		if applied {
			report.Duplicates++
			return nil
		}
		// Строка лежала в inbox, но применена не была (крэш между
		// приемом и применением) — применяем сейчас
	}

	payload, err := models.DecodeChangePayload(rec.Payload)
	if err != nil {
		// Schema mismatch или мусор: карантин одной записи,
		// батч продолжается
		report.Quarantined++
		if qerr := p.inbox.Quarantine(ctx, rec.ID, err.Error()); qerr != nil {
			return qerr
		}
		p.logger.Warn("Quarantined inbox change",
			"change_id", rec.ID, "table", rec.TableName, "error", err)
		return nil
	}

	if string(payload.DocumentType) != rec.TableName {
		report.Quarantined++
		reason := fmt.Sprintf("payload document type %q does not match table %q", payload.DocumentType, rec.TableName)
		if qerr := p.inbox.Quarantine(ctx, rec.ID, reason); qerr != nil {
			return qerr
		}
		return nil
	}

	outcome, err := p.store.ApplyRemote(ctx, payload.DocumentType, rec.RecordID, []*models.ChangeEntry{&payload.Entry})
	if err != nil {
		return err
	}

	if payload.Resolution != "" {
		if err := p.closeResolved(ctx, rec, payload); err != nil {
			return err
		}
	}

	if outcome.Applied == 0 {
		report.NoOp++
		return p.inbox.MarkApplied(ctx, rec.ID, time.Now().UTC())
	}

	if len(outcome.Conflicts) > 0 {
		if err := p.recordConflict(ctx, rec, outcome); err != nil {
			return err
		}
		report.Conflicts++
		return p.inbox.MarkConflict(ctx, rec.ID)
	}

	report.Applied++
	return p.inbox.MarkApplied(ctx, rec.ID, time.Now().UTC())
}

// closeResolved закрывает открытые конфликты, чьи обе head-записи
// каузально доминированы пришедшей resolution-записью: противоречие уже
// разрешено на другом устройстве, локальная строка переводится в
// терминальное состояние без новой записи в историю.
func (p *Processor) closeResolved(ctx context.Context, rec *models.ChangeRecord, payload *models.ChangePayload) error {
	open, err := p.conflicts.UnresolvedConflicts(ctx)
	if err != nil {
		return err
	}

	var graph *crdt.Graph
	for _, c := range open {
		if c.TableName != rec.TableName || c.RecordID != rec.RecordID {
			continue
		}
		if graph == nil {
			if _, graph, err = p.store.History(ctx, payload.DocumentType, rec.RecordID); err != nil {
				return err
			}
		}
		if !graph.IsAncestor(c.LocalHash, payload.Entry.ChangeHash) ||
			!graph.IsAncestor(c.RemoteHash, payload.Entry.ChangeHash) {
			continue
		}

		resolution, err := json.Marshal(payload.Entry.Fields)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		c.Resolution = resolution
		c.Strategy = payload.Resolution
		c.ResolvedBy = payload.Entry.ActorID
		c.ResolvedAt = &now

		if err := p.conflicts.ResolveConflict(ctx, c, nil, nil, nil); err != nil {
			if errors.Is(err, storage.ErrConflictResolved) {
				continue
			}
			return fmt.Errorf("failed to close superseded conflict: %w", err)
		}

		p.logger.Info("Closed conflict resolved on another device",
			"conflict_id", c.ID,
			"table", c.TableName,
			"record_id", c.RecordID,
			"resolved_by", c.ResolvedBy,
			"strategy", string(c.Strategy))
	}
	return nil
}

// recordConflict создает ровно одну SyncConflict-строку на конкурентную
// несовместимую запись. Уже открытый конфликт по той же паре head-записей
// не дублируется при повторной доставке.
func (p *Processor) recordConflict(ctx context.Context, rec *models.ChangeRecord, outcome *docstore.MergeOutcome) error {
	localWrite, remoteWrite := p.pickSides(outcome.Conflicts)

	open, err := p.conflicts.UnresolvedConflicts(ctx)
	if err != nil {
		return err
	}
	for _, c := range open {
		if c.TableName == rec.TableName && c.RecordID == rec.RecordID &&
			c.LocalHash == localWrite.ChangeHash && c.RemoteHash == remoteWrite.ChangeHash {
			return nil
		}
	}

	fields := make([]string, 0, len(outcome.Conflicts))
	for _, fc := range outcome.Conflicts {
		fields = append(fields, fc.Field)
	}

	conflict := &models.SyncConflict{
		CreatedAt:     time.Now().UTC(),
		ID:            uuid.New().String(),
		TableName:     rec.TableName,
		RecordID:      rec.RecordID,
		LocalHash:     localWrite.ChangeHash,
		RemoteHash:    remoteWrite.ChangeHash,
		Fields:        fields,
		LocalVersion:  localWrite.Timestamp,
		RemoteVersion: remoteWrite.Timestamp,
	}

	if err := p.conflicts.CreateConflict(ctx, conflict); err != nil {
		return fmt.Errorf("failed to create sync conflict: %w", err)
	}

	p.logger.Warn("Recorded sync conflict",
		"conflict_id", conflict.ID,
		"table", conflict.TableName,
		"record_id", conflict.RecordID,
		"fields", fields)
	return nil
}

// pickSides выбирает локальную и удаленную стороны конфликта из
// конкурентных live-записей.
func (p *Processor) pickSides(conflicts []crdt.FieldConflict) (local, remote *models.ChangeEntry) {
	writes := conflicts[0].Writes
	for _, w := range writes {
		if w.ActorID == p.actorID && local == nil {
			local = w
		}
		if w.ActorID != p.actorID && remote == nil {
			remote = w
		}
	}
	// Конфликт между двумя чужими акторами: local = LWW-победитель
	if local == nil {
		local = writes[0]
	}
	if remote == nil {
		remote = writes[len(writes)-1]
	}
	return local, remote
}
