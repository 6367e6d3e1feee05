// Package docstore реализует CRDT Document Store: хранение causal-истории
// per-document и детерминированный пересчет слитого значения. Только этот
// пакет читает и пишет compressed_changes.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warebase/waresync/internal/crdt"
	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// PersistFunc долговечно фиксирует обновленный документ вместе с новой
// записью. Outbox-писатель передает сюда транзакционный CaptureChange,
// чтобы документ и outbox-строка записались в одной транзакции.
type PersistFunc func(ctx context.Context, doc *models.CrdtDocument, entry *models.ChangeEntry) error

// MergeOutcome результат применения удаленных записей к документу.
type MergeOutcome struct {
	Doc       *models.CrdtDocument
	Conflicts []crdt.FieldConflict
	Applied   int // количество новых записей, добавленных в граф
	NoOp      int // количество уже известных записей (идемпотентный повтор)
}

// Store управляет CRDT документами. Merge-операции сериализуются
// per-document: конкурентные записи в разные документы не блокируют друг
// друга, два merge одного документа взаимно исключены. Локи держатся
// только вокруг in-memory merge и локальной записи, никогда вокруг
// сетевого I/O.
type Store struct {
	documents storage.DocumentStorage
	snapshots storage.SnapshotStorage
	clock     *crdt.LamportClock
	logger    *slog.Logger
	locks     map[string]*sync.Mutex
	mu        sync.Mutex // защищает locks
}

// New создает Document Store.
func New(documents storage.DocumentStorage, snapshots storage.SnapshotStorage, clock *crdt.LamportClock, logger *slog.Logger) *Store {
	return &Store{
		documents: documents,
		snapshots: snapshots,
		clock:     clock,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockDocument возвращает мьютекс документа (lock striping по id).
func (s *Store) lockDocument(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// load загружает документ и его causal-граф; для нового документа
// возвращает пустую заготовку.
func (s *Store) load(ctx context.Context, docType models.DocumentType, recordID string) (*models.CrdtDocument, *crdt.Graph, error) {
	doc, err := s.documents.GetDocument(ctx, docType, recordID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return &models.CrdtDocument{
				ID:           uuid.New().String(),
				DocumentType: docType,
				RecordID:     recordID,
				ActorID:      s.clock.ActorID(),
			}, crdt.NewGraph(), nil
		}
		return nil, nil, fmt.Errorf("failed to load document: %w", err)
	}

	graph, err := crdt.DecodeHistory(doc.CompressedChanges)
	if err != nil {
		// Сжатая история нечитаема (version skew, поврежденный blob):
		// восстанавливаем граф из реляционного change log
		s.logger.Warn("Document history blob unreadable, rebuilding from change log",
			"document_type", string(docType),
			"record_id", recordID,
			"error", err)
		entries, logErr := s.documents.ChangeLog(ctx, docType, recordID)
		if logErr != nil {
			return nil, nil, fmt.Errorf("failed to decode document history: %w", err)
		}
		graph = crdt.NewGraph()
		for _, entry := range entries {
			graph.Add(entry)
		}
	}
	return doc, graph, nil
}

// ApplyLocal добавляет локальное изменение: новая запись получает parents =
// текущий frontier, seq = max(seq актора)+1 и Lamport timestamp. Heads
// пересчитываются, слитое значение обновляется. persist вызывается под
// локом документа, поэтому фиксация сериализована с другими merge.
func (s *Store) ApplyLocal(
	ctx context.Context,
	docType models.DocumentType,
	recordID string,
	op models.Operation,
	fields map[string]json.RawMessage,
	summary string,
	persist PersistFunc,
) (*models.CrdtDocument, *models.ChangeEntry, error) {
	docID := models.DocumentID(docType, recordID)
	lock := s.lockDocument(docID)
	lock.Lock()
	defer lock.Unlock()

	doc, graph, err := s.load(ctx, docType, recordID)
	if err != nil {
		return nil, nil, err
	}

	entry := &models.ChangeEntry{
		DocumentID: doc.ID,
		ActorID:    s.clock.ActorID(),
		Summary:    summary,
		Parents:    graph.Heads(),
		Fields:     fields,
		Operation:  op,
		Seq:        graph.MaxSeq(s.clock.ActorID()) + 1,
		Timestamp:  s.clock.Tick(),
	}

	hash, err := crdt.HashEntry(entry)
	if err != nil {
		return nil, nil, err
	}
	entry.ChangeHash = hash

	graph.Add(entry)
	result := crdt.Merge(docType, graph)

	if err := s.updateDocument(doc, graph, result); err != nil {
		return nil, nil, err
	}

	if err := persist(ctx, doc, entry); err != nil {
		// Фиксация не удалась: изменение не считается захваченным,
		// ошибка поднимается до вызывающей транзакции
		return nil, nil, err
	}

	s.writeSnapshot(ctx, docType, recordID, result.Value)
	return doc, entry, nil
}

// ApplyRemote применяет батч удаленных записей одного документа.
// Уже известные записи (по change_hash) пропускаются — повторная доставка
// идемпотентна. Конкурентные записи guarded-полей возвращаются как
// Conflicts, но граф и слитое значение фиксируются в любом случае.
func (s *Store) ApplyRemote(ctx context.Context, docType models.DocumentType, recordID string, entries []*models.ChangeEntry) (*MergeOutcome, error) {
	docID := models.DocumentID(docType, recordID)
	lock := s.lockDocument(docID)
	lock.Lock()
	defer lock.Unlock()

	doc, graph, err := s.load(ctx, docType, recordID)
	if err != nil {
		return nil, err
	}

	outcome := &MergeOutcome{}
	var novel []*models.ChangeEntry
	var maxTimestamp int64

	for _, entry := range entries {
		if graph.Contains(entry.ChangeHash) {
			outcome.NoOp++
			continue
		}
		remapped := entry.Clone()
		remapped.DocumentID = doc.ID
		graph.Add(remapped)
		novel = append(novel, remapped)
		outcome.Applied++
		if entry.Timestamp > maxTimestamp {
			maxTimestamp = entry.Timestamp
		}
	}

	if outcome.Applied == 0 {
		outcome.Doc = doc
		return outcome, nil
	}

	// Продвигаем Lamport clock по наблюдаемым удаленным событиям
	s.clock.Observe(maxTimestamp)

	result := crdt.Merge(docType, graph)
	outcome.Conflicts = result.Conflicts

	if err := s.updateDocument(doc, graph, result); err != nil {
		return nil, err
	}
	if err := s.documents.SaveDocument(ctx, doc, novel); err != nil {
		return nil, fmt.Errorf("failed to save merged document: %w", err)
	}

	s.writeSnapshot(ctx, docType, recordID, result.Value)
	outcome.Doc = doc
	return outcome, nil
}

// updateDocument переносит результат merge в документ: heads, версия,
// сжатая история. Версия только растет.
func (s *Store) updateDocument(doc *models.CrdtDocument, graph *crdt.Graph, result *crdt.MergeResult) error {
	blob, err := crdt.EncodeHistory(graph)
	if err != nil {
		return err
	}

	doc.Heads = result.Heads
	doc.CompressedChanges = blob
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// writeSnapshot обновляет read-side кэш слитого значения.
// Ошибка не фатальна: снимок можно пересчитать из истории.
func (s *Store) writeSnapshot(ctx context.Context, docType models.DocumentType, recordID string, value map[string]json.RawMessage) {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("Failed to marshal document snapshot",
			"document_type", docType, "record_id", recordID, "error", err)
		return
	}
	if err := s.snapshots.SaveSnapshot(ctx, docType, recordID, data); err != nil {
		s.logger.Warn("Failed to save document snapshot",
			"document_type", docType, "record_id", recordID, "error", err)
	}
}

// MergedValue возвращает слитое значение документа. Сначала пробует
// снимок, при его отсутствии пересчитывает из истории.
func (s *Store) MergedValue(ctx context.Context, docType models.DocumentType, recordID string) (map[string]json.RawMessage, error) {
	if data, err := s.snapshots.GetSnapshot(ctx, docType, recordID); err == nil {
		var value map[string]json.RawMessage
		if err := json.Unmarshal(data, &value); err == nil {
			return value, nil
		}
	}

	doc, err := s.documents.GetDocument(ctx, docType, recordID)
	if err != nil {
		return nil, err
	}
	graph, err := crdt.DecodeHistory(doc.CompressedChanges)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document history: %w", err)
	}

	result := crdt.Merge(docType, graph)
	s.writeSnapshot(ctx, docType, recordID, result.Value)
	return result.Value, nil
}

// History возвращает causal-граф документа для Conflict Resolver.
func (s *Store) History(ctx context.Context, docType models.DocumentType, recordID string) (*models.CrdtDocument, *crdt.Graph, error) {
	return s.load(ctx, docType, recordID)
}

// Resnapshot удаляет документ и его снимок для полного повторного снимка
// с авторитетной копии (version skew за пределами восстановимого окна).
func (s *Store) Resnapshot(ctx context.Context, docType models.DocumentType, recordID string) error {
	docID := models.DocumentID(docType, recordID)
	lock := s.lockDocument(docID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.documents.DeleteDocument(ctx, docType, recordID); err != nil && !errors.Is(err, storage.ErrDocumentNotFound) {
		return err
	}
	if err := s.snapshots.DeleteSnapshot(ctx, docType, recordID); err != nil && !errors.Is(err, storage.ErrDocumentNotFound) {
		return err
	}
	return nil
}
