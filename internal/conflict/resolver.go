// Package conflict реализует Conflict Resolver: перевод SyncConflict в
// терминальное состояние через новую resolution-запись в causal-истории.
package conflict

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

var (
	// ErrUnknownStrategy возвращается для нераспознанной стратегии.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
	// ErrManualFieldsRequired — ручная стратегия без значений полей.
	ErrManualFieldsRequired = errors.New("manual resolution requires field values")
	// ErrConflictHeadMissing — head конфликта отсутствует в causal-истории.
	ErrConflictHeadMissing = errors.New("conflict head missing from document history")
)

// Resolver закрывает конфликты: строит resolution-запись, доминирующую оба
// head-а, и атомарно фиксирует ее вместе с терминальной строкой конфликта.
type Resolver struct {
	store     *docstore.Store
	conflicts storage.ConflictStorage
	logger    *slog.Logger
	deviceID  string
}

// NewResolver создает Conflict Resolver.
func NewResolver(store *docstore.Store, conflicts storage.ConflictStorage, deviceID string, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		conflicts: conflicts,
		logger:    logger,
		deviceID:  deviceID,
	}
}

// Resolve применяет стратегию к конфликту. Разрешение терминально:
// повторный вызов для уже разрешенного конфликта возвращает
// storage.ErrConflictResolved, не трогая первое разрешение.
// manualFields используется только стратегией manual.
func (r *Resolver) Resolve(
	ctx context.Context,
	conflictID string,
	strategy models.ResolutionStrategy,
	manualFields map[string]json.RawMessage,
) (*models.SyncConflict, error) {
	c, err := r.conflicts.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, storage.ErrConflictResolved
	}

	docType := models.DocumentType(c.TableName)
	if !models.KnownDocumentType(docType) {
		return nil, fmt.Errorf("conflict %s references unknown table %q", c.ID, c.TableName)
	}

	_, graph, err := r.store.History(ctx, docType, c.RecordID)
	if err != nil {
		return nil, err
	}

	localWrite := graph.Get(c.LocalHash)
	remoteWrite := graph.Get(c.RemoteHash)
	if localWrite == nil || remoteWrite == nil {
		return nil, ErrConflictHeadMissing
	}

	fields, err := r.resolutionFields(c, graph, localWrite, remoteWrite, strategy, manualFields)
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("conflict %s resolved via %s", c.ID, strategy)

	// Resolution-запись проходит через Document Store: parents = текущий
	// frontier, так что она каузально доминирует оба head-а конфликта.
	_, entry, err := r.store.ApplyLocal(ctx, docType, c.RecordID, models.OpUpdate, fields, summary,
		func(ctx context.Context, doc *models.CrdtDocument, entry *models.ChangeEntry) error {
			resolution, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("failed to marshal resolution: %w", err)
			}

			now := time.Now().UTC()
			c.Resolution = resolution
			c.Strategy = strategy
			c.ResolvedBy = r.deviceID
			c.ResolvedAt = &now

			rec, err := r.outboxRecord(docType, c.RecordID, entry, strategy)
			if err != nil {
				return err
			}
			return r.conflicts.ResolveConflict(ctx, c, doc, entry, rec)
		})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Resolved sync conflict",
		"conflict_id", c.ID,
		"table", c.TableName,
		"record_id", c.RecordID,
		"strategy", string(strategy),
		"resolution_hash", entry.ChangeHash)

	return c, nil
}

// AutoResolveOwner возвращает актора, которому принадлежит автоматическое
// разрешение конфликта: наименьший actor id среди авторов конфликтующих
// записей. Все реплики детерминированно выбирают одного владельца, поэтому
// конкурентных resolution-записей по одному конфликту не возникает.
func (r *Resolver) AutoResolveOwner(ctx context.Context, c *models.SyncConflict) (string, error) {
	_, graph, err := r.store.History(ctx, models.DocumentType(c.TableName), c.RecordID)
	if err != nil {
		return "", err
	}

	localWrite := graph.Get(c.LocalHash)
	remoteWrite := graph.Get(c.RemoteHash)
	if localWrite == nil || remoteWrite == nil {
		return "", ErrConflictHeadMissing
	}

	owner := localWrite.ActorID
	if remoteWrite.ActorID < owner {
		owner = remoteWrite.ActorID
	}
	return owner, nil
}

// resolutionFields вычисляет значения конфликтных полей по стратегии.
func (r *Resolver) resolutionFields(
	c *models.SyncConflict,
	graph *crdt.Graph,
	localWrite, remoteWrite *models.ChangeEntry,
	strategy models.ResolutionStrategy,
	manualFields map[string]json.RawMessage,
) (map[string]json.RawMessage, error) {
	switch strategy {
	case models.StrategyLocalWins:
		return pickFields(localWrite, c.Fields), nil
	case models.StrategyRemoteWins:
		return pickFields(remoteWrite, c.Fields), nil
	case models.StrategyManual:
		if len(manualFields) == 0 {
			return nil, ErrManualFieldsRequired
		}
		fields := make(map[string]json.RawMessage, len(manualFields))
		for name, value := range manualFields {
			fields[name] = value
		}
		return fields, nil
	case models.StrategyMerge:
		return r.mergeFields(c, graph, localWrite, remoteWrite)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// mergeFields складывает конкурентные дельты guarded-полей над общей
// каузальной базой: merged = base + (local - base) + (remote - base).
// Два кладовщика, отгрузившие по 5 единиц из 100, дают 90, не 95.
func (r *Resolver) mergeFields(
	c *models.SyncConflict,
	graph *crdt.Graph,
	localWrite, remoteWrite *models.ChangeEntry,
) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(c.Fields))

	for _, name := range c.Fields {
		localRaw, localOK := localWrite.Fields[name]
		remoteRaw, remoteOK := remoteWrite.Fields[name]
		if !localOK || !remoteOK {
			return nil, fmt.Errorf("conflict field %q missing from a head write", name)
		}

		var localVal, remoteVal float64
		if err := json.Unmarshal(localRaw, &localVal); err != nil {
			return nil, fmt.Errorf("field %q is not numeric, merge strategy inapplicable: %w", name, err)
		}
		if err := json.Unmarshal(remoteRaw, &remoteVal); err != nil {
			return nil, fmt.Errorf("field %q is not numeric, merge strategy inapplicable: %w", name, err)
		}

		base := baseValue(graph, name, localWrite, remoteWrite)
		merged := base + (localVal - base) + (remoteVal - base)

		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, err
		}
		fields[name] = raw
	}

	return fields, nil
}

// baseValue возвращает значение поля в ближайшем общем предке обеих
// конфликтующих записей; документ без базовой записи стартует с нуля.
func baseValue(graph *crdt.Graph, field string, localWrite, remoteWrite *models.ChangeEntry) float64 {
	var base float64
	// Entries отсортированы в LWW-порядке: последняя подходящая запись
	// и есть ближайший общий предок, писавший поле
	for _, e := range graph.Entries() {
		raw, ok := e.Fields[field]
		if !ok {
			continue
		}
		if !graph.IsAncestor(e.ChangeHash, localWrite.ChangeHash) ||
			!graph.IsAncestor(e.ChangeHash, remoteWrite.ChangeHash) {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		base = v
	}
	return base
}

func pickFields(write *models.ChangeEntry, names []string) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		if value, ok := write.Fields[name]; ok {
			fields[name] = value
		}
	}
	return fields
}

func (r *Resolver) outboxRecord(docType models.DocumentType, recordID string, entry *models.ChangeEntry, strategy models.ResolutionStrategy) (*models.ChangeRecord, error) {
	payload, err := models.EncodeChangePayload(&models.ChangePayload{
		DocumentType:  docType,
		Entry:         *entry,
		Resolution:    strategy,
		SchemaVersion: models.PayloadSchemaVersion,
	})
	if err != nil {
		return nil, err
	}

	return &models.ChangeRecord{
		CreatedAt:        time.Now().UTC(),
		ID:               uuid.New().String(),
		TableName:        string(docType),
		RecordID:         recordID,
		ChangeHash:       entry.ChangeHash,
		ActorID:          entry.ActorID,
		Operation:        entry.Operation,
		Payload:          payload,
		ConflictResolved: true,
	}, nil
}
