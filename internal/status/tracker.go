// Package status реализует Sync Status Tracker: агрегированное состояние
// синхронизации per-table для UI и оператора.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// Tracker пересчитывает статус из авторитетных источников: outbox для
// pending/failed, хранилище конфликтов для unresolved. Счетчики в
// sync_status — кэш, не истина.
type Tracker struct {
	statuses  storage.StatusStorage
	outbox    storage.OutboxStorage
	conflicts storage.ConflictStorage
	logger    *slog.Logger
}

// NewTracker создает Sync Status Tracker.
func NewTracker(statuses storage.StatusStorage, outbox storage.OutboxStorage, conflicts storage.ConflictStorage, logger *slog.Logger) *Tracker {
	return &Tracker{
		statuses:  statuses,
		outbox:    outbox,
		conflicts: conflicts,
		logger:    logger,
	}
}

// Refresh пересчитывает статус таблицы из outbox и конфликтов.
// Вызывается после каждого sync-цикла и при старте (после крэша кэш
// мог разойтись с данными).
func (t *Tracker) Refresh(ctx context.Context, table string) (*models.SyncStatus, error) {
	pending, err := t.outbox.PendingCount(ctx, table)
	if err != nil {
		return nil, err
	}
	failed, err := t.outbox.FailedCount(ctx, table)
	if err != nil {
		return nil, err
	}
	unresolved, err := t.conflicts.UnresolvedCount(ctx, table)
	if err != nil {
		return nil, err
	}

	st, err := t.current(ctx, table)
	if err != nil {
		return nil, err
	}
	st.PendingChanges = pending
	st.SyncErrors = failed + unresolved

	if err := t.statuses.UpsertStatus(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// RecordSync фиксирует успешный sync-цикл таблицы.
func (t *Tracker) RecordSync(ctx context.Context, table string, version int64, at time.Time) error {
	st, err := t.current(ctx, table)
	if err != nil {
		return err
	}
	st.LastSyncAt = &at
	st.LastError = ""
	if version > st.LastSyncVersion {
		st.LastSyncVersion = version
	}
	return t.statuses.UpsertStatus(ctx, st)
}

// RecordError фиксирует ошибку sync-цикла, не затирая LastSyncAt.
func (t *Tracker) RecordError(ctx context.Context, table string, syncErr error) error {
	st, err := t.current(ctx, table)
	if err != nil {
		return err
	}
	st.LastError = syncErr.Error()
	if err := t.statuses.UpsertStatus(ctx, st); err != nil {
		return err
	}

	t.logger.Warn("Recorded sync error", "table", table, "error", syncErr)
	return nil
}

// PendingChanges возвращает число недоставленных изменений таблицы.
func (t *Tracker) PendingChanges(ctx context.Context, table string) (int, error) {
	return t.outbox.PendingCount(ctx, table)
}

// HasErrors сообщает, есть ли у таблицы failed-строки или открытые
// конфликты.
func (t *Tracker) HasErrors(ctx context.Context, table string) (bool, error) {
	st, err := t.Refresh(ctx, table)
	if err != nil {
		return false, err
	}
	return st.SyncErrors > 0 || st.LastError != "", nil
}

// Overview возвращает статусы всех таблиц.
func (t *Tracker) Overview(ctx context.Context) ([]*models.SyncStatus, error) {
	return t.statuses.AllStatuses(ctx)
}

func (t *Tracker) current(ctx context.Context, table string) (*models.SyncStatus, error) {
	st, err := t.statuses.GetStatus(ctx, table)
	if err != nil {
		if errors.Is(err, storage.ErrStatusNotFound) {
			return &models.SyncStatus{TableName: table}, nil
		}
		return nil, err
	}
	return st, nil
}
