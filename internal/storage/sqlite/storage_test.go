package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDocument(recordID string) *models.CrdtDocument {
	return &models.CrdtDocument{
		UpdatedAt:         time.Now().UTC(),
		ID:                "doc-" + recordID,
		DocumentType:      models.DocInventoryItems,
		RecordID:          recordID,
		ActorID:           "device-a",
		Heads:             []string{"hash-1"},
		CompressedChanges: []byte{1, 2, 3},
		Version:           1,
	}
}

func testOutboxRecord(id, recordID, hash string) *models.ChangeRecord {
	return &models.ChangeRecord{
		CreatedAt:  time.Now().UTC(),
		ID:         id,
		TableName:  string(models.DocInventoryItems),
		RecordID:   recordID,
		ChangeHash: hash,
		ActorID:    "device-a",
		Operation:  models.OpUpdate,
		Payload:    []byte(`{}`),
	}
}

func TestStorage_DocumentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.GetDocument(ctx, models.DocInventoryItems, "ITEM-1")
	require.ErrorIs(t, err, storage.ErrDocumentNotFound)

	doc := testDocument("ITEM-1")
	entry := &models.ChangeEntry{
		DocumentID: doc.ID,
		ChangeHash: "hash-1",
		ActorID:    "device-a",
		Operation:  models.OpInsert,
		Summary:    "item created",
		Seq:        1,
		Timestamp:  1,
	}
	require.NoError(t, s.SaveDocument(ctx, doc, []*models.ChangeEntry{entry}))

	loaded, err := s.GetDocument(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, loaded.ID)
	assert.Equal(t, doc.Heads, loaded.Heads)
	assert.Equal(t, doc.CompressedChanges, loaded.CompressedChanges)
	assert.Equal(t, int64(1), loaded.Version)

	// Upsert той же пары (type, record) обновляет строку
	doc.Version = 2
	doc.Heads = []string{"hash-2"}
	require.NoError(t, s.SaveDocument(ctx, doc, nil))
	loaded, err = s.GetDocument(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.Equal(t, []string{"hash-2"}, loaded.Heads)

	log, err := s.ChangeLog(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "hash-1", log[0].ChangeHash)
	assert.Equal(t, "item created", log[0].Summary)
}

func TestStorage_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.SaveDocument(ctx, testDocument("ITEM-1"), nil))
	require.NoError(t, s.DeleteDocument(ctx, models.DocInventoryItems, "ITEM-1"))

	_, err := s.GetDocument(ctx, models.DocInventoryItems, "ITEM-1")
	assert.ErrorIs(t, err, storage.ErrDocumentNotFound)

	err = s.DeleteDocument(ctx, models.DocInventoryItems, "ITEM-1")
	assert.ErrorIs(t, err, storage.ErrDocumentNotFound)
}

func TestStorage_OutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	doc := testDocument("ITEM-1")
	entry := &models.ChangeEntry{
		DocumentID: doc.ID, ChangeHash: "hash-1", ActorID: "device-a",
		Operation: models.OpInsert, Seq: 1, Timestamp: 1,
	}
	rec := testOutboxRecord("out-1", "ITEM-1", "hash-1")
	require.NoError(t, s.CaptureChange(ctx, doc, entry, rec))
	assert.Equal(t, int64(1), rec.Version, "Version assigned on capture")

	batch, err := s.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.DeliveryPending, batch[0].DeliveryState)

	// sent: строка остается недоставленной до явного ack
	require.NoError(t, s.MarkSent(ctx, []string{"out-1"}, time.Now().UTC()))
	batch, err = s.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.DeliverySent, batch[0].DeliveryState)
	require.NotNil(t, batch[0].SentAt)

	require.NoError(t, s.IncrementRetry(ctx, []string{"out-1"}, "connection refused"))
	batch, err = s.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].RetryCount)
	assert.Equal(t, "connection refused", batch[0].LastError)

	require.NoError(t, s.MarkAcknowledged(ctx, []string{"out-1"}, time.Now().UTC()))
	batch, err = s.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "Acknowledged rows leave the queue")

	pending, err := s.PendingCount(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestStorage_OutboxMarkFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	doc := testDocument("ITEM-1")
	entry := &models.ChangeEntry{
		DocumentID: doc.ID, ChangeHash: "hash-1", ActorID: "device-a",
		Operation: models.OpInsert, Seq: 1, Timestamp: 1,
	}
	require.NoError(t, s.CaptureChange(ctx, doc, entry, testOutboxRecord("out-1", "ITEM-1", "hash-1")))

	require.NoError(t, s.MarkFailed(ctx, "out-1", "retry budget exhausted"))

	batch, err := s.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	failed, err := s.FailedCount(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	pending, err := s.PendingCount(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestStorage_InboxDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	rec := testOutboxRecord("in-1", "ITEM-1", "hash-1")
	rec.ActorID = "device-b"
	rec.ServerVersion = 1

	inserted, err := s.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Insert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted, "Redelivered row is ignored")

	applied, err := s.IsApplied(ctx, rec.TableName, rec.RecordID, rec.ChangeHash)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, s.MarkApplied(ctx, "in-1", time.Now().UTC()))
	applied, err = s.IsApplied(ctx, rec.TableName, rec.RecordID, rec.ChangeHash)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestStorage_InboxQuarantine(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	rec := testOutboxRecord("in-1", "ITEM-1", "hash-1")
	rec.ServerVersion = 1
	_, err := s.Insert(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, s.Quarantine(ctx, "in-1", "unsupported payload schema version 99"))

	batch, err := s.UnappliedBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "Quarantined rows are excluded from processing")
}

func TestStorage_ConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	c := &models.SyncConflict{
		CreatedAt:     time.Now().UTC(),
		ID:            "conflict-1",
		TableName:     "inventory_items",
		RecordID:      "ITEM-1",
		LocalHash:     "hash-l",
		RemoteHash:    "hash-r",
		Fields:        []string{"quantity"},
		LocalVersion:  3,
		RemoteVersion: 5,
	}
	require.NoError(t, s.CreateConflict(ctx, c))

	loaded, err := s.GetConflict(ctx, "conflict-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"quantity"}, loaded.Fields)
	assert.False(t, loaded.Resolved())

	open, err := s.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	count, err := s.UnresolvedCount(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stale, err := s.UnresolvedConflictsBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	stale, err = s.UnresolvedConflictsBefore(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	now := time.Now().UTC()
	c.ResolvedAt = &now
	c.Strategy = models.StrategyMerge
	c.ResolvedBy = "device-a"
	c.Resolution = []byte(`{"quantity":90}`)

	doc := testDocument("ITEM-1")
	entry := &models.ChangeEntry{
		DocumentID: doc.ID, ChangeHash: "hash-res", ActorID: "device-a",
		Operation: models.OpUpdate, Seq: 2, Timestamp: 9,
	}
	require.NoError(t, s.ResolveConflict(ctx, c, doc, entry,
		testOutboxRecord("out-res", "ITEM-1", "hash-res")))

	loaded, err = s.GetConflict(ctx, "conflict-1")
	require.NoError(t, err)
	assert.True(t, loaded.Resolved())
	assert.Equal(t, models.StrategyMerge, loaded.Strategy)
	assert.JSONEq(t, `{"quantity":90}`, string(loaded.Resolution))

	// Разрешение терминально
	err = s.ResolveConflict(ctx, c, doc, entry,
		testOutboxRecord("out-res-2", "ITEM-1", "hash-res-2"))
	assert.ErrorIs(t, err, storage.ErrConflictResolved)

	// Resolution-запись попала в outbox атомарно с разрешением
	batch, err := s.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "out-res", batch[0].ID)

	open, err = s.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStorage_ServerLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	recA := testOutboxRecord("log-1", "ITEM-1", "hash-1")
	version, inserted, err := s.AppendChange(ctx, recA)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), version)

	// Дубликат по change_hash не растит журнал
	dup := testOutboxRecord("log-2", "ITEM-1", "hash-1")
	_, inserted, err = s.AppendChange(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	recB := testOutboxRecord("log-3", "ITEM-2", "hash-2")
	recB.ActorID = "device-b"
	version, inserted, err = s.AppendChange(ctx, recB)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(2), version)

	// Запрашивающий не получает свои изменения
	changes, err := s.ChangesSince(ctx, 0, "device-a", 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "hash-2", changes[0].ChangeHash)
	assert.Equal(t, int64(2), changes[0].ServerVersion)

	changes, err = s.ChangesSince(ctx, 2, "device-x", 10)
	require.NoError(t, err)
	assert.Empty(t, changes, "Cursor is exclusive")

	latest, err := s.LatestServerVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestStorage_DeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.GetDevice(ctx, "device-a")
	require.ErrorIs(t, err, storage.ErrDeviceNotFound)

	now := time.Now().UTC()
	d := &models.Device{
		RegisteredAt: now,
		LastSeenAt:   &now,
		ID:           "device-a",
		Fingerprint:  "fp-1",
		DeviceName:   "Terminal",
		DeviceType:   "handheld",
		Platform:     "android",
		IsActive:     true,
	}
	require.NoError(t, s.SaveDevice(ctx, d))

	loaded, err := s.GetDevice(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", loaded.Fingerprint)
	assert.True(t, loaded.IsActive)

	byFp, err := s.GetDeviceByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "device-a", byFp.ID)

	require.NoError(t, s.SetDeviceActive(ctx, "device-a", false))
	loaded, err = s.GetDevice(ctx, "device-a")
	require.NoError(t, err)
	assert.False(t, loaded.IsActive)

	later := now.Add(time.Minute)
	require.NoError(t, s.TouchDevice(ctx, "device-a", later))
	loaded, err = s.GetDevice(ctx, "device-a")
	require.NoError(t, err)
	require.NotNil(t, loaded.LastSeenAt)
	assert.Equal(t, later.Unix(), loaded.LastSeenAt.Unix())
}

func TestStorage_StatusUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.GetStatus(ctx, "inventory_items")
	require.ErrorIs(t, err, storage.ErrStatusNotFound)

	now := time.Now().UTC()
	st := &models.SyncStatus{
		TableName:       "inventory_items",
		LastSyncAt:      &now,
		LastSyncVersion: 5,
		PendingChanges:  2,
		SyncErrors:      1,
		LastError:       "push failed",
	}
	require.NoError(t, s.UpsertStatus(ctx, st))

	loaded, err := s.GetStatus(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Equal(t, int64(5), loaded.LastSyncVersion)
	assert.Equal(t, 2, loaded.PendingChanges)
	assert.Equal(t, "push failed", loaded.LastError)

	st.PendingChanges = 0
	st.LastError = ""
	require.NoError(t, s.UpsertStatus(ctx, st))
	loaded, err = s.GetStatus(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Zero(t, loaded.PendingChanges)
	assert.Empty(t, loaded.LastError)

	all, err := s.AllStatuses(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStorage_CaptureChangeAtomicity(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	doc := testDocument("ITEM-1")
	entry := &models.ChangeEntry{
		DocumentID: doc.ID, ChangeHash: "hash-1", ActorID: "device-a",
		Operation: models.OpInsert, Seq: 1, Timestamp: 1,
	}
	rec := testOutboxRecord("out-1", "ITEM-1", "hash-1")
	require.NoError(t, s.CaptureChange(ctx, doc, entry, rec))

	// Документ, change log и outbox-строка записаны одной транзакцией
	loaded, err := s.GetDocument(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, loaded.ID)

	log, err := s.ChangeLog(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	assert.Len(t, log, 1)

	batch, err := s.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	var payload json.RawMessage = batch[0].Payload
	assert.JSONEq(t, `{}`, string(payload))
}
