package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warebase/waresync/internal/crdt"
	"github.com/warebase/waresync/internal/docstore"
	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/outbox"
	"github.com/warebase/waresync/internal/storage/boltdb"
	"github.com/warebase/waresync/internal/storage/sqlite"
)

func newTestTracker(t *testing.T) (*Tracker, *outbox.Writer, *sqlite.Storage) {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	meta, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := docstore.New(db, meta, crdt.NewLamportClockWithActor("device-a"), logger)
	return NewTracker(db, db, db, logger), outbox.NewWriter(store, db, logger), db
}

func TestTracker_Refresh(t *testing.T) {
	ctx := context.Background()
	tracker, writer, _ := newTestTracker(t)

	st, err := tracker.Refresh(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Zero(t, st.PendingChanges)
	assert.Zero(t, st.SyncErrors)

	_, err = writer.RecordChange(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, map[string]json.RawMessage{"quantity": json.RawMessage(`100`)}, "")
	require.NoError(t, err)
	_, err = writer.RecordChange(ctx, models.DocInventoryItems, "ITEM-2",
		models.OpInsert, map[string]json.RawMessage{"quantity": json.RawMessage(`5`)}, "")
	require.NoError(t, err)

	st, err = tracker.Refresh(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Equal(t, 2, st.PendingChanges)

	pending, err := tracker.PendingChanges(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestTracker_RefreshCountsFailedAndConflicts(t *testing.T) {
	ctx := context.Background()
	tracker, writer, db := newTestTracker(t)

	rec, err := writer.RecordChange(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, map[string]json.RawMessage{"quantity": json.RawMessage(`100`)}, "")
	require.NoError(t, err)
	require.NoError(t, db.MarkFailed(ctx, rec.ID, "retry budget exhausted"))

	require.NoError(t, db.CreateConflict(ctx, &models.SyncConflict{
		CreatedAt:  time.Now().UTC(),
		ID:         "conflict-1",
		TableName:  "inventory_items",
		RecordID:   "ITEM-1",
		LocalHash:  "aaa",
		RemoteHash: "bbb",
		Fields:     []string{"quantity"},
	}))

	st, err := tracker.Refresh(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Equal(t, 2, st.SyncErrors, "One failed row plus one open conflict")

	hasErrors, err := tracker.HasErrors(ctx, "inventory_items")
	require.NoError(t, err)
	assert.True(t, hasErrors)
}

func TestTracker_RecordSync(t *testing.T) {
	ctx := context.Background()
	tracker, _, db := newTestTracker(t)

	now := time.Now().UTC()
	require.NoError(t, tracker.RecordSync(ctx, "shipments", 7, now))

	st, err := db.GetStatus(ctx, "shipments")
	require.NoError(t, err)
	require.NotNil(t, st.LastSyncAt)
	assert.Equal(t, int64(7), st.LastSyncVersion)

	// Версия только растет
	require.NoError(t, tracker.RecordSync(ctx, "shipments", 3, now.Add(time.Minute)))
	st, err = db.GetStatus(ctx, "shipments")
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.LastSyncVersion)
}

func TestTracker_RecordErrorThenSyncClearsIt(t *testing.T) {
	ctx := context.Background()
	tracker, _, db := newTestTracker(t)

	require.NoError(t, tracker.RecordError(ctx, "deliveries", errors.New("connection refused")))

	st, err := db.GetStatus(ctx, "deliveries")
	require.NoError(t, err)
	assert.Equal(t, "connection refused", st.LastError)

	require.NoError(t, tracker.RecordSync(ctx, "deliveries", 1, time.Now().UTC()))
	st, err = db.GetStatus(ctx, "deliveries")
	require.NoError(t, err)
	assert.Empty(t, st.LastError, "Successful sync clears the last error")
}

func TestTracker_Overview(t *testing.T) {
	ctx := context.Background()
	tracker, _, _ := newTestTracker(t)

	for _, table := range []string{"inventory_items", "shipments"} {
		_, err := tracker.Refresh(ctx, table)
		require.NoError(t, err)
	}

	statuses, err := tracker.Overview(ctx)
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
}
