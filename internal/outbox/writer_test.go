package outbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warebase/waresync/internal/crdt"
	"github.com/warebase/waresync/internal/docstore"
	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage/boltdb"
	"github.com/warebase/waresync/internal/storage/sqlite"
)

func newTestWriter(t *testing.T) (*Writer, *sqlite.Storage) {
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
	return NewWriter(store, db, logger), db
}

func rawFields(pairs map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pairs))
	for k, v := range pairs {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestWriter_RecordChange(t *testing.T) {
	ctx := context.Background()
	writer, db := newTestWriter(t)

	rec, err := writer.RecordChange(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, rawFields(map[string]string{"name": `"Widget"`, "quantity": `100`}),
		"item created")
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "inventory_items", rec.TableName)
	assert.Equal(t, "ITEM-1", rec.RecordID)
	assert.Equal(t, "device-a", rec.ActorID)
	assert.Equal(t, int64(1), rec.Version)
	assert.NotEmpty(t, rec.ChangeHash)

	// Payload восстановим до исходной записи
	payload, err := models.DecodeChangePayload(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, models.DocInventoryItems, payload.DocumentType)
	assert.Equal(t, rec.ChangeHash, payload.Entry.ChangeHash)

	// Изменение лежит в очереди доставки и учтено в pending
	batch, err := db.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.DeliveryPending, batch[0].DeliveryState)

	pending, err := db.PendingCount(ctx, "inventory_items")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestWriter_RecordChange_VersionMonotonicPerTable(t *testing.T) {
	ctx := context.Background()
	writer, _ := newTestWriter(t)

	first, err := writer.RecordChange(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, rawFields(map[string]string{"quantity": `100`}), "")
	require.NoError(t, err)
	second, err := writer.RecordChange(ctx, models.DocInventoryItems, "ITEM-2",
		models.OpInsert, rawFields(map[string]string{"quantity": `5`}), "")
	require.NoError(t, err)
	other, err := writer.RecordChange(ctx, models.DocShipments, "SHIP-1",
		models.OpInsert, rawFields(map[string]string{"status": `"packed"`}), "")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, int64(1), other.Version, "Versions are scoped per table")
}

func TestWriter_RecordChange_UnknownDocType(t *testing.T) {
	ctx := context.Background()
	writer, db := newTestWriter(t)

	_, err := writer.RecordChange(ctx, "orders", "ORD-1",
		models.OpInsert, rawFields(map[string]string{"total": `10`}), "")
	require.Error(t, err)

	batch, err := db.UndeliveredBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "Nothing captured for unknown table")
}

func TestWriter_RecordChange_Delete(t *testing.T) {
	ctx := context.Background()
	writer, _ := newTestWriter(t)

	_, err := writer.RecordChange(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, rawFields(map[string]string{"name": `"Widget"`}), "")
	require.NoError(t, err)

	rec, err := writer.RecordChange(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpDelete, nil, "item removed")
	require.NoError(t, err)
	assert.Equal(t, models.OpDelete, rec.Operation)

	payload, err := models.DecodeChangePayload(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, models.OpDelete, payload.Entry.Operation)
	require.Len(t, payload.Entry.Parents, 1, "Delete is causally after the insert")
}
