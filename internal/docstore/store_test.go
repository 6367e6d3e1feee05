package docstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warebase/waresync/internal/crdt"
	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage/boltdb"
	"github.com/warebase/waresync/internal/storage/sqlite"
)

func newTestStore(t *testing.T, actorID string) (*Store, *sqlite.Storage) {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	meta, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	clock := crdt.NewLamportClockWithActor(actorID)
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return New(db, meta, clock, logger), db
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// persistWith возвращает PersistFunc, сохраняющий документ напрямую.
func persistWith(db *sqlite.Storage) PersistFunc {
	return func(ctx context.Context, doc *models.CrdtDocument, entry *models.ChangeEntry) error {
		return db.SaveDocument(ctx, doc, []*models.ChangeEntry{entry})
	}
}

func fields(pairs map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pairs))
	for k, v := range pairs {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestStore_ApplyLocal(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t, "device-a")

	doc, entry, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, fields(map[string]string{"name": `"Widget"`, "quantity": `100`}),
		"item created", persistWith(db))
	require.NoError(t, err)

	assert.Equal(t, "device-a", entry.ActorID)
	assert.Equal(t, int64(1), entry.Seq)
	assert.Empty(t, entry.Parents, "First change has no parents")
	assert.NotEmpty(t, entry.ChangeHash)
	assert.Equal(t, []string{entry.ChangeHash}, doc.Heads)
	assert.Equal(t, int64(1), doc.Version)

	doc2, entry2, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpUpdate, fields(map[string]string{"quantity": `95`}),
		"picked 5", persistWith(db))
	require.NoError(t, err)

	assert.Equal(t, int64(2), entry2.Seq, "Seq grows per actor")
	assert.Equal(t, []string{entry.ChangeHash}, entry2.Parents, "Parents are the previous frontier")
	assert.Equal(t, []string{entry2.ChangeHash}, doc2.Heads)
	assert.Equal(t, int64(2), doc2.Version)
	assert.Greater(t, entry2.Timestamp, entry.Timestamp)

	value, err := store.MergedValue(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	assert.JSONEq(t, `95`, string(value["quantity"]))
	assert.JSONEq(t, `"Widget"`, string(value["name"]))
}

func TestStore_ApplyLocal_PersistFailure(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t, "device-a")

	failing := func(ctx context.Context, doc *models.CrdtDocument, entry *models.ChangeEntry) error {
		return assert.AnError
	}
	_, _, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, fields(map[string]string{"name": `"Widget"`}), "", failing)
	require.ErrorIs(t, err, assert.AnError)

	// Изменение не считается захваченным: документа нет
	_, _, err = store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, fields(map[string]string{"name": `"Widget"`}), "", persistWith(db))
	require.NoError(t, err)
	doc, _, err := store.History(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
}

func TestStore_ApplyRemote_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t, "device-a")

	_, entry, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, fields(map[string]string{"name": `"Widget"`}), "", persistWith(db))
	require.NoError(t, err)

	remote := remoteEntry(t, "device-b", 1, entry.Timestamp+1,
		[]string{entry.ChangeHash}, fields(map[string]string{"location": `"B-2"`}))

	outcome, err := store.ApplyRemote(ctx, models.DocInventoryItems, "ITEM-1",
		[]*models.ChangeEntry{remote})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Applied)
	assert.Equal(t, 0, outcome.NoOp)
	versionAfterFirst := outcome.Doc.Version

	// Повторная доставка того же изменения ничего не меняет
	outcome, err = store.ApplyRemote(ctx, models.DocInventoryItems, "ITEM-1",
		[]*models.ChangeEntry{remote})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Applied)
	assert.Equal(t, 1, outcome.NoOp)
	assert.Equal(t, versionAfterFirst, outcome.Doc.Version)
}

func TestStore_ApplyRemote_Commutative(t *testing.T) {
	ctx := context.Background()

	root := remoteEntry(t, "device-c", 1, 1, nil,
		fields(map[string]string{"name": `"Widget"`, "location": `"A-1"`}))
	left := remoteEntry(t, "device-b", 1, 2, []string{root.ChangeHash},
		fields(map[string]string{"location": `"B-2"`}))
	right := remoteEntry(t, "device-c", 2, 3, []string{root.ChangeHash},
		fields(map[string]string{"name": `"Gadget"`}))

	apply := func(order []*models.ChangeEntry) map[string]json.RawMessage {
		store, _ := newTestStore(t, "device-a")
		for _, e := range order {
			_, err := store.ApplyRemote(ctx, models.DocInventoryItems, "ITEM-1",
				[]*models.ChangeEntry{e})
			require.NoError(t, err)
		}
		value, err := store.MergedValue(ctx, models.DocInventoryItems, "ITEM-1")
		require.NoError(t, err)
		return value
	}

	first := apply([]*models.ChangeEntry{root, left, right})
	second := apply([]*models.ChangeEntry{right, left, root})

	require.Equal(t, len(first), len(second))
	for field, value := range first {
		assert.JSONEq(t, string(value), string(second[field]), field)
	}
	assert.JSONEq(t, `"B-2"`, string(first["location"]))
	assert.JSONEq(t, `"Gadget"`, string(first["name"]))
}

func TestStore_ApplyRemote_GuardedConflict(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t, "device-a")

	_, base, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, fields(map[string]string{"quantity": `100`}), "", persistWith(db))
	require.NoError(t, err)

	_, local, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpUpdate, fields(map[string]string{"quantity": `95`}), "", persistWith(db))
	require.NoError(t, err)

	// Конкурентное удаленное списание от того же предка
	remote := remoteEntry(t, "device-b", 1, local.Timestamp,
		[]string{base.ChangeHash}, fields(map[string]string{"quantity": `95`}))

	outcome, err := store.ApplyRemote(ctx, models.DocInventoryItems, "ITEM-1",
		[]*models.ChangeEntry{remote})
	require.NoError(t, err)

	require.Len(t, outcome.Conflicts, 1)
	assert.Equal(t, "quantity", outcome.Conflicts[0].Field)
	assert.Len(t, outcome.Doc.Heads, 2, "Both concurrent writes stay in the frontier")
}

func TestStore_ApplyRemote_AdvancesClock(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t, "device-a")

	remote := remoteEntry(t, "device-b", 1, 50, nil,
		fields(map[string]string{"name": `"Widget"`}))
	_, err := store.ApplyRemote(ctx, models.DocInventoryItems, "ITEM-1",
		[]*models.ChangeEntry{remote})
	require.NoError(t, err)

	// Следующее локальное изменение causally после удаленного
	_, entry, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpUpdate, fields(map[string]string{"location": `"A-1"`}), "", persistWith(db))
	require.NoError(t, err)
	assert.Greater(t, entry.Timestamp, int64(50))
}

func TestStore_MergedValue_RecomputesWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t, "device-a")

	_, _, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, fields(map[string]string{"name": `"Widget"`}), "", persistWith(db))
	require.NoError(t, err)

	// Снимок удален: значение пересчитывается из истории
	require.NoError(t, store.snapshots.DeleteSnapshot(ctx, models.DocInventoryItems, "ITEM-1"))

	value, err := store.MergedValue(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	assert.JSONEq(t, `"Widget"`, string(value["name"]))
}

func TestStore_Resnapshot(t *testing.T) {
	ctx := context.Background()
	store, db := newTestStore(t, "device-a")

	_, _, err := store.ApplyLocal(ctx, models.DocInventoryItems, "ITEM-1",
		models.OpInsert, fields(map[string]string{"name": `"Widget"`}), "", persistWith(db))
	require.NoError(t, err)

	require.NoError(t, store.Resnapshot(ctx, models.DocInventoryItems, "ITEM-1"))

	doc, graph, err := store.History(ctx, models.DocInventoryItems, "ITEM-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Version, "Document starts over after resnapshot")
	assert.Equal(t, 0, graph.Len())
}

// remoteEntry строит запись чужого устройства с корректным хэшем.
func remoteEntry(t *testing.T, actorID string, seq, timestamp int64, parents []string, f map[string]json.RawMessage) *models.ChangeEntry {
	t.Helper()
	entry := &models.ChangeEntry{
		DocumentID: "remote",
		ActorID:    actorID,
		Operation:  models.OpUpdate,
		Parents:    parents,
		Fields:     f,
		Seq:        seq,
		Timestamp:  timestamp,
	}
	hash, err := crdt.HashEntry(entry)
	require.NoError(t, err)
	entry.ChangeHash = hash
	return entry
}
