package crdt

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warebase/waresync/internal/models"
)

// testEntry строит запись с вычисленным change_hash
func testEntry(t *testing.T, actorID string, seq, timestamp int64, parents []string, fields map[string]string) *models.ChangeEntry {
	t.Helper()

	raw := make(map[string]json.RawMessage, len(fields))
	for name, value := range fields {
		raw[name] = json.RawMessage(value)
	}

	entry := &models.ChangeEntry{
		DocumentID: "inventory_items/ITEM-1",
		ActorID:    actorID,
		Operation:  models.OpUpdate,
		Parents:    parents,
		Fields:     raw,
		Seq:        seq,
		Timestamp:  timestamp,
	}

	hash, err := HashEntry(entry)
	require.NoError(t, err)
	entry.ChangeHash = hash
	return entry
}

func TestGraph_Add(t *testing.T) {
	g := NewGraph()
	entry := testEntry(t, "device-a", 1, 1, nil, map[string]string{"name": `"Widget"`})

	assert.True(t, g.Add(entry), "First add should succeed")
	assert.False(t, g.Add(entry), "Duplicate hash should be rejected")
	assert.Equal(t, 1, g.Len())
	assert.True(t, g.Contains(entry.ChangeHash))
}

func TestGraph_Heads(t *testing.T) {
	g := NewGraph()

	root := testEntry(t, "device-a", 1, 1, nil, map[string]string{"name": `"Widget"`})
	g.Add(root)
	assert.Equal(t, []string{root.ChangeHash}, g.Heads(), "Single entry is the only head")

	// Два конкурентных потомка корня: оба становятся heads
	left := testEntry(t, "device-a", 2, 2, []string{root.ChangeHash}, map[string]string{"location": `"A-1"`})
	right := testEntry(t, "device-b", 1, 2, []string{root.ChangeHash}, map[string]string{"location": `"B-2"`})
	g.Add(left)
	g.Add(right)

	heads := g.Heads()
	assert.Len(t, heads, 2)
	assert.Contains(t, heads, left.ChangeHash)
	assert.Contains(t, heads, right.ChangeHash)

	// Merge-запись с обоими heads в parents схлопывает frontier
	merged := testEntry(t, "device-a", 3, 3,
		[]string{left.ChangeHash, right.ChangeHash},
		map[string]string{"location": `"A-1"`})
	g.Add(merged)

	assert.Equal(t, []string{merged.ChangeHash}, g.Heads())
}

func TestGraph_IsAncestor(t *testing.T) {
	g := NewGraph()

	root := testEntry(t, "device-a", 1, 1, nil, map[string]string{"name": `"Widget"`})
	mid := testEntry(t, "device-a", 2, 2, []string{root.ChangeHash}, map[string]string{"name": `"Gadget"`})
	tip := testEntry(t, "device-a", 3, 3, []string{mid.ChangeHash}, map[string]string{"name": `"Gizmo"`})
	other := testEntry(t, "device-b", 1, 2, []string{root.ChangeHash}, map[string]string{"name": `"Doohickey"`})
	for _, e := range []*models.ChangeEntry{root, mid, tip, other} {
		g.Add(e)
	}

	tests := []struct {
		name       string
		ancestor   string
		descendant string
		want       bool
	}{
		{"transitive ancestor", root.ChangeHash, tip.ChangeHash, true},
		{"direct parent", mid.ChangeHash, tip.ChangeHash, true},
		{"reversed direction", tip.ChangeHash, root.ChangeHash, false},
		{"concurrent branches", mid.ChangeHash, other.ChangeHash, false},
		{"self is not own ancestor", root.ChangeHash, root.ChangeHash, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.IsAncestor(tt.ancestor, tt.descendant))
		})
	}

	assert.True(t, g.Concurrent(mid.ChangeHash, other.ChangeHash))
	assert.False(t, g.Concurrent(root.ChangeHash, tip.ChangeHash))
}

func TestGraph_EntriesDeterministicOrder(t *testing.T) {
	// Один и тот же набор записей в любом порядке вставки дает
	// идентичную линеаризацию
	build := func(order []int) []*models.ChangeEntry {
		a := testEntry(t, "device-a", 1, 1, nil, map[string]string{"f": `1`})
		b := testEntry(t, "device-b", 1, 1, nil, map[string]string{"f": `2`})
		c := testEntry(t, "device-a", 2, 3, []string{a.ChangeHash}, map[string]string{"f": `3`})
		all := []*models.ChangeEntry{a, b, c}

		g := NewGraph()
		for _, idx := range order {
			g.Add(all[idx])
		}
		return g.Entries()
	}

	first := build([]int{0, 1, 2})
	second := build([]int{2, 1, 0})
	third := build([]int{1, 2, 0})

	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, first[i].ChangeHash, second[i].ChangeHash)
		assert.Equal(t, first[i].ChangeHash, third[i].ChangeHash)
	}
}

func TestGraph_MaxSeq(t *testing.T) {
	g := NewGraph()
	for i := int64(1); i <= 3; i++ {
		g.Add(testEntry(t, "device-a", i, i, nil, map[string]string{"f": fmt.Sprintf("%d", i)}))
	}
	g.Add(testEntry(t, "device-b", 7, 10, nil, map[string]string{"f": `7`}))

	assert.Equal(t, int64(3), g.MaxSeq("device-a"))
	assert.Equal(t, int64(7), g.MaxSeq("device-b"))
	assert.Equal(t, int64(0), g.MaxSeq("device-unknown"))
}

func TestHashEntry_Canonical(t *testing.T) {
	base := testEntry(t, "device-a", 1, 1, []string{"p2", "p1"}, map[string]string{"a": `1`, "b": `2`})

	// Порядок parents не влияет на хэш
	reordered := base.Clone()
	reordered.Parents = []string{"p1", "p2"}
	hash, err := HashEntry(reordered)
	require.NoError(t, err)
	assert.Equal(t, base.ChangeHash, hash)

	// Изменение содержимого меняет хэш
	changed := base.Clone()
	changed.Fields["a"] = json.RawMessage(`42`)
	hash, err = HashEntry(changed)
	require.NoError(t, err)
	assert.NotEqual(t, base.ChangeHash, hash)
}

func TestHistory_EncodeDecode(t *testing.T) {
	g := NewGraph()
	root := testEntry(t, "device-a", 1, 1, nil, map[string]string{"name": `"Widget"`, "quantity": `100`})
	tip := testEntry(t, "device-b", 1, 2, []string{root.ChangeHash}, map[string]string{"quantity": `95`})
	g.Add(root)
	g.Add(tip)

	blob, err := EncodeHistory(g)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	decoded, err := DecodeHistory(blob)
	require.NoError(t, err)

	assert.Equal(t, g.Len(), decoded.Len())
	assert.Equal(t, g.Heads(), decoded.Heads())
	require.NotNil(t, decoded.Get(root.ChangeHash))
	assert.Equal(t, root.Fields, decoded.Get(root.ChangeHash).Fields)
}

func TestHistory_DecodeEmpty(t *testing.T) {
	g, err := DecodeHistory(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
}

func TestHistory_DecodeUnknownVersion(t *testing.T) {
	_, err := DecodeHistory([]byte{99, 1, 2, 3})
	assert.Error(t, err)
}
