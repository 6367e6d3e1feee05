package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warebase/waresync/internal/models"
)

func TestMerge_LWW(t *testing.T) {
	g := NewGraph()
	root := testEntry(t, "device-a", 1, 1, nil, map[string]string{"name": `"Widget"`, "location": `"A-1"`})
	later := testEntry(t, "device-b", 1, 5, []string{root.ChangeHash}, map[string]string{"location": `"B-2"`})
	g.Add(root)
	g.Add(later)

	result := Merge(models.DocInventoryItems, g)

	assert.JSONEq(t, `"Widget"`, string(result.Value["name"]))
	assert.JSONEq(t, `"B-2"`, string(result.Value["location"]), "Later write wins")
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, []string{later.ChangeHash}, result.Heads)
}

func TestMerge_LWWTieBreakByActor(t *testing.T) {
	// Одинаковый timestamp: побеждает больший actor_id
	g := NewGraph()
	a := testEntry(t, "device-a", 1, 5, nil, map[string]string{"location": `"A-1"`})
	b := testEntry(t, "device-b", 1, 5, nil, map[string]string{"location": `"B-2"`})
	g.Add(a)
	g.Add(b)

	result := Merge(models.DocInventoryItems, g)
	assert.JSONEq(t, `"B-2"`, string(result.Value["location"]))
}

func TestMerge_UnionTags(t *testing.T) {
	g := NewGraph()
	root := testEntry(t, "device-a", 1, 1, nil, map[string]string{"tags": `["fragile"]`})
	left := testEntry(t, "device-a", 2, 2, []string{root.ChangeHash}, map[string]string{"tags": `["fragile","heavy"]`})
	right := testEntry(t, "device-b", 1, 2, []string{root.ChangeHash}, map[string]string{"tags": `["cold-chain"]`})
	g.Add(root)
	g.Add(left)
	g.Add(right)

	result := Merge(models.DocInventoryItems, g)

	var tags []string
	require.NoError(t, json.Unmarshal(result.Value["tags"], &tags))
	assert.Equal(t, []string{"cold-chain", "fragile", "heavy"}, tags, "Union of all written elements, sorted")
	assert.Empty(t, result.Conflicts, "Tags never conflict")
}

func TestMerge_GuardedConflict(t *testing.T) {
	g := NewGraph()
	root := testEntry(t, "device-a", 1, 1, nil, map[string]string{"quantity": `100`})
	left := testEntry(t, "device-a", 2, 3, []string{root.ChangeHash}, map[string]string{"quantity": `95`})
	right := testEntry(t, "device-b", 1, 2, []string{root.ChangeHash}, map[string]string{"quantity": `95`})
	g.Add(root)
	g.Add(left)
	g.Add(right)

	result := Merge(models.DocInventoryItems, g)

	require.Len(t, result.Conflicts, 1)
	conflict := result.Conflicts[0]
	assert.Equal(t, "quantity", conflict.Field)
	require.Len(t, conflict.Writes, 2)
	assert.Equal(t, left.ChangeHash, conflict.Writes[0].ChangeHash, "LWW winner first")

	// Предварительное значение по LWW пока конфликт не разрешен
	assert.JSONEq(t, `95`, string(result.Value["quantity"]))
}

func TestMerge_GuardedSequentialNoConflict(t *testing.T) {
	// Последовательные записи одного поля разными акторами не конфликтуют:
	// более поздняя causally видит раннюю
	g := NewGraph()
	root := testEntry(t, "device-a", 1, 1, nil, map[string]string{"quantity": `100`})
	next := testEntry(t, "device-b", 1, 2, []string{root.ChangeHash}, map[string]string{"quantity": `90`})
	g.Add(root)
	g.Add(next)

	result := Merge(models.DocInventoryItems, g)
	assert.Empty(t, result.Conflicts)
	assert.JSONEq(t, `90`, string(result.Value["quantity"]))
}

func TestMerge_GuardedSameActorNoConflict(t *testing.T) {
	// Конкурентные записи одного актора (невозможны на практике, но
	// порядок seq их различает) не считаются конфликтом
	g := NewGraph()
	a := testEntry(t, "device-a", 1, 1, nil, map[string]string{"quantity": `100`})
	b := testEntry(t, "device-a", 2, 2, nil, map[string]string{"quantity": `90`})
	g.Add(a)
	g.Add(b)

	result := Merge(models.DocInventoryItems, g)
	assert.Empty(t, result.Conflicts)
}

func TestMerge_DeleteMarker(t *testing.T) {
	g := NewGraph()
	root := testEntry(t, "device-a", 1, 1, nil, map[string]string{"name": `"Widget"`})
	del := testEntry(t, "device-a", 2, 2, []string{root.ChangeHash}, nil)
	del.Operation = models.OpDelete
	hash, err := HashEntry(del)
	require.NoError(t, err)
	del.ChangeHash = hash
	g.Add(root)
	g.Add(del)

	result := Merge(models.DocInventoryItems, g)
	assert.JSONEq(t, `true`, string(result.Value["_deleted"]))
}

func TestMerge_CommutativeAndIdempotent(t *testing.T) {
	a := testEntry(t, "device-a", 1, 1, nil, map[string]string{"name": `"Widget"`, "quantity": `100`})
	b := testEntry(t, "device-b", 1, 2, []string{a.ChangeHash}, map[string]string{"location": `"B-2"`, "tags": `["heavy"]`})
	c := testEntry(t, "device-a", 2, 3, []string{a.ChangeHash}, map[string]string{"tags": `["fragile"]`, "quantity": `95`})
	entries := []*models.ChangeEntry{a, b, c}

	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}
	var baseline *MergeResult
	for _, order := range orders {
		g := NewGraph()
		for _, idx := range order {
			g.Add(entries[idx])
		}
		// Повторное добавление не меняет результат
		g.Add(entries[order[0]])

		result := Merge(models.DocInventoryItems, g)
		if baseline == nil {
			baseline = result
			continue
		}
		assert.Equal(t, baseline.Heads, result.Heads)
		require.Equal(t, len(baseline.Value), len(result.Value))
		for field, value := range baseline.Value {
			assert.JSONEq(t, string(value), string(result.Value[field]), field)
		}
	}
}
