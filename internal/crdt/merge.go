package crdt

import (
	"encoding/json"
	"sort"

	"github.com/warebase/waresync/internal/models"
)

// FieldConflict представляет конкурентные записи одного guarded-поля,
// которые нельзя слить автоматически без потери легитимной корректировки
// (например, два конкурентных списания остатка).
type FieldConflict struct {
	Field  string
	Writes []*models.ChangeEntry // конкурентные live-записи поля, в LWW-порядке по убыванию
}

// MergeResult результат детерминированного пересчета слитого значения
// документа из полного causal-графа.
type MergeResult struct {
	Value     map[string]json.RawMessage
	Heads     []string
	Conflicts []FieldConflict
}

// Merge вычисляет слитое значение документа из всех известных записей графа.
// Политики по полям:
//   - LWW: выигрывает запись с большим (timestamp, actor_id)
//   - Union: объединение множеств всех записанных элементов
//   - Guarded: применяется LWW как предварительное значение, но конкурентные
//     записи разных акторов фиксируются как FieldConflict
//
// Merge коммутативен и идемпотентен: одно и то же множество записей в любом
// порядке, применённое любое число раз, дает идентичные Value и Heads.
func Merge(docType models.DocumentType, g *Graph) *MergeResult {
	result := &MergeResult{
		Value: make(map[string]json.RawMessage),
		Heads: g.Heads(),
	}

	entries := g.Entries()

	// Entries отсортированы по возрастанию (timestamp, actor, seq, hash),
	// поэтому простая перезапись дает LWW: последняя запись побеждает.
	unions := make(map[string]map[string]bool)
	for _, entry := range entries {
		if entry.Operation == models.OpDelete {
			result.Value["_deleted"] = json.RawMessage("true")
		}
		for field, value := range entry.Fields {
			if models.PolicyFor(docType, field) == models.PolicyUnion {
				set, ok := unions[field]
				if !ok {
					set = make(map[string]bool)
					unions[field] = set
				}
				var elems []string
				if err := json.Unmarshal(value, &elems); err != nil {
					// не массив строк: деградируем до LWW для этого значения
					result.Value[field] = append(json.RawMessage(nil), value...)
					continue
				}
				for _, e := range elems {
					set[e] = true
				}
				continue
			}
			result.Value[field] = append(json.RawMessage(nil), value...)
		}
	}

	for field, set := range unions {
		elems := make([]string, 0, len(set))
		for e := range set {
			elems = append(elems, e)
		}
		sort.Strings(elems)
		encoded, err := json.Marshal(elems)
		if err != nil {
			continue
		}
		result.Value[field] = encoded
	}

	result.Conflicts = detectConflicts(docType, g, entries)
	return result
}

// detectConflicts находит guarded-поля с двумя и более конкурентными
// live-записями разных акторов. Live-запись — запись поля, не имеющая
// causal-потомка, пишущего то же поле.
func detectConflicts(docType models.DocumentType, g *Graph, entries []*models.ChangeEntry) []FieldConflict {
	writesByField := make(map[string][]*models.ChangeEntry)
	for _, entry := range entries {
		for field := range entry.Fields {
			if models.PolicyFor(docType, field) == models.PolicyGuarded {
				writesByField[field] = append(writesByField[field], entry)
			}
		}
	}

	fields := make([]string, 0, len(writesByField))
	for field := range writesByField {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var conflicts []FieldConflict
	for _, field := range fields {
		writes := writesByField[field]

		var live []*models.ChangeEntry
		for _, w := range writes {
			superseded := false
			for _, other := range writes {
				if other != w && g.IsAncestor(w.ChangeHash, other.ChangeHash) {
					superseded = true
					break
				}
			}
			if !superseded {
				live = append(live, w)
			}
		}

		if !hasConcurrentActors(g, live) {
			continue
		}

		// LWW-порядок по убыванию: победитель первым
		sort.Slice(live, func(i, j int) bool {
			return live[i].IsNewerThan(live[j])
		})
		conflicts = append(conflicts, FieldConflict{Field: field, Writes: live})
	}
	return conflicts
}

// hasConcurrentActors проверяет, есть ли среди live-записей пара записей
// разных акторов без causal-порядка между ними.
func hasConcurrentActors(g *Graph, live []*models.ChangeEntry) bool {
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			if live[i].ActorID == live[j].ActorID {
				continue
			}
			if g.Concurrent(live[i].ChangeHash, live[j].ChangeHash) {
				return true
			}
		}
	}
	return false
}
