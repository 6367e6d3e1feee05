package crdt

import (
	"sort"

	"github.com/warebase/waresync/internal/models"
)

// Graph представляет causal-граф одного документа: арену ChangeEntry,
// индексированную по change_hash, с parent-ссылками по хэшу (не по
// указателям, чтобы исключить циклы владения). Heads — производное
// множество, пересчитываемое из арены, а не отдельная мутируемая структура.
//
// Graph не потокобезопасен: Document Store сериализует доступ per-document.
type Graph struct {
	entries map[string]*models.ChangeEntry
}

// NewGraph создает пустой граф.
func NewGraph() *Graph {
	return &Graph{
		entries: make(map[string]*models.ChangeEntry),
	}
}

// Add добавляет запись в граф. Возвращает false, если запись с таким
// хэшем уже присутствует (идемпотентность повторной доставки).
func (g *Graph) Add(entry *models.ChangeEntry) bool {
	if _, exists := g.entries[entry.ChangeHash]; exists {
		return false
	}
	g.entries[entry.ChangeHash] = entry.Clone()
	return true
}

// Contains проверяет наличие записи по хэшу.
func (g *Graph) Contains(hash string) bool {
	_, exists := g.entries[hash]
	return exists
}

// Get возвращает запись по хэшу или nil.
func (g *Graph) Get(hash string) *models.ChangeEntry {
	entry, exists := g.entries[hash]
	if !exists {
		return nil
	}
	return entry
}

// Len возвращает количество записей в графе.
func (g *Graph) Len() int {
	return len(g.entries)
}

// Entries возвращает все записи в детерминированном порядке:
// (timestamp, actor_id, seq, change_hash) по возрастанию. Этот порядок
// одинаков на всех устройствах независимо от порядка поступления записей,
// что делает merge коммутативным.
func (g *Graph) Entries() []*models.ChangeEntry {
	result := make([]*models.ChangeEntry, 0, len(g.entries))
	for _, entry := range g.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.ActorID != b.ActorID {
			return a.ActorID < b.ActorID
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ChangeHash < b.ChangeHash
	})
	return result
}

// Heads возвращает отсортированное множество хэшей без потомков в графе —
// текущий causal frontier документа.
func (g *Graph) Heads() []string {
	hasDescendant := make(map[string]bool, len(g.entries))
	for _, entry := range g.entries {
		for _, parent := range entry.Parents {
			hasDescendant[parent] = true
		}
	}

	heads := make([]string, 0, len(g.entries))
	for hash := range g.entries {
		if !hasDescendant[hash] {
			heads = append(heads, hash)
		}
	}
	sort.Strings(heads)
	return heads
}

// IsAncestor сообщает, достижим ли ancestor из descendant по parent-ссылкам.
// Запись не считается собственным предком.
func (g *Graph) IsAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}

	visited := make(map[string]bool)
	queue := []string{descendant}

	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]

		entry, exists := g.entries[hash]
		if !exists {
			continue
		}
		for _, parent := range entry.Parents {
			if parent == ancestor {
				return true
			}
			if !visited[parent] {
				visited[parent] = true
				queue = append(queue, parent)
			}
		}
	}
	return false
}

// Concurrent сообщает, являются ли две записи конкурентными:
// ни одна не является causal-предком другой.
func (g *Graph) Concurrent(a, b string) bool {
	if a == b {
		return false
	}
	return !g.IsAncestor(a, b) && !g.IsAncestor(b, a)
}

// MaxSeq возвращает максимальный seq_number записей данного актора.
// Используется для проверки строгого возрастания seq per actor.
func (g *Graph) MaxSeq(actorID string) int64 {
	var max int64
	for _, entry := range g.entries {
		if entry.ActorID == actorID && entry.Seq > max {
			max = entry.Seq
		}
	}
	return max
}
