package crdt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/warebase/waresync/internal/models"
)

// hashedEntry каноническое представление записи для хэширования.
// Поля сериализуются в фиксированном порядке, parents и fields
// сортируются, чтобы хэш не зависел от порядка map-итерации.
type hashedEntry struct {
	DocumentID string            `json:"document_id"`
	ActorID    string            `json:"actor_id"`
	Operation  models.Operation  `json:"operation"`
	Parents    []string          `json:"parents"`
	Fields     []hashedField     `json:"fields"`
	Seq        int64             `json:"seq"`
	Timestamp  int64             `json:"timestamp"`
}

type hashedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HashEntry вычисляет change_hash записи: BLAKE2b-256 от канонического
// представления (document, actor, seq, timestamp, parents, operation, fields).
// ChangeHash самой записи в хэш не входит.
func HashEntry(entry *models.ChangeEntry) (string, error) {
	parents := append([]string(nil), entry.Parents...)
	sort.Strings(parents)
	if parents == nil {
		parents = []string{}
	}

	fields := make([]hashedField, 0, len(entry.Fields))
	for name, value := range entry.Fields {
		fields = append(fields, hashedField{Name: name, Value: string(value)})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	canonical, err := json.Marshal(hashedEntry{
		DocumentID: entry.DocumentID,
		ActorID:    entry.ActorID,
		Operation:  entry.Operation,
		Parents:    parents,
		Fields:     fields,
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}

	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
