package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/warebase/waresync/internal/models"
)

// historyVersion версия бинарного формата compressed_changes.
// Формат: один байт версии + snappy-сжатый JSON списка записей.
// Блоб приватен для Document Store; domain-модули читают только слитое
// значение.
const historyVersion = 1

// EncodeHistory сериализует causal-историю документа в opaque-блоб.
func EncodeHistory(g *Graph) ([]byte, error) {
	entries := g.Entries()
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}

	compressed := snappy.Encode(nil, raw)
	blob := make([]byte, 0, len(compressed)+1)
	blob = append(blob, historyVersion)
	blob = append(blob, compressed...)
	return blob, nil
}

// DecodeHistory восстанавливает causal-граф из opaque-блоба.
func DecodeHistory(data []byte) (*Graph, error) {
	if len(data) == 0 {
		return NewGraph(), nil
	}
	if data[0] != historyVersion {
		return nil, fmt.Errorf("unsupported history version %d", data[0])
	}

	raw, err := snappy.Decode(nil, data[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to decompress history: %w", err)
	}

	var entries []*models.ChangeEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	g := NewGraph()
	for _, entry := range entries {
		g.Add(entry)
	}
	return g, nil
}
