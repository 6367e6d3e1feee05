package models

import (
	"encoding/json"
	"time"
)

// ChangeEntry представляет один узел causal-графа документа.
// Записи неизменяемы: после вычисления ChangeHash ни одно поле не меняется.
// Parents содержат хэши изменений, на которые это изменение causally
// опирается (frontier документа на момент создания).
type ChangeEntry struct {
	DocumentID string                     `json:"document_id"`
	ChangeHash string                     `json:"change_hash"`
	ActorID    string                     `json:"actor_id"`
	Summary    string                     `json:"summary,omitempty"` // Summary краткое описание операции для журнала
	Parents    []string                   `json:"parents,omitempty"`
	Fields     map[string]json.RawMessage `json:"fields,omitempty"` // Fields записанные этим изменением поля
	Operation  Operation                  `json:"operation"`
	Seq        int64                      `json:"seq"`       // Seq строго возрастает в рамках (document, actor)
	Timestamp  int64                      `json:"timestamp"` // Timestamp Lamport timestamp
}

// Clone возвращает глубокую копию записи.
func (e *ChangeEntry) Clone() *ChangeEntry {
	clone := *e
	clone.Parents = append([]string(nil), e.Parents...)
	if e.Fields != nil {
		clone.Fields = make(map[string]json.RawMessage, len(e.Fields))
		for k, v := range e.Fields {
			clone.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &clone
}

// IsNewerThan сравнивает две записи по LWW правилу:
// больший Timestamp выигрывает, при равенстве — лексикографически больший
// ActorID. Используется для детерминированного field-level merge.
func (e *ChangeEntry) IsNewerThan(other *ChangeEntry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return e.ActorID > other.ActorID
}

// CrdtDocument представляет causal-историю и текущее слитое значение одной
// логической записи (document_type, record_id). Документ принадлежит
// исключительно Document Store: никакой другой компонент не мутирует его
// напрямую.
type CrdtDocument struct {
	UpdatedAt         time.Time    `json:"updated_at"`
	ID                string       `json:"id"`
	DocumentType      DocumentType `json:"document_type"`
	RecordID          string       `json:"record_id"`
	ActorID           string       `json:"actor_id"` // ActorID локальный актор этого экземпляра
	Heads             []string     `json:"heads"`    // Heads текущий causal frontier (множество хэшей)
	CompressedChanges []byte       `json:"-"`        // CompressedChanges opaque сериализованная история
	Version           int64        `json:"version"`  // Version монотонно растет, никогда не сбрасывается
}

// DocumentID формирует составной идентификатор документа.
func DocumentID(docType DocumentType, recordID string) string {
	return string(docType) + "/" + recordID
}
