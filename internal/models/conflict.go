package models

import "time"

// ResolutionStrategy стратегия разрешения конфликта синхронизации.
type ResolutionStrategy string

const (
	// StrategyMerge повторный field-level merge с явным правилом приоритета
	// (например, суммирование физических количеств вместо LWW)
	StrategyMerge ResolutionStrategy = "merge"
	// StrategyLocalWins конфликтующие поля берутся из локальной стороны
	StrategyLocalWins ResolutionStrategy = "local_wins"
	// StrategyRemoteWins конфликтующие поля берутся из удаленной стороны
	StrategyRemoteWins ResolutionStrategy = "remote_wins"
	// StrategyManual вызывающая сторона предоставляет итоговый payload
	StrategyManual ResolutionStrategy = "manual"
)

// SyncConflict представляет merge-исход, который нельзя разрешить
// автоматически. Создается Inbox Processor, разрешается Conflict Resolver.
// После установки ResolvedAt запись терминальна.
type SyncConflict struct {
	CreatedAt       time.Time          `json:"created_at"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
	ID              string             `json:"id"`
	TableName       string             `json:"table_name"`
	RecordID        string             `json:"record_id"`
	LocalHash       string             `json:"local_hash"`  // LocalHash head локальной конфликтующей записи
	RemoteHash      string             `json:"remote_hash"` // RemoteHash head удаленной конфликтующей записи
	ResolvedBy      string             `json:"resolved_by,omitempty"`
	Strategy        ResolutionStrategy `json:"resolution_strategy,omitempty"` // Strategy пустая пока конфликт не разрешен
	Fields          []string           `json:"fields"`                        // Fields конфликтующие поля
	Resolution      []byte             `json:"resolution,omitempty"`          // Resolution итоговое значение конфликтующих полей
	LocalVersion    int64              `json:"local_version"`
	RemoteVersion   int64              `json:"remote_version"`
}

// Resolved сообщает, достиг ли конфликт терминального состояния.
func (c *SyncConflict) Resolved() bool {
	return c.ResolvedAt != nil
}
