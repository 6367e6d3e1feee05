package models

import "time"

// SyncStatus представляет состояние синхронизации одной реплицируемой
// таблицы. Мутируется только Orchestrator после каждого цикла; остальные
// компоненты читают.
type SyncStatus struct {
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	TableName       string     `json:"table_name"`
	LastError       string     `json:"last_error,omitempty"`
	LastSyncVersion int64      `json:"last_sync_version"`
	PendingChanges  int        `json:"pending_changes"`
	SyncErrors      int        `json:"sync_errors"`
}
