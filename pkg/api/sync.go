package api

import (
	"time"

	"github.com/warebase/waresync/internal/models"
)

// ChangeEnvelope представляет одно изменение на проводе. Payload непрозрачен
// для сервера: он хранит и ретранслирует байты, не интерпретируя их.
type ChangeEnvelope struct {
	CreatedAt     time.Time `json:"created_at"`
	ID            string    `json:"id"`
	TableName     string    `json:"table_name"`
	RecordID      string    `json:"record_id"`
	Operation     string    `json:"operation"`
	ChangeHash    string    `json:"change_hash"`
	ActorID       string    `json:"actor_id"`
	Payload       []byte    `json:"payload"`
	Version       int64     `json:"version"`
	ServerVersion int64     `json:"server_version,omitempty"`
}

// PushRequest представляет батч исходящих изменений устройства
type PushRequest struct {
	DeviceID string           `json:"device_id"`
	Changes  []ChangeEnvelope `json:"changes"`
}

// PushResponse подтверждает принятые изменения.
// AckedIDs — явные подтверждения: отправитель помечает acknowledged только
// перечисленные id, остальные уйдут повторно.
type PushResponse struct {
	AckedIDs      []string `json:"acked_ids"`
	LatestVersion int64    `json:"latest_version"` // курсор сервера после батча
}

// PullResponse представляет изменения сервера после курсора устройства
type PullResponse struct {
	Changes       []ChangeEnvelope `json:"changes"`
	LatestVersion int64            `json:"latest_version"`
	HasMore       bool             `json:"has_more"` // остались изменения за пределами лимита
}

// EnvelopeFromRecord сериализует запись в провод-формат
func EnvelopeFromRecord(rec *models.ChangeRecord) ChangeEnvelope {
	return ChangeEnvelope{
		CreatedAt:     rec.CreatedAt,
		ID:            rec.ID,
		TableName:     rec.TableName,
		RecordID:      rec.RecordID,
		Operation:     string(rec.Operation),
		ChangeHash:    rec.ChangeHash,
		ActorID:       rec.ActorID,
		Payload:       rec.Payload,
		Version:       rec.Version,
		ServerVersion: rec.ServerVersion,
	}
}

// RecordFromEnvelope десериализует провод-формат в запись
func RecordFromEnvelope(e ChangeEnvelope) *models.ChangeRecord {
	return &models.ChangeRecord{
		CreatedAt:     e.CreatedAt,
		ID:            e.ID,
		TableName:     e.TableName,
		RecordID:      e.RecordID,
		Operation:     models.Operation(e.Operation),
		ChangeHash:    e.ChangeHash,
		ActorID:       e.ActorID,
		Payload:       e.Payload,
		Version:       e.Version,
		ServerVersion: e.ServerVersion,
	}
}
