package models

import "time"

// Operation тип операции над записью реплицируемой таблицы.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// DeliveryState состояние доставки изменения из outbox.
type DeliveryState string

const (
	// DeliveryPending изменение записано, но еще не отправлялось
	DeliveryPending DeliveryState = "pending"
	// DeliverySent изменение отправлено, подтверждение еще не получено
	DeliverySent DeliveryState = "sent"
	// DeliveryAcknowledged сервер явно подтвердил получение
	DeliveryAcknowledged DeliveryState = "acknowledged"
	// DeliveryFailed превышен лимит повторных отправок
	DeliveryFailed DeliveryState = "failed"
)

// ChangeRecord представляет одно зафиксированное изменение реплицируемой
// записи. Запись неизменяема после создания, кроме полей состояния доставки
// (sent/acknowledged/applied/retry/error).
//
// Outbox-экземпляры используют SentAt, AcknowledgedAt, RetryCount, LastError.
// Inbox-экземпляры используют ServerVersion, ReceivedAt, AppliedAt,
// ConflictResolved.
type ChangeRecord struct {
	CreatedAt        time.Time     `json:"created_at"`
	SentAt           *time.Time    `json:"sent_at,omitempty"`
	AcknowledgedAt   *time.Time    `json:"acknowledged_at,omitempty"`
	ReceivedAt       *time.Time    `json:"received_at,omitempty"`
	AppliedAt        *time.Time    `json:"applied_at,omitempty"`
	ID               string        `json:"id"`         // ID уникальный идентификатор изменения (UUID)
	TableName        string        `json:"table_name"` // TableName реплицируемая таблица
	RecordID         string        `json:"record_id"`  // RecordID идентификатор записи внутри таблицы
	ChangeHash       string        `json:"change_hash"`
	ActorID          string        `json:"actor_id"` // ActorID устройство, создавшее изменение
	LastError        string        `json:"last_error,omitempty"`
	DeliveryState    DeliveryState `json:"delivery_state"`
	Operation        Operation     `json:"operation"`
	Payload          []byte        `json:"payload"`        // Payload сериализованный ChangePayload
	Version          int64         `json:"version"`        // Version монотонная версия в рамках таблицы
	ServerVersion    int64         `json:"server_version"` // ServerVersion курсор серверного журнала (inbox)
	RetryCount       int           `json:"retry_count"`
	ConflictResolved bool          `json:"conflict_resolved"`
}

// Clone возвращает глубокую копию записи.
func (c *ChangeRecord) Clone() *ChangeRecord {
	clone := *c
	clone.Payload = append([]byte(nil), c.Payload...)
	clone.SentAt = cloneTime(c.SentAt)
	clone.AcknowledgedAt = cloneTime(c.AcknowledgedAt)
	clone.ReceivedAt = cloneTime(c.ReceivedAt)
	clone.AppliedAt = cloneTime(c.AppliedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
