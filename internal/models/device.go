package models

import "time"

// Device представляет зарегистрированное устройство-участника синхронизации.
// Устройство создается при первой регистрации и деактивируется при выводе
// из эксплуатации; физическое удаление не выполняется, так как actor_id
// навсегда остается в causal-истории документов.
type Device struct {
	RegisteredAt time.Time  `json:"registered_at"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	ID           string     `json:"id"`
	Fingerprint  string     `json:"fingerprint"` // Fingerprint стабильный отпечаток установки
	DeviceName   string     `json:"device_name"`
	DeviceType   string     `json:"device_type"` // DeviceType handheld, desktop, kiosk...
	Platform     string     `json:"platform"`
	IsActive     bool       `json:"is_active"`
}
