package api

// RegisterDeviceRequest представляет запрос на регистрацию устройства
type RegisterDeviceRequest struct {
	DeviceID    string `json:"device_id,omitempty"` // id, сгенерированный установкой
	Fingerprint string `json:"fingerprint"`         // стабильный отпечаток установки
	DeviceName  string `json:"device_name"` // человекочитаемое имя
	DeviceType  string `json:"device_type"` // handheld, desktop, kiosk...
	Platform    string `json:"platform"`
}

// RegisterDeviceResponse представляет ответ на регистрацию.
// Повторная регистрация того же fingerprint возвращает прежний device_id.
type RegisterDeviceResponse struct {
	DeviceID string `json:"device_id"` // UUID устройства, он же actor_id
	Token    string `json:"token"`     // JWT device token
}

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`             // описание ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
}
