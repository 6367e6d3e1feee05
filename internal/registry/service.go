// Package registry реализует Device Registry: учет устройств-участников
// синхронизации и выдачу стабильного actor_id установки.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/storage"
)

// ErrDeviceInactive возвращается при попытке синхронизации
// деактивированным устройством.
var ErrDeviceInactive = errors.New("device is deactivated")

// Service управляет жизненным циклом устройств. Идентичность устройства
// привязана к fingerprint установки: повторная регистрация того же
// fingerprint возвращает существующую запись, а не создает дубликат.
type Service struct {
	devices storage.DeviceStorage
	logger  *slog.Logger
}

// New создает Device Registry.
func New(devices storage.DeviceStorage, logger *slog.Logger) *Service {
	return &Service{devices: devices, logger: logger}
}

// RegisterParams параметры регистрации устройства.
type RegisterParams struct {
	// ID желаемый device id. Идентичность рождается на устройстве:
	// offline-first установка генерирует id до первого контакта с
	// сервером. Пустой ID означает выдачу нового uuid.
	ID          string
	Fingerprint string
	DeviceName  string
	DeviceType  string
	Platform    string
}

// Register регистрирует устройство. Идемпотентно по fingerprint:
// повторный вызов возвращает ранее выданный device id, обновляя
// только имя и last_seen_at.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*models.Device, error) {
	if p.Fingerprint == "" {
		return nil, fmt.Errorf("device fingerprint is required")
	}

	existing, err := s.devices.GetDeviceByFingerprint(ctx, p.Fingerprint)
	if err == nil {
		if err := s.devices.TouchDevice(ctx, existing.ID, time.Now().UTC()); err != nil {
			return nil, err
		}
		s.logger.Debug("Device re-registered", "device_id", existing.ID, "name", p.DeviceName)
		return existing, nil
	}
	if !errors.Is(err, storage.ErrDeviceNotFound) {
		return nil, err
	}

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	d := &models.Device{
		RegisteredAt: now,
		LastSeenAt:   &now,
		ID:           id,
		Fingerprint:  p.Fingerprint,
		DeviceName:   p.DeviceName,
		DeviceType:   p.DeviceType,
		Platform:     p.Platform,
		IsActive:     true,
	}
	if err := s.devices.SaveDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	s.logger.Info("Registered device",
		"device_id", d.ID,
		"name", d.DeviceName,
		"type", d.DeviceType,
		"platform", d.Platform)
	return d, nil
}

// Authorize проверяет, что устройство существует и активно, и обновляет
// last_seen_at. Вызывается перед каждым sync-циклом.
func (s *Service) Authorize(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrDeviceInactive, deviceID)
	}
	if err := s.devices.TouchDevice(ctx, d.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return d, nil
}

// Deactivate выводит устройство из эксплуатации. Строка не удаляется:
// actor_id устройства навсегда остается в causal-истории.
func (s *Service) Deactivate(ctx context.Context, deviceID string) error {
	if err := s.devices.SetDeviceActive(ctx, deviceID, false); err != nil {
		return err
	}
	s.logger.Info("Deactivated device", "device_id", deviceID)
	return nil
}

// Reactivate возвращает устройство в строй.
func (s *Service) Reactivate(ctx context.Context, deviceID string) error {
	return s.devices.SetDeviceActive(ctx, deviceID, true)
}
