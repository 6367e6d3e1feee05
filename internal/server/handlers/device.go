package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/registry"
	"github.com/warebase/waresync/pkg/api"
)

// DeviceRegistry определяет интерфейс регистрации устройств
type DeviceRegistry interface {
	Register(ctx context.Context, p registry.RegisterParams) (*models.Device, error)
	Authorize(ctx context.Context, deviceID string) (*models.Device, error)
}

// DeviceHandler handles device registration requests
type DeviceHandler struct {
	logger   *slog.Logger
	registry DeviceRegistry
	jwtCfg   JWTConfig
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(logger *slog.Logger, reg DeviceRegistry, jwtCfg JWTConfig) *DeviceHandler {
	return &DeviceHandler{
		logger:   logger,
		registry: reg,
		jwtCfg:   jwtCfg,
	}
}

// HandleRegister обрабатывает POST /api/v1/devices/register.
// Идемпотентно по fingerprint: повторная регистрация возвращает прежний
// device_id со свежим токеном.
func (h *DeviceHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req api.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode register request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}

	device, err := h.registry.Register(r.Context(), registry.RegisterParams{
		ID:          req.DeviceID,
		Fingerprint: req.Fingerprint,
		DeviceName:  req.DeviceName,
		DeviceType:  req.DeviceType,
		Platform:    req.Platform,
	})
	if err != nil {
		h.logger.Error("Failed to register device", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	token, err := GenerateDeviceToken(h.jwtCfg, device.ID, device.Fingerprint)
	if err != nil {
		h.logger.Error("Failed to issue device token", "error", err, "device_id", device.ID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := api.RegisterDeviceResponse{
		DeviceID: device.ID,
		Token:    token,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode register response", "error", err)
	}

	h.logger.Info("Device registration handled",
		"device_id", device.ID,
		"name", device.DeviceName,
		"type", device.DeviceType)
}

// writeError пишет ErrorResponse с указанным статусом
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: message})
}
