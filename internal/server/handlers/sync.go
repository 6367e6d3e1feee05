package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/warebase/waresync/internal/storage"
	"github.com/warebase/waresync/pkg/api"
)

// contextKey тип для ключей контекста
type contextKey string

const (
	// DeviceIDKey ключ для хранения device_id в контексте
	DeviceIDKey contextKey = "device_id"
)

// GetDeviceID извлекает device_id из контекста запроса
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(DeviceIDKey).(string)
	return deviceID, ok
}

const maxPullLimit = 500

// SyncHandler handles push and pull requests. Сервер не интерпретирует
// payload: он хранит change log и раздает его по курсору server_version.
type SyncHandler struct {
	logger  *slog.Logger
	log     storage.ServerLogStorage
	devices DeviceRegistry
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, log storage.ServerLogStorage, devices DeviceRegistry) *SyncHandler {
	return &SyncHandler{
		logger:  logger,
		log:     log,
		devices: devices,
	}
}

// HandlePush обрабатывает POST /api/v1/sync/push.
// Каждое принятое изменение попадает в AckedIDs; отправитель помечает
// acknowledged только перечисленные id. Повторный push уже принятого
// изменения идемпотентен и тоже подтверждается.
func (h *SyncHandler) HandlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID, ok := GetDeviceID(ctx)
	if !ok {
		h.logger.Error("Device ID not found in context")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req api.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode push request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DeviceID != deviceID {
		h.logger.Warn("Push device_id mismatch", "token", deviceID, "body", req.DeviceID)
		writeError(w, http.StatusForbidden, "device_id mismatch")
		return
	}

	if _, err := h.devices.Authorize(ctx, deviceID); err != nil {
		h.logger.Warn("Push from unauthorized device", "device_id", deviceID, "error", err)
		writeError(w, http.StatusForbidden, "device is not active")
		return
	}

	acked := make([]string, 0, len(req.Changes))
	duplicates := 0

	for _, envelope := range req.Changes {
		rec := api.RecordFromEnvelope(envelope)
		_, inserted, err := h.log.AppendChange(ctx, rec)
		if err != nil {
			h.logger.Error("Failed to append change",
				"error", err, "change_id", rec.ID, "device_id", deviceID)
			// Частичный ack: принятые до ошибки изменения подтверждаются
			break
		}
		if !inserted {
			duplicates++
		}
		acked = append(acked, rec.ID)
	}

	latest, err := h.log.LatestServerVersion(ctx)
	if err != nil {
		h.logger.Error("Failed to get latest server version", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := api.PushResponse{
		AckedIDs:      acked,
		LatestVersion: latest,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode push response", "error", err)
	}

	h.logger.Info("Push completed",
		"device_id", deviceID,
		"received", len(req.Changes),
		"acked", len(acked),
		"duplicates", duplicates)
}

// HandlePull обрабатывает GET /api/v1/sync/pull?since=N&limit=M.
// Возвращает изменения строго после since, исключая изменения самого
// запрашивающего устройства.
func (h *SyncHandler) HandlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceID, ok := GetDeviceID(ctx)
	if !ok {
		h.logger.Error("Device ID not found in context")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	since, err := parseQueryInt(r, "since", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	limit, err := parseQueryInt(r, "limit", 100)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	if _, err := h.devices.Authorize(ctx, deviceID); err != nil {
		h.logger.Warn("Pull from unauthorized device", "device_id", deviceID, "error", err)
		writeError(w, http.StatusForbidden, "device is not active")
		return
	}

	// Запрашиваем на одну строку больше лимита, чтобы узнать has_more
	changes, err := h.log.ChangesSince(ctx, since, deviceID, int(limit)+1)
	if err != nil {
		h.logger.Error("Failed to load changes", "error", err, "device_id", deviceID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	hasMore := false
	if int64(len(changes)) > limit {
		hasMore = true
		changes = changes[:int(limit)]
	}

	latest := since
	envelopes := make([]api.ChangeEnvelope, 0, len(changes))
	for _, rec := range changes {
		envelopes = append(envelopes, api.EnvelopeFromRecord(rec))
		if rec.ServerVersion > latest {
			latest = rec.ServerVersion
		}
	}

	resp := api.PullResponse{
		Changes:       envelopes,
		LatestVersion: latest,
		HasMore:       hasMore,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err)
	}

	h.logger.Info("Pull completed",
		"device_id", deviceID,
		"since", since,
		"returned", len(envelopes),
		"has_more", hasMore)
}

func parseQueryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
