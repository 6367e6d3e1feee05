// Package httpapi реализует HTTP-транспорт синхронизации.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/transport"
	"github.com/warebase/waresync/pkg/api"
)

// Client представляет HTTP клиент для взаимодействия с sync-сервером
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient создает новый API клиент
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Ограничиваем количество редиректов
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// SetToken устанавливает device token для авторизации запросов
func (c *Client) SetToken(token string) {
	c.token = token
}

// RegisterDevice регистрирует устройство и возвращает device id с токеном.
// Идемпотентно по fingerprint.
func (c *Client) RegisterDevice(ctx context.Context, req api.RegisterDeviceRequest) (*api.RegisterDeviceResponse, error) {
	var resp api.RegisterDeviceResponse
	err := c.doRequest(ctx, "POST", "/api/v1/devices/register", req, &resp)
	if err != nil {
		return nil, fmt.Errorf("register device request failed: %w", err)
	}
	return &resp, nil
}

// Push отправляет батч изменений и возвращает подтвержденные id
func (c *Client) Push(ctx context.Context, deviceID string, batch []*models.ChangeRecord) ([]string, error) {
	req := api.PushRequest{
		DeviceID: deviceID,
		Changes:  make([]api.ChangeEnvelope, 0, len(batch)),
	}
	for _, rec := range batch {
		req.Changes = append(req.Changes, api.EnvelopeFromRecord(rec))
	}

	var resp api.PushResponse
	if err := c.doRequest(ctx, "POST", "/api/v1/sync/push", req, &resp); err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	return resp.AckedIDs, nil
}

// Pull возвращает изменения сервера после курсора since
func (c *Client) Pull(ctx context.Context, deviceID string, since int64, limit int) (*transport.PullResult, error) {
	url := fmt.Sprintf("/api/v1/sync/pull?device_id=%s&since=%d&limit=%d", deviceID, since, limit)

	var resp api.PullResponse
	if err := c.doRequest(ctx, "GET", url, nil, &resp); err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}

	result := &transport.PullResult{
		Changes:       make([]*models.ChangeRecord, 0, len(resp.Changes)),
		LatestVersion: resp.LatestVersion,
		HasMore:       resp.HasMore,
	}
	for _, e := range resp.Changes {
		result.Changes = append(result.Changes, api.RecordFromEnvelope(e))
	}
	return result, nil
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Проверяем статус код
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	// Декодируем успешный ответ
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
