// Package transport определяет адаптер доставки изменений между
// устройством и сервером. Оркестратор не знает, какой транспорт под ним.
package transport

import (
	"context"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out transport_mock.go . Adapter

// PullResult результат запроса изменений с сервера.
type PullResult struct {
	Changes       []*models.ChangeRecord
	LatestVersion int64
	HasMore       bool
}

// Adapter доставляет изменения. Семантика at-least-once: Push возвращает
// явные подтверждения, и только подтвержденные id можно пометить
// acknowledged. Частичный ack допустим.
type Adapter interface {
	// Push отправляет батч исходящих изменений и возвращает id
	// подтвержденных сервером записей.
	Push(ctx context.Context, deviceID string, batch []*models.ChangeRecord) (ackedIDs []string, err error)

	// Pull возвращает изменения сервера строго после курсора since,
	// исключая изменения самого запрашивающего устройства.
	Pull(ctx context.Context, deviceID string, since int64, limit int) (*PullResult, error)
}
