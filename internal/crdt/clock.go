package crdt

import (
	"sync"

	"github.com/google/uuid"
)

// LamportClock представляет логические часы Лампорта для упорядочивания
// событий между устройствами без синхронизации физического времени.
type LamportClock struct {
	actorID string     // уникальный идентификатор устройства-актора
	counter int64      // монотонно возрастающий счетчик
	mu      sync.Mutex // мьютекс для потокобезопасности
}

// NewLamportClock создает новый экземпляр часов со случайным actor id (UUID).
func NewLamportClock() *LamportClock {
	return &LamportClock{
		actorID: uuid.New().String(),
	}
}

// NewLamportClockWithActor создает часы с заданным actor id.
// Используется при восстановлении состояния устройства после перезапуска.
func NewLamportClockWithActor(actorID string) *LamportClock {
	return &LamportClock{
		actorID: actorID,
	}
}

// Tick увеличивает счетчик и возвращает новое значение timestamp.
// Вызывается при создании нового локального изменения.
func (lc *LamportClock) Tick() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.counter++
	return lc.counter
}

// Observe обновляет счетчик по полученному удаленному timestamp.
// Согласно алгоритму Лампорта: counter = max(local, remote) + 1.
func (lc *LamportClock) Observe(remoteTimestamp int64) int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if remoteTimestamp > lc.counter {
		lc.counter = remoteTimestamp
	}
	lc.counter++

	return lc.counter
}

// Timestamp возвращает текущее значение счетчика без его изменения.
func (lc *LamportClock) Timestamp() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	return lc.counter
}

// ActorID возвращает идентификатор устройства-актора.
func (lc *LamportClock) ActorID() string {
	return lc.actorID
}

// SetTimestamp поднимает счетчик до заданного значения. Используется для
// восстановления часов после перезапуска; назад часы не откатываются.
func (lc *LamportClock) SetTimestamp(timestamp int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if timestamp > lc.counter {
		lc.counter = timestamp
	}
}
