// Package orchestrator реализует Sync Orchestrator: конечный автомат
// sync-цикла устройства. Весь прогресс durable, цикл можно убить в любой
// точке и возобновить без потери и без дублей.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/warebase/waresync/internal/conflict"
	"github.com/warebase/waresync/internal/connectivity"
	"github.com/warebase/waresync/internal/crdt"
	"github.com/warebase/waresync/internal/inbox"
	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/registry"
	"github.com/warebase/waresync/internal/status"
	"github.com/warebase/waresync/internal/storage"
	"github.com/warebase/waresync/internal/transport"
)

// State фаза sync-цикла.
type State string

const (
	StateIdle               State = "idle"
	StateDrainingOutbox     State = "draining_outbox"
	StateAwaitingAck        State = "awaiting_ack"
	StateApplyingInbox      State = "applying_inbox"
	StateResolvingConflicts State = "resolving_conflicts"
)

// Options параметры оркестратора.
type Options struct {
	// BatchSize максимальный размер push/pull батча.
	BatchSize int
	// MaxRetries бюджет повторов доставки одной записи, после которого
	// она помечается permanently failed.
	MaxRetries int
	// Interval период фоновых sync-циклов.
	Interval time.Duration
	// Backoff базовая задержка экспоненциального повтора внутри цикла.
	Backoff time.Duration
	// PushAttempts число попыток одного push внутри цикла.
	PushAttempts uint64
}

// DefaultOptions параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		BatchSize:    100,
		MaxRetries:   10,
		Interval:     30 * time.Second,
		Backoff:      time.Second,
		PushAttempts: 3,
	}
}

// CycleResult итог одного sync-цикла.
type CycleResult struct {
	Pushed       int // отправленных записей
	Acked        int // подтвержденных сервером
	Failed       int // достигших бюджета повторов
	Pulled       int // полученных с сервера
	Applied      int // примененных к документам
	Conflicts    int // новых конфликтов
	AutoResolved int // конфликтов, закрытых merge-стратегией
}

// Orchestrator гоняет sync-циклы. Фазы цикла: DrainingOutbox → AwaitingAck →
// ApplyingInbox → ResolvingConflicts → Idle. Конкурентные циклы исключены.
type Orchestrator struct {
	transport transport.Adapter
	outbox    storage.OutboxStorage
	inbox     *inbox.Processor
	resolver  *conflict.Resolver
	conflicts storage.ConflictStorage
	tracker   *status.Tracker
	metadata  storage.MetadataStorage
	clock     *crdt.LamportClock
	registry  *registry.Service
	monitor   connectivity.Monitor
	logger    *slog.Logger
	deviceID  string
	opts      Options

	mu      sync.Mutex
	state   State
	running bool
}

// New создает оркестратор.
func New(
	deviceID string,
	adapter transport.Adapter,
	outboxStore storage.OutboxStorage,
	processor *inbox.Processor,
	resolver *conflict.Resolver,
	conflicts storage.ConflictStorage,
	tracker *status.Tracker,
	metadata storage.MetadataStorage,
	clock *crdt.LamportClock,
	devices *registry.Service,
	monitor connectivity.Monitor,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		transport: adapter,
		outbox:    outboxStore,
		inbox:     processor,
		resolver:  resolver,
		conflicts: conflicts,
		tracker:   tracker,
		metadata:  metadata,
		clock:     clock,
		registry:  devices,
		monitor:   monitor,
		logger:    logger,
		deviceID:  deviceID,
		opts:      opts,
		state:     StateIdle,
	}
}

// State возвращает текущую фазу цикла.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("Sync state changed", "state", string(s))
}

// Restore восстанавливает durable-состояние после рестарта: Lamport clock
// (часы никогда не уходят назад), непримененные строки inbox и курсор
// серверного журнала. Вызывается один раз при старте, до первого цикла.
func (o *Orchestrator) Restore(ctx context.Context) error {
	ts, err := o.metadata.GetClockTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore lamport clock: %w", err)
	}
	o.clock.SetTimestamp(ts)

	// Крэш между pull и применением: строки уже в inbox, но не в
	// документах. Доигрываем их и подтягиваем курсор до принятых версий,
	// чтобы не перекачивать их с сервера заново
	report, err := o.inbox.ReplayUnapplied(ctx, o.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to replay unapplied inbox rows: %w", err)
	}
	if report.Received > 0 {
		o.logger.Info("Replayed unapplied inbox rows",
			"received", report.Received,
			"applied", report.Applied,
			"conflicts", report.Conflicts)
	}

	high, err := o.inbox.HighWatermark(ctx)
	if err != nil {
		return fmt.Errorf("failed to read inbox high watermark: %w", err)
	}
	cursor, err := o.metadata.GetLastServerVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read server version cursor: %w", err)
	}
	if high > cursor {
		if err := o.metadata.SaveLastServerVersion(ctx, high); err != nil {
			return fmt.Errorf("failed to advance server version cursor: %w", err)
		}
	}
	return nil
}

// Run гоняет фоновые циклы: по таймеру и по переходу связи в online.
// Блокируется до отмены контекста.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	var events <-chan connectivity.State
	if o.monitor != nil {
		events = o.monitor.Events()
	}

	o.cycleLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.cycleLogged(ctx)
		case st, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Возврат связи запускает внеочередной цикл
			if st == connectivity.StateOnline {
				o.cycleLogged(ctx)
			}
		}
	}
}

func (o *Orchestrator) cycleLogged(ctx context.Context) {
	// Фоновый цикл не трогает сеть без связи; явный RunCycle пробует всегда
	if o.monitor != nil && o.monitor.State() == connectivity.StateOffline {
		return
	}
	if _, err := o.RunCycle(ctx); err != nil {
		o.logger.Error("Sync cycle failed", "error", err)
	}
}

// RunCycle выполняет один полный sync-цикл. Конкурентный вызов при уже
// идущем цикле — no-op.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return &CycleResult{}, nil
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		o.setState(StateIdle)
	}()

	if _, err := o.registry.Authorize(ctx, o.deviceID); err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	result := &CycleResult{}
	started := time.Now()

	if err := o.drainOutbox(ctx, result); err != nil {
		o.recordError(ctx, err)
		return result, err
	}

	serverVersion, err := o.applyInbox(ctx, result)
	if err != nil {
		o.recordError(ctx, err)
		return result, err
	}

	o.setState(StateResolvingConflicts)
	if err := o.resolveConflicts(ctx, result); err != nil {
		o.recordError(ctx, err)
		return result, err
	}

	// Часы сохраняются после успешного цикла: при рестарте они
	// восстановятся не ниже любого наблюдавшегося timestamp
	if err := o.metadata.SaveClockTimestamp(ctx, o.clock.Timestamp()); err != nil {
		o.logger.Warn("Failed to persist lamport clock", "error", err)
	}

	o.finishCycle(ctx, serverVersion)

	o.logger.Info("Sync cycle completed",
		"duration", time.Since(started).String(),
		"pushed", result.Pushed,
		"acked", result.Acked,
		"failed", result.Failed,
		"pulled", result.Pulled,
		"applied", result.Applied,
		"conflicts", result.Conflicts,
		"auto_resolved", result.AutoResolved)

	return result, nil
}

// drainOutbox отправляет недоставленные записи батчами, помечая
// acknowledged только явно подтвержденные сервером id.
func (o *Orchestrator) drainOutbox(ctx context.Context, result *CycleResult) error {
	o.setState(StateDrainingOutbox)

	for {
		batch, err := o.outbox.UndeliveredBatch(ctx, o.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to load undelivered batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]string, 0, len(batch))
		for _, rec := range batch {
			ids = append(ids, rec.ID)
		}

		if err := o.outbox.MarkSent(ctx, ids, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to mark batch sent: %w", err)
		}

		o.setState(StateAwaitingAck)
		acked, pushErr := o.pushWithRetry(ctx, batch)
		result.Pushed += len(batch)

		if pushErr != nil {
			// Доставка не удалась: retry_count растет, бюджет повторов
			// переводит запись в permanently failed
			if err := o.outbox.IncrementRetry(ctx, ids, pushErr.Error()); err != nil {
				return err
			}
			failed, err := o.failExhausted(ctx, batch)
			if err != nil {
				return err
			}
			result.Failed += failed
			return fmt.Errorf("push failed: %w", pushErr)
		}

		if err := o.outbox.MarkAcknowledged(ctx, acked, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to mark batch acknowledged: %w", err)
		}
		result.Acked += len(acked)

		// Частичный ack: неподтвержденные уйдут в следующем батче,
		// а исчерпавшие бюджет повторов — в permanently failed
		if unacked := diffIDs(ids, acked); len(unacked) > 0 {
			o.logger.Warn("Server acknowledged batch partially",
				"sent", len(ids), "acked", len(acked))
			if err := o.outbox.IncrementRetry(ctx, unacked, "not acknowledged by server"); err != nil {
				return err
			}
			failed, err := o.failExhausted(ctx, pickRecords(batch, unacked))
			if err != nil {
				return err
			}
			result.Failed += failed
		}

		if len(batch) < o.opts.BatchSize {
			return nil
		}
		o.setState(StateDrainingOutbox)
	}
}

func (o *Orchestrator) pushWithRetry(ctx context.Context, batch []*models.ChangeRecord) ([]string, error) {
	var acked []string
	backoff := retry.WithMaxRetries(o.opts.PushAttempts,
		retry.NewExponential(o.opts.Backoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ids, err := o.transport.Push(ctx, o.deviceID, batch)
		if err != nil {
			return retry.RetryableError(err)
		}
		acked = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acked, nil
}

// failExhausted переводит записи, исчерпавшие бюджет повторов, в
// permanently failed.
func (o *Orchestrator) failExhausted(ctx context.Context, batch []*models.ChangeRecord) (int, error) {
	failed := 0
	for _, rec := range batch {
		// retry_count в batch прочитан до инкремента
		if rec.RetryCount+1 < o.opts.MaxRetries {
			continue
		}
		if err := o.outbox.MarkFailed(ctx, rec.ID, "delivery retry budget exhausted"); err != nil {
			return failed, err
		}
		failed++
		o.logger.Error("Change permanently failed",
			"change_id", rec.ID,
			"table", rec.TableName,
			"record_id", rec.RecordID,
			"retries", rec.RetryCount+1)
	}
	return failed, nil
}

// applyInbox тянет изменения сервера после durable-курсора и применяет их.
// Курсор сдвигается только после успешного применения батча: крэш между
// pull и apply приводит к повторному pull, дедупликация делает его no-op.
func (o *Orchestrator) applyInbox(ctx context.Context, result *CycleResult) (int64, error) {
	o.setState(StateApplyingInbox)

	since, err := o.metadata.GetLastServerVersion(ctx)
	if err != nil {
		o.logger.Warn("Failed to get last server version, using 0", "error", err)
		since = 0
	}

	for {
		pulled, err := o.transport.Pull(ctx, o.deviceID, since, o.opts.BatchSize)
		if err != nil {
			return since, fmt.Errorf("pull failed: %w", err)
		}

		if len(pulled.Changes) > 0 {
			report, err := o.inbox.Ingest(ctx, pulled.Changes)
			if err != nil {
				return since, fmt.Errorf("inbox ingest failed: %w", err)
			}
			result.Pulled += report.Received
			result.Applied += report.Applied
			result.Conflicts += report.Conflicts
		}

		if pulled.LatestVersion > since {
			since = pulled.LatestVersion
			if err := o.metadata.SaveLastServerVersion(ctx, since); err != nil {
				return since, fmt.Errorf("failed to save server version cursor: %w", err)
			}
		}

		if !pulled.HasMore {
			return since, nil
		}
	}
}

// resolveConflicts закрывает merge-стратегией конфликты числовых полей.
// Нечисловые остаются открытыми до ручного разрешения оператором.
func (o *Orchestrator) resolveConflicts(ctx context.Context, result *CycleResult) error {
	open, err := o.conflicts.UnresolvedConflicts(ctx)
	if err != nil {
		return err
	}

	for _, c := range open {
		// Автоматическую резолюцию применяет ровно одна реплика —
		// владелец конфликта. Остальные ждут его resolution-запись:
		// две конкурентные резолюции сами стали бы конфликтом
		owner, err := o.resolver.AutoResolveOwner(ctx, c)
		if err != nil {
			o.logger.Debug("Cannot determine conflict owner",
				"conflict_id", c.ID, "error", err)
			continue
		}
		if owner != o.deviceID {
			continue
		}

		if _, err := o.resolver.Resolve(ctx, c.ID, models.StrategyMerge, nil); err != nil {
			if errors.Is(err, storage.ErrConflictResolved) {
				continue
			}
			o.logger.Debug("Conflict left for manual resolution",
				"conflict_id", c.ID, "error", err)
			continue
		}
		result.AutoResolved++
	}
	return nil
}

func (o *Orchestrator) finishCycle(ctx context.Context, serverVersion int64) {
	now := time.Now().UTC()
	for _, table := range models.DocumentTypes() {
		name := string(table)
		if err := o.tracker.RecordSync(ctx, name, serverVersion, now); err != nil {
			o.logger.Warn("Failed to record sync status", "table", name, "error", err)
			continue
		}
		if _, err := o.tracker.Refresh(ctx, name); err != nil {
			o.logger.Warn("Failed to refresh sync status", "table", name, "error", err)
		}
	}
}

func (o *Orchestrator) recordError(ctx context.Context, cycleErr error) {
	for _, table := range models.DocumentTypes() {
		if err := o.tracker.RecordError(ctx, string(table), cycleErr); err != nil {
			o.logger.Warn("Failed to record sync error", "table", string(table), "error", err)
		}
	}
}

func pickRecords(batch []*models.ChangeRecord, ids []string) []*models.ChangeRecord {
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	picked := make([]*models.ChangeRecord, 0, len(ids))
	for _, rec := range batch {
		if _, ok := idSet[rec.ID]; ok {
			picked = append(picked, rec)
		}
	}
	return picked
}

func diffIDs(sent, acked []string) []string {
	ackedSet := make(map[string]struct{}, len(acked))
	for _, id := range acked {
		ackedSet[id] = struct{}{}
	}
	var missing []string
	for _, id := range sent {
		if _, ok := ackedSet[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
