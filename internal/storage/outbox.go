package storage

import (
	"context"
	"time"

	"github.com/warebase/waresync/internal/models"
)

//go:generate moq -out outbox_mock.go . OutboxStorage

// OutboxStorage defines the durable queue of locally captured changes
// pending delivery to the server.
type OutboxStorage interface {
	// CaptureChange durably persists a local change in one transaction:
	// upserts the CRDT document, appends its change-log entry, enqueues the
	// outbox row with a per-table monotonic version and bumps the pending
	// counter in sync_status. A failure rolls back all of it so a change is
	// never acknowledged as captured unless durably persisted.
	CaptureChange(ctx context.Context, doc *models.CrdtDocument, entry *models.ChangeEntry, rec *models.ChangeRecord) error

	// UndeliveredBatch returns up to limit outbox rows that still need
	// delivery: pending rows plus sent rows whose acknowledgment was never
	// received (at-least-once). Rows are ordered by creation time.
	UndeliveredBatch(ctx context.Context, limit int) ([]*models.ChangeRecord, error)

	// MarkSent records the send attempt time for the given rows.
	MarkSent(ctx context.Context, ids []string, at time.Time) error

	// MarkAcknowledged records explicit server acknowledgment. Idempotent:
	// an already-acknowledged row keeps its original acknowledged_at.
	MarkAcknowledged(ctx context.Context, ids []string, at time.Time) error

	// IncrementRetry bumps retry_count and records the transport error for
	// rows whose delivery failed.
	IncrementRetry(ctx context.Context, ids []string, lastError string) error

	// MarkFailed marks a row permanently failed after exceeding the retry
	// budget. Failed rows are no longer retried and are surfaced through
	// sync_status.sync_errors.
	MarkFailed(ctx context.Context, id, lastError string) error

	// PendingCount returns the number of undelivered rows for a table.
	PendingCount(ctx context.Context, table string) (int, error)

	// FailedCount returns the number of permanently failed rows for a table.
	FailedCount(ctx context.Context, table string) (int, error)
}
