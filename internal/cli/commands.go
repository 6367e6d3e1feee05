// Package cli реализует команды агента: локальные мутации, просмотр
// слитых значений, статус синхронизации и разрешение конфликтов.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/warebase/waresync/internal/conflict"
	"github.com/warebase/waresync/internal/docstore"
	"github.com/warebase/waresync/internal/models"
	"github.com/warebase/waresync/internal/orchestrator"
	"github.com/warebase/waresync/internal/outbox"
	"github.com/warebase/waresync/internal/status"
	"github.com/warebase/waresync/internal/storage"
)

// PrintUsage выводит справку по командам
func PrintUsage() {
	fmt.Println(`WareSync Agent - offline-first warehouse data synchronization

Usage:
  wareagent [flags] <command> [arguments]

Commands:
  run                                    Run background sync daemon
  set <table> <record_id> <f=v>...       Record a local insert/update
  delete <table> <record_id>             Record a local delete
  get <table> <record_id>                Print the merged record value
  status                                 Print per-table sync status
  sync                                   Run a single sync cycle
  conflicts                              List unresolved conflicts
  resolve <id> <strategy> [<f=v>...]     Resolve a conflict (merge, local_wins,
                                         remote_wins, manual)
  resnapshot <table> <record_id>         Drop the local copy of a record and
                                         rebuild it from the server log

Flags:
  -config string   Path to YAML config file
  -server string   Sync server URL
  -db string       Path to local SQLite database
  -version         Show version information`)
}

// RunSet записывает локальную мутацию insert/update
func RunSet(ctx context.Context, args []string, writer outbox.ChangeCapture) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: set <table> <record_id> <field=value>...")
	}

	docType := models.DocumentType(args[0])
	recordID := args[1]

	fields, err := parseFields(args[2:])
	if err != nil {
		return err
	}

	rec, err := writer.RecordChange(ctx, docType, recordID, models.OpUpdate, fields,
		fmt.Sprintf("cli set %s/%s", docType, recordID))
	if err != nil {
		return err
	}

	fmt.Printf("Recorded change %s (version %d)\n", rec.ChangeHash[:12], rec.Version)
	return nil
}

// RunDelete записывает локальное удаление
func RunDelete(ctx context.Context, args []string, writer outbox.ChangeCapture) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: delete <table> <record_id>")
	}

	docType := models.DocumentType(args[0])
	recordID := args[1]

	rec, err := writer.RecordChange(ctx, docType, recordID, models.OpDelete, nil,
		fmt.Sprintf("cli delete %s/%s", docType, recordID))
	if err != nil {
		return err
	}

	fmt.Printf("Recorded delete %s (version %d)\n", rec.ChangeHash[:12], rec.Version)
	return nil
}

// RunGet печатает слитое значение записи
func RunGet(ctx context.Context, args []string, store *docstore.Store) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: get <table> <record_id>")
	}

	value, err := store.MergedValue(ctx, models.DocumentType(args[0]), args[1])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// RunStatus печатает статус синхронизации всех таблиц
func RunStatus(ctx context.Context, tracker *status.Tracker) error {
	for _, docType := range models.DocumentTypes() {
		st, err := tracker.Refresh(ctx, string(docType))
		if err != nil {
			return err
		}

		line := fmt.Sprintf("%-20s pending=%d errors=%d", st.TableName, st.PendingChanges, st.SyncErrors)
		if st.LastSyncAt != nil {
			line += " last_sync=" + st.LastSyncAt.Format("2006-01-02 15:04:05")
		}
		if st.LastError != "" {
			line += " last_error=" + st.LastError
		}
		fmt.Println(line)
	}
	return nil
}

// RunResnapshot сбрасывает локальную копию записи для полного повторного
// снимка: документ, его история, снимок и строки inbox удаляются, курсор
// серверного журнала откатывается к нулю. Следующий sync перекачает журнал
// и соберет запись заново с авторитетной копии.
func RunResnapshot(ctx context.Context, args []string, store *docstore.Store, inbox storage.InboxStorage, metadata storage.MetadataStorage) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: resnapshot <table> <record_id>")
	}

	docType := models.DocumentType(args[0])
	if !models.KnownDocumentType(docType) {
		return fmt.Errorf("unknown table %q", args[0])
	}
	recordID := args[1]

	if err := store.Resnapshot(ctx, docType, recordID); err != nil {
		return err
	}
	if err := inbox.PurgeRecord(ctx, string(docType), recordID); err != nil {
		return err
	}
	if err := metadata.SaveLastServerVersion(ctx, 0); err != nil {
		return err
	}

	fmt.Printf("Local copy of %s/%s dropped; run `wareagent sync` to rebuild it\n", docType, recordID)
	return nil
}

// RunSync выполняет один sync-цикл
func RunSync(ctx context.Context, orch *orchestrator.Orchestrator) error {
	result, err := orch.RunCycle(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Sync completed: pushed=%d acked=%d pulled=%d applied=%d conflicts=%d auto_resolved=%d\n",
		result.Pushed, result.Acked, result.Pulled, result.Applied,
		result.Conflicts, result.AutoResolved)
	return nil
}

// RunConflicts печатает открытые конфликты. Конфликты старше staleAge
// помечаются как устаревшие: их никто не разрешил за разумный срок.
func RunConflicts(ctx context.Context, conflicts storage.ConflictStorage, staleAge time.Duration) error {
	open, err := conflicts.UnresolvedConflicts(ctx)
	if err != nil {
		return err
	}

	if len(open) == 0 {
		fmt.Println("No unresolved conflicts")
		return nil
	}

	stale := make(map[string]bool)
	if staleAge > 0 {
		old, err := conflicts.UnresolvedConflictsBefore(ctx, time.Now().Add(-staleAge))
		if err != nil {
			return err
		}
		for _, c := range old {
			stale[c.ID] = true
		}
	}

	for _, c := range open {
		line := fmt.Sprintf("%s  %s/%s  fields=%s  created=%s",
			c.ID, c.TableName, c.RecordID,
			strings.Join(c.Fields, ","),
			c.CreatedAt.Format("2006-01-02 15:04:05"))
		if stale[c.ID] {
			line += "  STALE"
		}
		fmt.Println(line)
	}
	return nil
}

// RunResolve разрешает конфликт выбранной стратегией
func RunResolve(ctx context.Context, args []string, resolver *conflict.Resolver) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: resolve <conflict_id> <strategy> [<field=value>...]")
	}

	conflictID := args[0]
	strategy := models.ResolutionStrategy(args[1])

	var manualFields map[string]json.RawMessage
	if len(args) > 2 {
		fields, err := parseFields(args[2:])
		if err != nil {
			return err
		}
		manualFields = fields
	}

	c, err := resolver.Resolve(ctx, conflictID, strategy, manualFields)
	if err != nil {
		return err
	}

	fmt.Printf("Conflict %s resolved via %s\n", c.ID, c.Strategy)
	return nil
}

// parseFields разбирает аргументы вида field=value. Значение парсится как
// JSON литерал; не-JSON трактуется как строка.
func parseFields(args []string) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		name, value, found := strings.Cut(arg, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid field argument %q, expected field=value", arg)
		}

		if json.Valid([]byte(value)) {
			fields[name] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[name] = quoted
	}
	return fields, nil
}

// Fatal печатает ошибку и завершает процесс
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
