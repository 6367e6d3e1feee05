package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/warebase/waresync/internal/cli"
	"github.com/warebase/waresync/internal/conflict"
	"github.com/warebase/waresync/internal/config"
	"github.com/warebase/waresync/internal/connectivity"
	"github.com/warebase/waresync/internal/crdt"
	"github.com/warebase/waresync/internal/docstore"
	"github.com/warebase/waresync/internal/inbox"
	"github.com/warebase/waresync/internal/orchestrator"
	"github.com/warebase/waresync/internal/outbox"
	"github.com/warebase/waresync/internal/registry"
	"github.com/warebase/waresync/internal/status"
	"github.com/warebase/waresync/internal/storage/boltdb"
	"github.com/warebase/waresync/internal/storage/sqlite"
	"github.com/warebase/waresync/internal/transport/httpapi"
	"github.com/warebase/waresync/pkg/api"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// agent собирает все компоненты устройства-участника синхронизации
type agent struct {
	store     *sqlite.Storage
	meta      *boltdb.Storage
	documents *docstore.Store
	writer    *outbox.Writer
	resolver  *conflict.Resolver
	tracker   *status.Tracker
	orch      *orchestrator.Orchestrator
	monitor   *connectivity.HTTPProbe
	deviceID  string
}

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "", "Path to YAML config file")
	serverURL := flag.String("server", "", "Sync server URL (overrides config)")
	dbPath := flag.String("db", "", "Path to local SQLite database (overrides config)")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		cli.PrintUsage()
		os.Exit(1)
	}
	command := args[0]

	cfg, err := config.Load(*configPath)
	if err != nil {
		cli.Fatal(err)
	}
	if *serverURL != "" {
		cfg.Agent.ServerURL = *serverURL
	}
	if *dbPath != "" {
		cfg.Agent.DBPath = *dbPath
	}

	logger := newLogger(cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildAgent(ctx, cfg, logger)
	if err != nil {
		cli.Fatal(err)
	}
	defer a.close(logger)

	switch command {
	case "run":
		go a.monitor.Run(ctx)
		logger.Info("Agent started",
			"device_id", a.deviceID,
			"server", cfg.Agent.ServerURL,
			"sync_interval", cfg.Agent.SyncInterval.String())
		if err := a.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			cli.Fatal(err)
		}
	case "set":
		if err := cli.RunSet(ctx, args[1:], a.writer); err != nil {
			cli.Fatal(err)
		}
	case "delete":
		if err := cli.RunDelete(ctx, args[1:], a.writer); err != nil {
			cli.Fatal(err)
		}
	case "get":
		if err := cli.RunGet(ctx, args[1:], a.documents); err != nil {
			cli.Fatal(err)
		}
	case "status":
		if err := cli.RunStatus(ctx, a.tracker); err != nil {
			cli.Fatal(err)
		}
	case "sync":
		if err := cli.RunSync(ctx, a.orch); err != nil {
			cli.Fatal(err)
		}
	case "conflicts":
		if err := cli.RunConflicts(ctx, a.store, cfg.Agent.StaleConflictAge); err != nil {
			cli.Fatal(err)
		}
	case "resolve":
		if err := cli.RunResolve(ctx, args[1:], a.resolver); err != nil {
			cli.Fatal(err)
		}
	case "resnapshot":
		if err := cli.RunResnapshot(ctx, args[1:], a.documents, a.store, a.meta); err != nil {
			cli.Fatal(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		cli.PrintUsage()
		os.Exit(1)
	}
}

func buildAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent, error) {
	store, err := sqlite.New(ctx, cfg.Agent.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	meta, err := boltdb.New(ctx, cfg.Agent.MetaPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	// Идентичность установки: рождается локально при первом старте,
	// переживает рестарты и офлайн-периоды
	deviceID, fingerprint, err := meta.GetDeviceIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		deviceID = uuid.New().String()
		fingerprint = uuid.New().String()
		if err := meta.SaveDeviceIdentity(ctx, deviceID, fingerprint); err != nil {
			return nil, err
		}
		logger.Info("Initialized device identity", "device_id", deviceID)
	}

	devices := registry.New(store, logger)
	if _, err := devices.Register(ctx, registry.RegisterParams{
		ID:          deviceID,
		Fingerprint: fingerprint,
		DeviceName:  cfg.Agent.DeviceName,
		DeviceType:  cfg.Agent.DeviceType,
		Platform:    "linux",
	}); err != nil {
		return nil, fmt.Errorf("failed to register device locally: %w", err)
	}

	client := httpapi.NewClient(cfg.Agent.ServerURL)

	// Удаленная регистрация идемпотентна; офлайн-старт не фатален,
	// токен будет получен при первом успешном подключении
	if resp, err := client.RegisterDevice(ctx, api.RegisterDeviceRequest{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		DeviceName:  cfg.Agent.DeviceName,
		DeviceType:  cfg.Agent.DeviceType,
		Platform:    "linux",
	}); err != nil {
		logger.Warn("Server registration deferred", "error", err)
	} else {
		client.SetToken(resp.Token)
	}

	clock := crdt.NewLamportClockWithActor(deviceID)
	documents := docstore.New(store, meta, clock, logger)
	writer := outbox.NewWriter(documents, store, logger)
	processor := inbox.NewProcessor(documents, store, store, deviceID, logger)
	resolver := conflict.NewResolver(documents, store, deviceID, logger)
	tracker := status.NewTracker(store, store, store, logger)

	monitor := connectivity.NewHTTPProbe(
		cfg.Agent.ServerURL+"/api/v1/health", cfg.Agent.ProbeInterval, logger)

	opts := orchestrator.DefaultOptions()
	opts.BatchSize = cfg.Agent.BatchSize
	opts.MaxRetries = cfg.Agent.MaxRetries
	opts.Interval = cfg.Agent.SyncInterval

	orch := orchestrator.New(
		deviceID, client, store, processor, resolver, store,
		tracker, meta, clock, devices, monitor, opts, logger)

	if err := orch.Restore(ctx); err != nil {
		return nil, err
	}

	return &agent{
		store:     store,
		meta:      meta,
		documents: documents,
		writer:    writer,
		resolver:  resolver,
		tracker:   tracker,
		orch:      orch,
		monitor:   monitor,
		deviceID:  deviceID,
	}, nil
}

func (a *agent) close(logger *slog.Logger) {
	if err := a.meta.Close(); err != nil {
		logger.Error("Failed to close metadata store", "error", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Error("Failed to close database", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func printVersion() {
	fmt.Printf("WareSync Agent\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
