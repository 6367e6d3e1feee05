// Package server собирает HTTP API sync-сервера: регистрация устройств,
// push/pull изменений, health check.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/warebase/waresync/internal/server/handlers"
	"github.com/warebase/waresync/internal/server/middleware"
	"github.com/warebase/waresync/internal/storage"
)

// Options параметры HTTP сервера.
type Options struct {
	Addr         string
	Version      string
	JWTSecret    string
	TokenTTL     time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server HTTP API sync-сервера.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New собирает сервер: маршруты, middleware-цепочки, таймауты.
func New(
	opts Options,
	log storage.ServerLogStorage,
	devices handlers.DeviceRegistry,
	logger *slog.Logger,
) *Server {
	jwtCfg := handlers.JWTConfig{
		Secret:   []byte(opts.JWTSecret),
		TokenTTL: opts.TokenTTL,
	}

	healthHandler := handlers.NewHealthHandler(logger, opts.Version)
	deviceHandler := handlers.NewDeviceHandler(logger, devices, jwtCfg)
	syncHandler := handlers.NewSyncHandler(logger, log, devices)

	auth := middleware.AuthMiddleware(logger, jwtCfg)
	// Лимитер стоит после auth: авторизованные запросы лимитируются по
	// device_id, а не по IP за общим NAT склада
	ratelimit := middleware.RateLimitMiddleware(600, time.Minute, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", healthHandler.Health)
	mux.Handle("/api/v1/devices/register", ratelimit(http.HandlerFunc(deviceHandler.HandleRegister)))
	mux.Handle("/api/v1/sync/push", auth(ratelimit(http.HandlerFunc(syncHandler.HandlePush))))
	mux.Handle("/api/v1/sync/pull", auth(ratelimit(http.HandlerFunc(syncHandler.HandlePull))))

	// Цепочка снаружи внутрь: recovery → logging → router
	var handler http.Handler = mux
	handler = middleware.LoggingWithSkip(logger, []string{"/api/v1/health"})(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      handler,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
		logger: logger,
	}
}

// Handler возвращает корневой http.Handler (для httptest).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run запускает сервер и блокируется до отмены контекста.
func (s *Server) Run(ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		s.logger.Info("Sync server listening", "addr", s.httpServer.Addr)
		errC <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
