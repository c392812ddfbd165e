package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/kedb-retrieval/internal/adapters/http"
	"github.com/kirillkom/kedb-retrieval/internal/bootstrap"
	"github.com/kirillkom/kedb-retrieval/internal/config"
	"github.com/kirillkom/kedb-retrieval/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("kedb-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := httpadapter.LoadOpenAPI(ctx); err != nil {
		logger.Error("openapi_invalid", "error", err)
		os.Exit(1)
	}

	if cfg.JWTSecret == "" {
		if cfg.AllowOpenAdmin {
			logger.Warn("auth_disabled_admin_open", "detail", "JWT_SECRET unset and ALLOW_UNAUTHENTICATED_ADMIN set; admin and sync routes accept anonymous callers")
		} else {
			logger.Warn("auth_disabled", "detail", "JWT_SECRET unset; admin and sync routes are refused")
		}
	}

	app, err := bootstrap.New(ctx, cfg, "api", logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router := httpadapter.NewRouter(cfg, httpadapter.Dependencies{
		Search:      app.Query,
		Suggest:     app.Suggest,
		Decisions:   app.Decisions,
		Maintenance: app.Maintenance,
		Hook:        app.Hook,
		Metrics:     app.HTTPMetrics,
		Logger:      logger,
	}).Handler()

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		logger.Error("api_listen_failed", "port", cfg.APIPort, "error", err)
		os.Exit(1)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	// The in-process queue has no other consumer, so the API drains it.
	if cfg.SyncQueueBackend == "memory" {
		go func() {
			if err := app.Sync.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sync_drain_stopped", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "max_connections", cfg.APIMaxConnections)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
