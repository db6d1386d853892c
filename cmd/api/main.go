package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/config"
	"rae-backend/internal/di"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	container, err := di.NewContainer(ctx, cfg, version)
	if err != nil {
		log.Fatalf("failed to build container: %v", err)
	}
	logger := container.Logger

	// Hot reload only arms itself in development; elsewhere it is inert.
	// Most settings bind at construction, but the pipeline version follows
	// reloads so cached retrievals keyed under stale weights expire.
	watcher, err := config.NewWatcher(cfg, logger)
	if err != nil {
		logger.Warn("configuration watcher unavailable", zap.Error(err))
	} else {
		watcher.OnChange(func(updated *config.Config) {
			container.Retrieval.SetPipelineVersion(updated.PipelineVersion)
		})
		defer watcher.Stop()
	}

	if err := container.Start(ctx); err != nil {
		logger.Fatal("background components failed to start", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      container.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	go func() {
		logger.Info("server listening",
			zap.String("address", srv.Addr),
			zap.String("environment", string(cfg.Environment)),
			zap.String("version", version),
			zap.Strings("config_sources", cfg.LoadedFrom),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	grace := cfg.Server.ShutdownTimeout.Std()
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := container.Stop(shutdownCtx); err != nil {
		logger.Error("component shutdown error", zap.Error(err))
	}
	_ = logger.Sync()

	log.Println("server stopped")
}
