package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Strel-k/calmconnect-live/internal/server"
	"github.com/Strel-k/calmconnect-live/internal/storage"
	"github.com/Strel-k/calmconnect-live/pkg/config"
	"github.com/Strel-k/calmconnect-live/pkg/logging"
)

func main() {
	bootLogger := logging.New("info")

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level)
	slog.SetDefault(logger)

	var store storage.Store
	switch cfg.Storage.Driver {
	case "postgres":
		store, err = storage.OpenPostgres(cfg.Storage.DSN)
		if err != nil {
			logger.Error("failed to open postgres storage", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("storage ready", slog.String("driver", "postgres"))
	default:
		store = storage.NewMemoryStore()
		logger.Warn("using in-memory storage; notifications will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, store)
	if err := app.Run(); err != nil {
		logger.Error("application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("application shut down successfully.")
}
