package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nantokaworks/ding-station/internal/env"
	"github.com/nantokaworks/ding-station/internal/localdb"
	"github.com/nantokaworks/ding-station/internal/settings"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"github.com/nantokaworks/ding-station/internal/shared/paths"
	"github.com/nantokaworks/ding-station/internal/worker"
	"go.uber.org/zap"
)

func main() {
	logger.Init(false)
	defer logger.Sync()

	logger.Info("Starting ding-station print worker")

	if err := paths.EnsureDataDirs(); err != nil {
		logger.Fatal("Failed to ensure data directories", zap.Error(err))
	}

	db, err := localdb.SetupDB(paths.GetDBPath())
	if err != nil {
		logger.Fatal("Failed to setup database", zap.Error(err))
	}

	// env.LoadEnv must run after DB initialization.
	env.LoadEnv()
	if env.Value.DebugMode {
		logger.Init(true)
		logger.Info("Debug mode enabled")
	}

	sm := settings.NewSettingsManager(db)
	if err := sm.InitializeDefaultSettings(); err != nil {
		logger.Fatal("Failed to initialize settings", zap.Error(err))
	}
	if err := sm.MigrateFromEnv(); err != nil {
		logger.Warn("Settings migration from environment failed", zap.Error(err))
	}

	w := worker.New(env.Value.QueueSize)
	w.Start(env.Value.WorkerCount)

	// Jobs interrupted by a crash are reset to pending; the backlog sweep
	// then enqueues every pending job exactly once.
	if n, err := w.EnqueueBacklog(); err != nil {
		logger.Error("Failed to enqueue backlog", zap.Error(err))
	} else if n > 0 {
		logger.Info("Enqueued backlog", zap.Int("jobs", n))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	w.Stop()
	if err := localdb.Close(); err != nil {
		logger.Warn("Error closing database", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
