package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	persistence "datagrid-studio/persistence"
	"datagrid-studio/persistence/config"
	"datagrid-studio/persistence/logger"
	"datagrid-studio/persistence/status"
)

// formatStartupConfig creates a formatted multi-line config summary
func formatStartupConfig(cfg *config.Config) string {
	return fmt.Sprintf(`
┌─────────────────────────────────────────────────────────────
│ DATAGRID PERSISTENCE (Changelog → Snapshot)
├─────────────────────────────────────────────────────────────
│ Storage
│   Engine Path:      %s
│   Changelog Dir:    %s
│   Snapshot Dir:     %s
├─────────────────────────────────────────────────────────────
│ Snapshots
│   Shard Rows:       %d
│   Compression:      %s
├─────────────────────────────────────────────────────────────
│ Compaction
│   Tick:             %s
│   Idle After:       %s
│   Max Pending:      %d
└─────────────────────────────────────────────────────────────`,
		cfg.Engine.Path,
		cfg.Changelog.Dir,
		cfg.Snapshot.Dir,
		cfg.Snapshot.ShardRows,
		cfg.Snapshot.Compression,
		cfg.Compactor.Tick,
		cfg.Compactor.IdleAfter,
		cfg.Compactor.MaxPending,
	)
}

func main() {
	// Load configuration and initialize logger
	config.MustLoad()
	logger.Init()

	cfg := config.Get()

	// Print startup configuration (directly to stdout for formatting)
	fmt.Println(formatStartupConfig(cfg))

	// Ensure the engine database directory exists
	dbDir := filepath.Dir(cfg.Engine.Path)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		slog.Error("failed to create engine directory", slog.String("path", dbDir), slog.Any("error", err))
		os.Exit(1)
	}

	session, err := persistence.Open(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to open session", slog.Any("error", err))
		os.Exit(1)
	}

	session.OnPersistenceStatusChange(func(s status.Snapshot) {
		slog.Info("persistence status changed",
			slog.String("status", string(s.Persistence)),
			slog.Int64("pending_edits", s.PendingEdits))
	})
	session.OnCompactionStatusChange(func(c status.Compaction) {
		slog.Info("compaction status changed", slog.String("status", string(c)))
	})

	for _, t := range session.Tables() {
		slog.Info("table hydrated",
			slog.String("table", t.Name),
			slog.String("table_id", t.ID),
			slog.String("state", t.State.String()),
			slog.Int64("rows", t.RowCount))
	}

	// SIGUSR1 toggles debug logging at runtime
	debugSig := make(chan os.Signal, 1)
	signal.Notify(debugSig, syscall.SIGUSR1)
	go func() {
		debug := false
		for range debugSig {
			debug = !debug
			if debug {
				logger.SetLevel("debug")
			} else {
				logger.SetLevel(cfg.Log.Level)
			}
			slog.Info("debug logging toggled", slog.Bool("enabled", debug))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down session")
	if err := session.Close(); err != nil {
		slog.Error("failed to close session", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("session closed successfully")
}
