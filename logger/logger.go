package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"datagrid-studio/persistence/config"
)

// levelVar backs the active log level so SetLevel can adjust it at runtime
// without rebuilding the handler.
var levelVar slog.LevelVar

// Init initializes the global slog logger from config, writing to stdout.
// Call once at startup before any logging.
func Init() {
	InitTo(os.Stdout)
}

// InitTo initializes the global slog logger from config with a custom
// destination. Tests use this to capture output.
func InitTo(w io.Writer) {
	cfg := config.Get().Log
	levelVar.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     &levelVar,
		AddSource: levelVar.Level() == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// SetLevel adjusts the active level of the default logger, e.g. to turn on
// debug logging for a running session.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

// parseLevel converts a string log level to slog.Level.
// Supports debug, info, warn/warning, error; anything else means info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
