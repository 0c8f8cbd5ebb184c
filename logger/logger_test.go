package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"datagrid-studio/persistence/config"
)

func TestSetLevelAdjustsRuntimeFiltering(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	config.SetForTesting(cfg)

	var buf bytes.Buffer
	InitTo(&buf)

	slog.Debug("hidden record")
	if strings.Contains(buf.String(), "hidden record") {
		t.Fatal("Debug record emitted at info level")
	}

	SetLevel("debug")
	slog.Debug("visible record")
	if !strings.Contains(buf.String(), "visible record") {
		t.Error("Debug record filtered after raising the level")
	}

	SetLevel("info")
	slog.Debug("hidden again")
	if strings.Contains(buf.String(), "hidden again") {
		t.Error("Debug record emitted after lowering the level back")
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := parseLevel("nonsense"); got != slog.LevelInfo {
		t.Errorf("Expected info for unknown level, got %v", got)
	}
	if got := parseLevel("WARNING"); got != slog.LevelWarn {
		t.Errorf("Expected warn for WARNING, got %v", got)
	}
}
