package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Compactor.Tick != 10*time.Second {
		t.Errorf("Expected 10s tick, got %v", cfg.Compactor.Tick)
	}
	if cfg.Compactor.IdleAfter != 30*time.Second {
		t.Errorf("Expected 30s idle threshold, got %v", cfg.Compactor.IdleAfter)
	}
	if cfg.Compactor.MaxPending != 1000 {
		t.Errorf("Expected 1000 pending threshold, got %d", cfg.Compactor.MaxPending)
	}
	if cfg.Snapshot.ShardRows != 100_000 {
		t.Errorf("Expected 100000 shard rows, got %d", cfg.Snapshot.ShardRows)
	}
	if len(cfg.Scheduler.Tiers) != 4 {
		t.Fatalf("Expected 4 debounce tiers, got %d", len(cfg.Scheduler.Tiers))
	}
}

func TestDefaultTierBrackets(t *testing.T) {
	tiers := DefaultTiers()

	cases := []struct {
		maxRows  int64
		debounce time.Duration
		maxWait  time.Duration
	}{
		{100_000, 2 * time.Second, 15 * time.Second},
		{500_000, 3 * time.Second, 20 * time.Second},
		{1_000_000, 5 * time.Second, 30 * time.Second},
		{1<<63 - 1, 10 * time.Second, 45 * time.Second},
	}
	for i, c := range cases {
		if tiers[i].MaxRows != c.maxRows || tiers[i].Debounce != c.debounce || tiers[i].MaxWait != c.maxWait {
			t.Errorf("Tier %d: expected %+v, got %+v", i, c, tiers[i])
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATAGRID_ENGINE_PATH", "/tmp/custom/engine.db")
	t.Setenv("DATAGRID_SNAPSHOT_SHARD_ROWS", "5000")
	t.Setenv("DATAGRID_COMPACTOR_TICK", "3s")
	t.Setenv("DATAGRID_SNAPSHOT_COMPRESSION", "zstd")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Path != "/tmp/custom/engine.db" {
		t.Errorf("Engine path override not applied: %s", cfg.Engine.Path)
	}
	if cfg.Snapshot.ShardRows != 5000 {
		t.Errorf("Shard rows override not applied: %d", cfg.Snapshot.ShardRows)
	}
	if cfg.Compactor.Tick != 3*time.Second {
		t.Errorf("Tick override not applied: %v", cfg.Compactor.Tick)
	}
	if cfg.Snapshot.Compression != "zstd" {
		t.Errorf("Compression override not applied: %s", cfg.Snapshot.Compression)
	}
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("DATAGRID_COMPACTOR_MAX_PENDING", "lots")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for invalid numeric value")
	}
}

func TestConfigFileOverlay(t *testing.T) {
	dir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	body := []byte("snapshot:\n  compression: snappy\ncompactor:\n  max_pending: 250\n")
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATAGRID_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Snapshot.Compression != "snappy" {
		t.Errorf("File overlay not applied: %s", cfg.Snapshot.Compression)
	}
	if cfg.Compactor.MaxPending != 250 {
		t.Errorf("File overlay not applied: %d", cfg.Compactor.MaxPending)
	}
	// Untouched keys keep their defaults.
	if cfg.Compactor.Tick != 10*time.Second {
		t.Errorf("Default lost in overlay: %v", cfg.Compactor.Tick)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("snapshot:\n  compression: snappy\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATAGRID_CONFIG_FILE", path)
	t.Setenv("DATAGRID_SNAPSHOT_COMPRESSION", "none")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Snapshot.Compression != "none" {
		t.Errorf("Env should beat the file, got %s", cfg.Snapshot.Compression)
	}
}
