package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
)

var (
	cfg     *Config
	cfgOnce sync.Once
	cfgErr  error
)

// Get returns the global config, loading it on first call.
// Panics if config loading fails.
func Get() *Config {
	// If config was set via SetForTesting, return it directly
	if cfg != nil {
		return cfg
	}
	cfgOnce.Do(func() {
		cfg, cfgErr = Load()
	})
	if cfgErr != nil {
		panic(fmt.Sprintf("failed to load config: %v", cfgErr))
	}
	return cfg
}

// MustLoad loads config and panics on error. Call once at startup.
func MustLoad() {
	_ = Get()
}

// SetForTesting sets a custom config for testing purposes.
// This bypasses the sync.Once and allows tests to configure the global config.
// Only use in tests.
func SetForTesting(c *Config) {
	cfg = c
	cfgErr = nil
}

// Config holds all configuration for the persistence layer.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Changelog ChangelogConfig `yaml:"changelog"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Compactor CompactorConfig `yaml:"compactor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	AppState  AppStateConfig  `yaml:"appstate"`
	Log       LogConfig       `yaml:"log"`
}

// EngineConfig holds query-engine database configuration.
type EngineConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// ChangelogConfig holds the changelog store configuration.
type ChangelogConfig struct {
	Dir string `yaml:"dir"`
}

// SnapshotConfig holds the columnar snapshot store configuration.
type SnapshotConfig struct {
	Dir         string `yaml:"dir"`
	ShardRows   int64  `yaml:"shard_rows"`   // rows per shard file (default 100000)
	Compression string `yaml:"compression"`  // lz4 | zstd | snappy | none
}

// CompactorConfig controls changelog-to-snapshot compaction triggers.
type CompactorConfig struct {
	Tick       time.Duration `yaml:"tick"`        // trigger re-evaluation interval (default 10s)
	IdleAfter  time.Duration `yaml:"idle_after"`  // idle trigger threshold (default 30s)
	MaxPending int64         `yaml:"max_pending"` // count trigger threshold (default 1000)
	LockName   string        `yaml:"lock_name"`   // lock file name inside the snapshot dir
}

// DebounceTier maps a table size bracket to its save debounce windows.
type DebounceTier struct {
	MaxRows  int64         `yaml:"max_rows"`
	Debounce time.Duration `yaml:"debounce"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

// SchedulerConfig controls structural-save debouncing.
type SchedulerConfig struct {
	Tiers         []DebounceTier `yaml:"tiers"`
	RecentSaveTTL time.Duration  `yaml:"recent_save_ttl"` // skip window for already-saved tables
}

// AppStateConfig locates the saved application-state file.
type AppStateConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultTiers returns the size-adaptive debounce brackets.
func DefaultTiers() []DebounceTier {
	return []DebounceTier{
		{MaxRows: 100_000, Debounce: 2 * time.Second, MaxWait: 15 * time.Second},
		{MaxRows: 500_000, Debounce: 3 * time.Second, MaxWait: 20 * time.Second},
		{MaxRows: 1_000_000, Debounce: 5 * time.Second, MaxWait: 30 * time.Second},
		{MaxRows: 1<<63 - 1, Debounce: 10 * time.Second, MaxWait: 45 * time.Second},
	}
}

// Default returns a Config with all default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".datagrid")

	return &Config{
		Engine: EngineConfig{
			Path:     filepath.Join(base, "engine", "tables.db"),
			PoolSize: 10,
		},
		Changelog: ChangelogConfig{
			Dir: filepath.Join(base, "changelog"),
		},
		Snapshot: SnapshotConfig{
			Dir:         filepath.Join(base, "snapshots"),
			ShardRows:   100_000,
			Compression: "lz4",
		},
		Compactor: CompactorConfig{
			Tick:       10 * time.Second,
			IdleAfter:  30 * time.Second,
			MaxPending: 1000,
			LockName:   "compaction.lock",
		},
		Scheduler: SchedulerConfig{
			Tiers:         DefaultTiers(),
			RecentSaveTTL: 5 * time.Second,
		},
		AppState: AppStateConfig{
			Path: filepath.Join(base, "appstate.json"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from an optional YAML file (DATAGRID_CONFIG_FILE)
// with environment variables taking precedence over both the file and defaults.
// Returns an error for invalid values.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("DATAGRID_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %q: %w", path, err)
		}
	}

	// Engine configuration
	if path := os.Getenv("DATAGRID_ENGINE_PATH"); path != "" {
		cfg.Engine.Path = path
	}

	if size := os.Getenv("DATAGRID_ENGINE_POOL_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DATAGRID_ENGINE_POOL_SIZE %q: %w", size, err)
		}
		cfg.Engine.PoolSize = n
	}

	// Changelog configuration
	if dir := os.Getenv("DATAGRID_CHANGELOG_DIR"); dir != "" {
		cfg.Changelog.Dir = dir
	}

	// Snapshot configuration
	if dir := os.Getenv("DATAGRID_SNAPSHOT_DIR"); dir != "" {
		cfg.Snapshot.Dir = dir
	}

	if rows := os.Getenv("DATAGRID_SNAPSHOT_SHARD_ROWS"); rows != "" {
		n, err := strconv.ParseInt(rows, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DATAGRID_SNAPSHOT_SHARD_ROWS %q: %w", rows, err)
		}
		cfg.Snapshot.ShardRows = n
	}

	if codec := os.Getenv("DATAGRID_SNAPSHOT_COMPRESSION"); codec != "" {
		cfg.Snapshot.Compression = codec
	}

	// Compactor configuration
	if tick := os.Getenv("DATAGRID_COMPACTOR_TICK"); tick != "" {
		d, err := time.ParseDuration(tick)
		if err != nil {
			return nil, fmt.Errorf("invalid DATAGRID_COMPACTOR_TICK %q: %w", tick, err)
		}
		cfg.Compactor.Tick = d
	}

	if idle := os.Getenv("DATAGRID_COMPACTOR_IDLE_AFTER"); idle != "" {
		d, err := time.ParseDuration(idle)
		if err != nil {
			return nil, fmt.Errorf("invalid DATAGRID_COMPACTOR_IDLE_AFTER %q: %w", idle, err)
		}
		cfg.Compactor.IdleAfter = d
	}

	if pending := os.Getenv("DATAGRID_COMPACTOR_MAX_PENDING"); pending != "" {
		n, err := strconv.ParseInt(pending, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DATAGRID_COMPACTOR_MAX_PENDING %q: %w", pending, err)
		}
		cfg.Compactor.MaxPending = n
	}

	// App-state configuration
	if path := os.Getenv("DATAGRID_APPSTATE_PATH"); path != "" {
		cfg.AppState.Path = path
	}

	// Log configuration
	if level := os.Getenv("DATAGRID_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if format := os.Getenv("DATAGRID_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	if len(cfg.Scheduler.Tiers) == 0 {
		cfg.Scheduler.Tiers = DefaultTiers()
	}

	return cfg, nil
}
