// Package config manages jsmem configuration and the .jsmem workspace
// directory. It handles loading, saving and initializing jsmem.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kilupskalvis/jsmem/internal/gc"
	"github.com/kilupskalvis/jsmem/internal/icache"
	"github.com/kilupskalvis/jsmem/internal/pool"
)

const (
	Dir             = ".jsmem"
	ConfigFile      = "jsmem.toml"
	SnapshotsDBFile = "snapshots.db"
	HistoryDBFile   = "history.db"
)

// Config is the on-disk configuration.
type Config struct {
	GC      GCConfig      `toml:"gc"`
	Cache   CacheConfig   `toml:"cache"`
	Pool    PoolConfig    `toml:"pool"`
	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`
	path    string        // path to .jsmem directory
}

type GCConfig struct {
	Strategy            string             `toml:"strategy"`
	Enabled             bool               `toml:"enabled"`
	MemoryThreshold     int                `toml:"memory_threshold"`
	TimeThresholdMs     int64              `toml:"time_threshold_ms"`
	MaxHeapSize         int                `toml:"max_heap_size"`
	CollectionTimeoutMs int64              `toml:"collection_timeout_ms"`
	Generational        GenerationalConfig `toml:"generational"`
	Incremental         IncrementalConfig  `toml:"incremental"`
}

type GenerationalConfig struct {
	Generations           uint8     `toml:"generations"`
	PromotionThresholds   []uint32  `toml:"promotion_thresholds"`
	CollectionFrequencies []float64 `toml:"collection_frequencies"`
}

type IncrementalConfig struct {
	MaxStepTimeMs    int64 `toml:"max_step_time_ms"`
	ObjectsPerStep   int   `toml:"objects_per_step"`
	UseWriteBarriers bool  `toml:"use_write_barriers"`
}

type CacheConfig struct {
	PropertySize int `toml:"property_size"`
	MethodSize   int `toml:"method_size"`
	GlobalSize   int `toml:"global_size"`
}

// PoolConfig switches memory pooling and sizes its nursery. Block sizes
// per pool use the built-in layout.
type PoolConfig struct {
	Enabled           bool    `toml:"enabled"`
	NurserySize       int     `toml:"nursery_size"`
	PressureThreshold float64 `toml:"pressure_threshold"`
}

// StorageConfig holds database paths; relative paths resolve against the
// .jsmem directory.
type StorageConfig struct {
	SnapshotDB string `toml:"snapshot_db"`
	HistoryDB  string `toml:"history_db"`
}

type ServerConfig struct {
	Addr     string   `toml:"addr"`
	Webhooks []string `toml:"webhooks"`
}

// Default returns the stock configuration.
func Default() *Config {
	g := gc.DefaultConfig()
	p := pool.DefaultManagerConfig()
	return &Config{
		GC: GCConfig{
			Strategy:            g.Strategy.String(),
			Enabled:             g.Enabled,
			MemoryThreshold:     g.MemoryThreshold,
			TimeThresholdMs:     g.TimeThreshold.Milliseconds(),
			MaxHeapSize:         g.MaxHeapSize,
			CollectionTimeoutMs: g.CollectionTimeout.Milliseconds(),
			Generational: GenerationalConfig{
				Generations:           g.Generational.Generations,
				PromotionThresholds:   g.Generational.PromotionThresholds,
				CollectionFrequencies: g.Generational.CollectionFrequencies,
			},
			Incremental: IncrementalConfig{
				MaxStepTimeMs:    g.Incremental.MaxStepTime.Milliseconds(),
				ObjectsPerStep:   g.Incremental.ObjectsPerStep,
				UseWriteBarriers: g.Incremental.UseWriteBarriers,
			},
		},
		Cache: CacheConfig{
			PropertySize: icache.DefaultPropertyCacheSize,
			MethodSize:   icache.DefaultMethodCacheSize,
			GlobalSize:   icache.DefaultGlobalCacheSize,
		},
		Pool: PoolConfig{
			Enabled:           p.Enabled,
			NurserySize:       p.Nursery.MaxSize,
			PressureThreshold: p.PressureThreshold,
		},
		Storage: StorageConfig{
			SnapshotDB: SnapshotsDBFile,
			HistoryDB:  HistoryDBFile,
		},
		Server: ServerConfig{
			Addr: ":8720",
		},
	}
}

// FindRoot finds the .jsmem directory by walking up from the current directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		p := filepath.Join(dir, Dir)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a jsmem workspace (or any parent up to root)")
		}
		dir = parent
	}
}

// Load finds the workspace and loads its configuration.
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadDir(root)
}

// LoadDir loads the configuration from a .jsmem directory. Keys missing from
// the file keep their defaults.
func LoadDir(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(path, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.path = path
	return cfg, nil
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0644)
}

// Initialize creates a .jsmem directory under dir with the default
// configuration.
func Initialize(dir string) (*Config, error) {
	path := filepath.Join(dir, Dir)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("jsmem workspace already exists")
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}

	cfg := Default()
	cfg.path = path

	if err := cfg.Save(); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	return cfg, nil
}

// Path returns the .jsmem directory.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(c.path, p)
}

// SnapshotDBPath returns the bbolt snapshot database path.
func (c *Config) SnapshotDBPath() string {
	return c.resolve(c.Storage.SnapshotDB)
}

// HistoryDBPath returns the sqlite history database path.
func (c *Config) HistoryDBPath() string {
	return c.resolve(c.Storage.HistoryDB)
}

// Validate rejects settings the collector or caches cannot run with.
func (c *Config) Validate() error {
	g, err := c.GCConfig()
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}

	gen := c.GC.Generational
	if gen.Generations == 0 {
		return fmt.Errorf("gc.generational.generations must be at least 1")
	}
	if len(gen.PromotionThresholds) != int(gen.Generations) {
		return fmt.Errorf("gc.generational.promotion_thresholds: want %d values, got %d",
			gen.Generations, len(gen.PromotionThresholds))
	}
	if len(gen.CollectionFrequencies) != int(gen.Generations) {
		return fmt.Errorf("gc.generational.collection_frequencies: want %d values, got %d",
			gen.Generations, len(gen.CollectionFrequencies))
	}
	if c.GC.Incremental.ObjectsPerStep <= 0 {
		return fmt.Errorf("gc.incremental.objects_per_step must be positive")
	}
	if c.Cache.PropertySize <= 0 || c.Cache.MethodSize <= 0 || c.Cache.GlobalSize <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}
	if c.Pool.NurserySize < 0 {
		return fmt.Errorf("pool.nursery_size must not be negative")
	}
	if c.Pool.PressureThreshold <= 0 || c.Pool.PressureThreshold > 1 {
		return fmt.Errorf("pool.pressure_threshold must be in (0, 1]")
	}
	return nil
}

// GCConfig converts the [gc] section into a collector configuration.
func (c *Config) GCConfig() (gc.Config, error) {
	strategy, err := gc.ParseStrategy(c.GC.Strategy)
	if err != nil {
		return gc.Config{}, err
	}
	return gc.Config{
		Strategy:          strategy,
		MemoryThreshold:   c.GC.MemoryThreshold,
		TimeThreshold:     time.Duration(c.GC.TimeThresholdMs) * time.Millisecond,
		MaxHeapSize:       c.GC.MaxHeapSize,
		Enabled:           c.GC.Enabled,
		CollectionTimeout: time.Duration(c.GC.CollectionTimeoutMs) * time.Millisecond,
		Generational: gc.GenerationalConfig{
			Generations:           c.GC.Generational.Generations,
			PromotionThresholds:   append([]uint32(nil), c.GC.Generational.PromotionThresholds...),
			CollectionFrequencies: append([]float64(nil), c.GC.Generational.CollectionFrequencies...),
		},
		Incremental: gc.IncrementalConfig{
			MaxStepTime:      time.Duration(c.GC.Incremental.MaxStepTimeMs) * time.Millisecond,
			ObjectsPerStep:   c.GC.Incremental.ObjectsPerStep,
			UseWriteBarriers: c.GC.Incremental.UseWriteBarriers,
		},
	}, nil
}

// NewCaches builds an inline cache manager sized by the [cache] section.
func (c *Config) NewCaches(opts ...icache.Option) *icache.Manager {
	return icache.NewManager(c.Cache.PropertySize, c.Cache.MethodSize, c.Cache.GlobalSize, opts...)
}

// NewPool builds a memory pool manager from the [pool] section. A disabled
// manager is still returned so pooling can be switched on at run time.
func (c *Config) NewPool(opts ...pool.Option) *pool.Manager {
	mc := pool.DefaultManagerConfig()
	mc.Enabled = c.Pool.Enabled
	mc.Nursery.MaxSize = c.Pool.NurserySize
	mc.PressureThreshold = c.Pool.PressureThreshold
	return pool.NewManager(mc, opts...)
}
