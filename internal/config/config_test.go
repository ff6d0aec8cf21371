package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/jsmem/internal/gc"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	g, err := cfg.GCConfig()
	require.NoError(t, err)
	assert.Equal(t, gc.DefaultConfig(), g)
}

func TestInitializeAndLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, Dir), cfg.Path())
	assert.FileExists(t, filepath.Join(dir, Dir, ConfigFile))

	_, err = Initialize(dir)
	assert.Error(t, err)

	cfg.GC.Strategy = "generational"
	cfg.Cache.PropertySize = 10
	require.NoError(t, cfg.Save())

	loaded, err := LoadDir(cfg.Path())
	require.NoError(t, err)
	assert.Equal(t, "generational", loaded.GC.Strategy)
	assert.Equal(t, 10, loaded.Cache.PropertySize)
	assert.Equal(t, filepath.Join(dir, Dir, SnapshotsDBFile), loaded.SnapshotDBPath())
	assert.Equal(t, filepath.Join(dir, Dir, HistoryDBFile), loaded.HistoryDBPath())
}

func TestLoadDir_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	data := `
[gc]
strategy = "incremental"

[gc.incremental]
objects_per_step = 7
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(data), 0644))

	cfg, err := LoadDir(dir)
	require.NoError(t, err)

	g, err := cfg.GCConfig()
	require.NoError(t, err)
	assert.Equal(t, gc.Incremental, g.Strategy)
	assert.Equal(t, 7, g.Incremental.ObjectsPerStep)
	assert.Equal(t, 5*time.Second, g.CollectionTimeout)
	assert.Equal(t, uint8(3), g.Generational.Generations)
}

func TestLoadDir_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadDir(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("not = [toml"), 0644))
	_, err = LoadDir(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("[gc]\nstrategy = \"refcount\"\n"), 0644))
	_, err = LoadDir(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero generations", func(c *Config) { c.GC.Generational.Generations = 0 }},
		{"threshold count", func(c *Config) { c.GC.Generational.PromotionThresholds = []uint32{1, 2} }},
		{"frequency count", func(c *Config) { c.GC.Generational.CollectionFrequencies = nil }},
		{"objects per step", func(c *Config) { c.GC.Incremental.ObjectsPerStep = 0 }},
		{"cache size", func(c *Config) { c.Cache.GlobalSize = 0 }},
		{"negative heap", func(c *Config) { c.GC.MaxHeapSize = -1 }},
		{"strategy", func(c *Config) { c.GC.Strategy = "copying" }},
		{"nursery size", func(c *Config) { c.Pool.NurserySize = -1 }},
		{"pressure threshold", func(c *Config) { c.Pool.PressureThreshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewCaches(t *testing.T) {
	cfg := Default()
	cfg.Cache.PropertySize = 3
	m := cfg.NewCaches()
	assert.Equal(t, 3, m.Stats().PropertyCache.MaxSize)
}

func TestNewPool(t *testing.T) {
	cfg := Default()
	cfg.Pool.Enabled = false
	cfg.Pool.NurserySize = 512
	m := cfg.NewPool()
	assert.False(t, m.Enabled())
	assert.Equal(t, 512, m.NurseryStats().MaxSize)

	m.SetEnabled(true)
	_, err := m.Allocate(1, "obj", 16, nil)
	assert.NoError(t, err)
}

func TestAbsoluteStoragePath(t *testing.T) {
	cfg := Default()
	cfg.path = "/work/.jsmem"
	cfg.Storage.HistoryDB = "/var/lib/jsmem/history.db"
	assert.Equal(t, "/var/lib/jsmem/history.db", cfg.HistoryDBPath())
	assert.Equal(t, "/work/.jsmem/snapshots.db", cfg.SnapshotDBPath())
}
