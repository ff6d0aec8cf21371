package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generationalConfig() Config {
	cfg := testConfig()
	cfg.Strategy = Generational
	return cfg
}

func TestGenerational_PromotesByReferenceCount(t *testing.T) {
	c := newTestCollector(t, generationalConfig())

	young := mustAllocate(t, c, "young", 10)
	busy := mustAllocate(t, c, "busy", 10)
	for i := 0; i < 9; i++ {
		require.NoError(t, c.Retain(busy))
	}
	require.NoError(t, c.AddRoot("g", []uint64{young, busy}, RootGlobal))

	stats := collect(t, c)
	assert.Equal(t, uint64(1), stats.TotalCollections)

	// Count 1 meets the gen-0 threshold only.
	obj, _ := c.GetObject(young)
	assert.Equal(t, uint8(1), obj.Generation)

	// Count 10 meets gen-0 and gen-1 thresholds in the same pass.
	obj, _ = c.GetObject(busy)
	assert.Equal(t, uint8(2), obj.Generation)
}

func TestGenerational_CapsAtOldestGeneration(t *testing.T) {
	c := newTestCollector(t, generationalConfig())

	id := mustAllocate(t, c, "hot", 10)
	for i := 0; i < 500; i++ {
		require.NoError(t, c.Retain(id))
	}
	require.NoError(t, c.AddRoot("g", []uint64{id}, RootGlobal))

	for i := 0; i < 5; i++ {
		collect(t, c)
		obj, _ := c.GetObject(id)
		assert.LessOrEqual(t, obj.Generation, uint8(2))
	}
	obj, _ := c.GetObject(id)
	assert.Equal(t, uint8(2), obj.Generation)
}

func TestGenerational_Monotonic(t *testing.T) {
	c := newTestCollector(t, generationalConfig())

	var ids []uint64
	for i := 0; i < 20; i++ {
		id := mustAllocate(t, c, "obj", 1)
		for j := 0; j < i*6; j++ {
			require.NoError(t, c.Retain(id))
		}
		ids = append(ids, id)
	}
	require.NoError(t, c.AddRoot("g", ids, RootGlobal))

	last := make(map[uint64]uint8)
	for round := 0; round < 4; round++ {
		// Dropping counts must never demote.
		for _, id := range ids[:10] {
			_ = c.Release(id)
		}
		collect(t, c)
		for _, id := range ids {
			obj, ok := c.GetObject(id)
			require.True(t, ok)
			assert.GreaterOrEqual(t, obj.Generation, last[id])
			assert.LessOrEqual(t, obj.Generation, uint8(2))
			last[id] = obj.Generation
		}
	}
}

func TestGenerational_ZeroCountNotPromoted(t *testing.T) {
	c := newTestCollector(t, generationalConfig())

	id := mustAllocate(t, c, "obj", 1)
	require.NoError(t, c.Release(id))
	require.NoError(t, c.AddRoot("g", []uint64{id}, RootGlobal))

	collect(t, c)
	obj, ok := c.GetObject(id)
	require.True(t, ok)
	assert.Equal(t, uint8(0), obj.Generation)
}

func TestGenerational_CollectsUnreachable(t *testing.T) {
	c := newTestCollector(t, generationalConfig())

	kept := mustAllocate(t, c, "kept", 10)
	mustAllocate(t, c, "garbage", 40)
	require.NoError(t, c.AddRoot("g", []uint64{kept}, RootGlobal))

	stats := collect(t, c)
	assert.Equal(t, uint64(1), stats.TotalCollections)
	assert.Equal(t, uint64(1), stats.TotalObjectsCollected)
	assert.Equal(t, 40, stats.TotalMemoryFreed)
}

func TestGenerational_ExpiredBudgetStopsEarly(t *testing.T) {
	c := newTestCollector(t, generationalConfig())
	id := mustAllocate(t, c, "obj", 1)
	require.NoError(t, c.AddRoot("g", []uint64{id}, RootGlobal))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.generationalCollect(ctx)
	assert.Empty(t, res.collected)

	obj, _ := c.GetObject(id)
	assert.Equal(t, uint8(0), obj.Generation)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Strategy = Generational
	cfg.Generational.Generations = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Strategy = Generational
	cfg.Generational.PromotionThresholds = []uint32{1}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Strategy = Incremental
	cfg.Incremental.ObjectsPerStep = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Strategy = Strategy(42)
	assert.Error(t, cfg.Validate())
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{MarkAndSweep, Generational, Incremental, Concurrent} {
		parsed, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStrategy("refcount")
	assert.Error(t, err)
}
