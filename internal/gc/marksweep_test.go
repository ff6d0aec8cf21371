package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, c *Collector) GCStats {
	t.Helper()
	stats, err := c.CollectGarbage(context.Background())
	require.NoError(t, err)
	return stats
}

func TestMarkAndSweep_CollectsUnreachable(t *testing.T) {
	c := newTestCollector(t, testConfig())

	root := mustAllocate(t, c, "root", 100)
	child1 := mustAllocate(t, c, "child", 100)
	child2 := mustAllocate(t, c, "child", 100)
	orphan := mustAllocate(t, c, "orphan", 100)

	require.NoError(t, c.AddReference(root, child1))
	require.NoError(t, c.AddReference(root, child2))
	require.NoError(t, c.AddRoot("main", []uint64{root}, RootGlobal))

	before := c.Stats()
	assert.Equal(t, uint64(4), before.LiveObjects)

	after := collect(t, c)

	_, ok := c.GetObject(orphan)
	assert.False(t, ok)
	for _, id := range []uint64{root, child1, child2} {
		obj, ok := c.GetObject(id)
		require.True(t, ok)
		assert.Equal(t, Reachable, obj.State)
	}

	assert.Equal(t, uint64(1), after.TotalCollections)
	assert.Equal(t, uint64(1), after.TotalObjectsCollected)
	assert.Equal(t, 100, after.TotalMemoryFreed)
	assert.Equal(t, uint64(3), after.LiveObjects)
	assert.Equal(t, 300, after.CurrentHeapSize)
	assert.Equal(t, 400, after.PeakHeapSize)
}

func TestMarkAndSweep_Statistics(t *testing.T) {
	c := newTestCollector(t, testConfig())

	a := mustAllocate(t, c, "a", 100)
	mustAllocate(t, c, "b", 150)
	require.NoError(t, c.AddRoot("main", []uint64{a}, RootGlobal))

	before := c.Stats()
	assert.Equal(t, uint64(2), before.LiveObjects)
	assert.Equal(t, 250, before.CurrentHeapSize)
	assert.Equal(t, 250, before.PeakHeapSize)

	after := collect(t, c)
	assert.Equal(t, uint64(1), after.TotalCollections)
	assert.Equal(t, uint64(1), after.TotalObjectsCollected)
	assert.Equal(t, 150, after.TotalMemoryFreed)
	assert.GreaterOrEqual(t, after.AvgCollectionTimeMs, 0.0)
	assert.Equal(t, after.LastCollectionTimeMs, after.AvgCollectionTimeMs)
	assert.Greater(t, after.CollectionFrequency, 0.0)
}

func TestMarkAndSweep_RootedCycleSurvives(t *testing.T) {
	c := newTestCollector(t, testConfig())

	a := mustAllocate(t, c, "a", 10)
	b := mustAllocate(t, c, "b", 10)
	d := mustAllocate(t, c, "d", 10)
	require.NoError(t, c.AddReference(a, b))
	require.NoError(t, c.AddReference(b, d))
	require.NoError(t, c.AddReference(d, a))
	require.NoError(t, c.AddReference(a, a))
	require.NoError(t, c.AddRoot("g", []uint64{a}, RootGlobal))

	stats := collect(t, c)
	assert.Equal(t, uint64(0), stats.TotalObjectsCollected)
	for _, id := range []uint64{a, b, d} {
		obj, ok := c.GetObject(id)
		require.True(t, ok)
		assert.Equal(t, Reachable, obj.State)
	}
}

func TestMarkAndSweep_UnrootedCycleCollected(t *testing.T) {
	c := newTestCollector(t, testConfig())

	a := mustAllocate(t, c, "a", 10)
	b := mustAllocate(t, c, "b", 20)
	require.NoError(t, c.AddReference(a, b))
	require.NoError(t, c.AddReference(b, a))

	stats := collect(t, c)
	assert.Equal(t, uint64(2), stats.TotalObjectsCollected)
	assert.Equal(t, 30, stats.TotalMemoryFreed)
	assert.Empty(t, c.Objects())
}

func TestMarkAndSweep_LargeCycle(t *testing.T) {
	c := newTestCollector(t, testConfig())

	const n = 10000
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = mustAllocate(t, c, "node", 1)
	}
	for i := range ids {
		require.NoError(t, c.AddReference(ids[i], ids[(i+1)%n]))
	}
	require.NoError(t, c.AddRoot("g", []uint64{ids[0]}, RootGlobal))

	stats := collect(t, c)
	assert.Equal(t, uint64(0), stats.TotalObjectsCollected)
	assert.Equal(t, uint64(n), stats.LiveObjects)
}

func TestMarkAndSweep_RootRemovalTransitive(t *testing.T) {
	c := newTestCollector(t, testConfig())

	a := mustAllocate(t, c, "a", 10)
	b := mustAllocate(t, c, "b", 10)
	d := mustAllocate(t, c, "d", 10)
	shared := mustAllocate(t, c, "shared", 10)
	require.NoError(t, c.AddReference(a, b))
	require.NoError(t, c.AddReference(b, d))
	require.NoError(t, c.AddReference(b, shared))
	require.NoError(t, c.AddRoot("only", []uint64{a}, RootStack))
	require.NoError(t, c.AddRoot("other", []uint64{shared}, RootModule))

	collect(t, c)
	assert.Len(t, c.Objects(), 4)

	require.NoError(t, c.RemoveRoot("only"))
	stats := collect(t, c)

	assert.Equal(t, uint64(3), stats.TotalObjectsCollected)
	assert.Equal(t, 30, stats.TotalMemoryFreed)
	_, ok := c.GetObject(shared)
	assert.True(t, ok)
	for _, id := range []uint64{a, b, d} {
		_, ok := c.GetObject(id)
		assert.False(t, ok)
	}
}

func TestMarkAndSweep_EndToEnd(t *testing.T) {
	c := newTestCollector(t, testConfig())

	a := mustAllocate(t, c, "A", 10)
	b := mustAllocate(t, c, "B", 10)
	require.Equal(t, uint64(1), a)
	require.Equal(t, uint64(2), b)

	require.NoError(t, c.AddReference(a, 2))
	require.NoError(t, c.AddRoot("g", []uint64{1}, RootGlobal))

	collect(t, c)
	_, ok := c.GetObject(a)
	assert.True(t, ok)
	_, ok = c.GetObject(b)
	assert.True(t, ok)

	require.NoError(t, c.RemoveReference(a, 2))
	collect(t, c)
	_, ok = c.GetObject(a)
	assert.True(t, ok)
	_, ok = c.GetObject(b)
	assert.False(t, ok)
}

func TestMarkAndSweep_NoRootsCollectsEverything(t *testing.T) {
	c := newTestCollector(t, testConfig())
	for i := 0; i < 5; i++ {
		mustAllocate(t, c, "x", 2)
	}

	stats := collect(t, c)
	assert.Equal(t, uint64(5), stats.TotalObjectsCollected)
	assert.Equal(t, 10, stats.TotalMemoryFreed)
	assert.Equal(t, uint64(0), stats.LiveObjects)
	assert.Equal(t, 0, stats.CurrentHeapSize)
}

func TestMarkAndSweep_EmptyHeapStillCounts(t *testing.T) {
	c := newTestCollector(t, testConfig())

	stats := collect(t, c)
	assert.Equal(t, uint64(1), stats.TotalCollections)
	assert.Equal(t, uint64(0), stats.TotalObjectsCollected)
}

func TestConcurrentStrategy_BehavesLikeMarkAndSweep(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = Concurrent
	c := newTestCollector(t, cfg)

	a := mustAllocate(t, c, "a", 10)
	b := mustAllocate(t, c, "b", 10)
	require.NoError(t, c.AddRoot("g", []uint64{a}, RootGlobal))

	stats := collect(t, c)
	assert.Equal(t, uint64(1), stats.TotalCollections)
	assert.Equal(t, uint64(1), stats.TotalObjectsCollected)
	_, ok := c.GetObject(b)
	assert.False(t, ok)
}
