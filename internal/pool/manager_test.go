package pool

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/jsmem/internal/gc"
)

var _ gc.Allocator = (*Manager)(nil)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	return NewManager(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// heapConfig disables the background trigger so tests control every pass.
func heapConfig() gc.Config {
	cfg := gc.DefaultConfig()
	cfg.MemoryThreshold = 0
	cfg.TimeThreshold = 0
	cfg.MaxHeapSize = 0
	return cfg
}

func newTestHeap(t *testing.T, cfg gc.Config, m *Manager) *gc.Collector {
	t.Helper()
	heap := gc.New(cfg, gc.WithAllocator(m), gc.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(heap.WaitBackground)
	return heap
}

func smallManagerConfig() ManagerConfig {
	return ManagerConfig{
		Enabled: true,
		Pools: map[Type]Config{
			Small:  {BlockSize: 64, BlocksPerChunk: 4, MaxChunks: 2, Enabled: true, ShrinkThreshold: 0.5},
			Large:  {BlockSize: 1024, BlocksPerChunk: 2, MaxChunks: 1, Enabled: true, ShrinkThreshold: 0.5},
			String: {BlockSize: 128, BlocksPerChunk: 4, MaxChunks: 1, Enabled: true, ShrinkThreshold: 0.5},
		},
		Nursery:           NurseryConfig{MaxSize: 1000, Enabled: true},
		PressureThreshold: 0.5,
	}
}

func TestManager_RoutesToPools(t *testing.T) {
	m := newTestManager(t, smallManagerConfig())

	buf, err := m.Allocate(1, "string", 100, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), buf)

	_, err = m.Allocate(2, "Frame", 32, nil)
	require.NoError(t, err)

	// Too big for the string pool, so it goes to the size classes.
	_, err = m.Allocate(3, "string", 500, nil)
	require.NoError(t, err)

	str, _ := m.PoolStats(String)
	small, _ := m.PoolStats(Small)
	large, _ := m.PoolStats(Large)
	assert.Equal(t, 1, str.InUse)
	assert.Equal(t, 1, small.InUse)
	assert.Equal(t, 1, large.InUse)

	_, ok := m.PoolStats(Function)
	assert.False(t, ok)

	s := m.Stats()
	assert.Equal(t, uint64(3), s.Allocations)
	assert.Equal(t, 128+64+1024, s.CurrentBytes)
	assert.Len(t, s.Pools, 3)
	assert.Equal(t, "small", s.Pools[0].Type)
	assert.Equal(t, uint64(3), s.Nursery.Objects)
}

func TestManager_TooLargeFallsBack(t *testing.T) {
	m := newTestManager(t, smallManagerConfig())

	_, err := m.Allocate(1, "blob", 100, make([]byte, 2000))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, uint64(1), m.Stats().Fallbacks)

	// Freeing an object the pools never held only clears the nursery.
	m.Free(1)
	assert.Equal(t, uint64(0), m.Stats().Deallocations)
	assert.Equal(t, uint64(1), m.NurseryStats().Collected)
}

func TestManager_FreeAndPromote(t *testing.T) {
	m := newTestManager(t, smallManagerConfig())

	for id := uint64(1); id <= 3; id++ {
		_, err := m.Allocate(id, "obj", 48, nil)
		require.NoError(t, err)
	}

	m.Promote(1)
	m.Free(2)
	m.Free(2)

	s := m.Stats()
	assert.Equal(t, uint64(1), s.Deallocations)
	assert.Equal(t, 2*64, s.CurrentBytes)
	assert.Equal(t, 3*64, s.PeakBytes)
	assert.Equal(t, uint64(1), s.Nursery.Promoted)
	assert.Equal(t, uint64(1), s.Nursery.Collected)
	assert.Equal(t, 1, s.Nursery.Resident)
}

func TestManager_Disabled(t *testing.T) {
	m := newTestManager(t, smallManagerConfig())
	_, err := m.Allocate(1, "obj", 16, nil)
	require.NoError(t, err)

	m.SetEnabled(false)
	assert.False(t, m.Enabled())
	_, err = m.Allocate(2, "obj", 16, nil)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, 1, m.NurseryStats().Resident)

	// Blocks handed out earlier can still be released.
	m.Free(1)
	assert.Equal(t, 0, m.Stats().CurrentBytes)

	m.SetEnabled(true)
	_, err = m.Allocate(2, "obj", 16, nil)
	assert.NoError(t, err)
}

func TestManager_MemoryPressure(t *testing.T) {
	cfg := smallManagerConfig()
	delete(cfg.Pools, Large)
	delete(cfg.Pools, String)
	cfg.Nursery.MaxSize = 0
	m := newTestManager(t, cfg)

	assert.Equal(t, 0.0, m.MemoryPressure())

	for id := uint64(1); id <= 7; id++ {
		_, err := m.Allocate(id, "obj", 8, nil)
		require.NoError(t, err)
	}
	assert.InDelta(t, 7.0/8.0, m.MemoryPressure(), 1e-9)

	// Above the threshold but the second chunk is still mostly used.
	assert.Equal(t, 0, m.HandleMemoryPressure())

	for id := uint64(2); id <= 7; id++ {
		m.Free(id)
	}
	assert.InDelta(t, 1.0/8.0, m.MemoryPressure(), 1e-9)
	assert.Equal(t, 0, m.HandleMemoryPressure())

	s, _ := m.PoolStats(Small)
	assert.Equal(t, 2, s.Chunks)
}

func TestManager_HandleMemoryPressureShrinks(t *testing.T) {
	cfg := smallManagerConfig()
	delete(cfg.Pools, Large)
	delete(cfg.Pools, String)
	cfg.Nursery.MaxSize = 100
	m := newTestManager(t, cfg)

	for id := uint64(1); id <= 5; id++ {
		_, err := m.Allocate(id, "obj", 16, nil)
		require.NoError(t, err)
	}
	for id := uint64(2); id <= 5; id++ {
		m.Promote(id)
		m.Free(id)
	}
	// Pressure comes from the nursery; the pool itself is nearly empty.
	require.NoError(t, m.nursery.Admit(99, 70))
	require.Greater(t, m.MemoryPressure(), 0.5)

	assert.Equal(t, 1, m.HandleMemoryPressure())
	s, _ := m.PoolStats(Small)
	assert.Equal(t, 1, s.Chunks)
}

func TestManager_Clear(t *testing.T) {
	m := newTestManager(t, smallManagerConfig())
	_, err := m.Allocate(1, "obj", 16, []byte{1})
	require.NoError(t, err)

	m.Clear()
	s := m.Stats()
	assert.Equal(t, 0, s.CurrentBytes)
	assert.Equal(t, uint64(0), s.Allocations)
	assert.Equal(t, 0, s.Nursery.Resident)

	_, err = m.Allocate(1, "obj", 16, nil)
	assert.NoError(t, err)
}

func TestManager_BacksCollector(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, smallManagerConfig())

	cfg := heapConfig()
	cfg.Strategy = gc.Generational
	heap := newTestHeap(t, cfg, m)

	keep, err := heap.Allocate("object", 48, []byte{1, 2, 3})
	require.NoError(t, err)
	drop, err := heap.Allocate("object", 48, nil)
	require.NoError(t, err)
	// Unreferenced objects are never promoted, so drop dies young.
	require.NoError(t, heap.Release(drop))
	big, err := heap.Allocate("blob", 8192, []byte{4})
	require.NoError(t, err)
	require.NoError(t, heap.AddRoot("g", []uint64{keep, big}, gc.RootGlobal))

	obj, ok := heap.GetObject(keep)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, obj.Data)
	obj, ok = heap.GetObject(big)
	require.True(t, ok)
	assert.Equal(t, []byte{4}, obj.Data)

	s := m.Stats()
	assert.Equal(t, uint64(2), s.Allocations)
	assert.Equal(t, uint64(1), s.Fallbacks)

	_, err = heap.CollectGarbage(ctx)
	require.NoError(t, err)
	_, ok = heap.GetObject(drop)
	assert.False(t, ok)

	s = m.Stats()
	assert.Equal(t, uint64(1), s.Deallocations)
	assert.Equal(t, 64, s.CurrentBytes)
	assert.Equal(t, uint64(1), s.Nursery.Promoted)
	assert.Equal(t, uint64(1), s.Nursery.Collected)

	heap.Clear()
	s = m.Stats()
	assert.Equal(t, 0, s.CurrentBytes)
	assert.Equal(t, uint64(2), s.Deallocations)
}

func TestManager_DisabledPoolingKeepsCollectorAllocating(t *testing.T) {
	m := newTestManager(t, smallManagerConfig())
	m.SetEnabled(false)

	heap := newTestHeap(t, heapConfig(), m)

	id, err := heap.Allocate("object", 16, []byte{7})
	require.NoError(t, err)
	obj, ok := heap.GetObject(id)
	require.True(t, ok)
	assert.Equal(t, []byte{7}, obj.Data)
	assert.Equal(t, uint64(0), m.Stats().Allocations)
}
