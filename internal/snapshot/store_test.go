package snapshot

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/jsmem/internal/gc"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newHeap(t *testing.T) (*gc.Collector, []uint64) {
	t.Helper()
	cfg := gc.DefaultConfig()
	cfg.MemoryThreshold = 0
	cfg.MaxHeapSize = 0
	c := gc.New(cfg, gc.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	var ids []uint64
	for i, size := range []int{10, 20, 30} {
		id, err := c.Allocate("obj", size, []byte{byte(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, c.AddReference(ids[0], ids[1]))
	require.NoError(t, c.AddRoot("global", ids[:1], gc.RootGlobal))
	require.NoError(t, c.AddRoot("stack", ids[2:], gc.RootStack))
	return c, ids
}

func TestStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	heap, ids := newHeap(t)

	snap, err := s.Save(ctx, "before", heap)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "before", snap.Label)
	assert.Equal(t, "mark-and-sweep", snap.Strategy)
	assert.Equal(t, 3, snap.ObjectCount)
	assert.Equal(t, 2, snap.RootCount)
	assert.Equal(t, 60, snap.HeapSize)

	got, err := s.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, snap.NextID, got.NextID)

	img, err := s.Load(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, img.Objects, 3)
	assert.Equal(t, ids[0], img.Objects[0].ID)
	assert.Equal(t, []uint64{ids[1]}, img.Objects[0].References)
	assert.Equal(t, []byte{2}, img.Objects[2].Data)
	require.Len(t, img.Roots, 2)
	assert.Equal(t, "global", img.Roots[0].ID)
	assert.Equal(t, gc.RootStack, img.Roots[1].RootType)
}

func TestStore_Restore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	heap, ids := newHeap(t)

	snap, err := s.Save(ctx, "", heap)
	require.NoError(t, err)

	cfg := gc.DefaultConfig()
	cfg.MemoryThreshold = 0
	restored, err := s.Restore(ctx, snap.ID, cfg)
	require.NoError(t, err)
	assert.Len(t, restored.Objects(), 3)

	// The restored heap collects the same way the source heap does.
	stats, err := restored.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.TotalObjectsCollected)

	require.NoError(t, restored.RemoveRoot("stack"))
	stats, err = restored.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalObjectsCollected)
	_, ok := restored.GetObject(ids[2])
	assert.False(t, ok)
}

func TestStore_SnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	heap, _ := newHeap(t)

	first, err := s.Save(ctx, "first", heap)
	require.NoError(t, err)
	_, err = heap.Allocate("extra", 5, nil)
	require.NoError(t, err)
	second, err := s.Save(ctx, "second", heap)
	require.NoError(t, err)

	img, err := s.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, img.Objects, 3)
	img, err = s.Load(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, img.Objects, 4)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].CreatedAt.Before(list[1].CreatedAt))
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	heap, _ := newHeap(t)

	keep, err := s.Save(ctx, "keep", heap)
	require.NoError(t, err)
	drop, err := s.Save(ctx, "drop", heap)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, drop.ID))
	_, err = s.Get(ctx, drop.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, drop.ID), ErrNotFound)

	img, err := s.Load(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, img.Objects, 3)
	assert.Len(t, img.Roots, 2)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
