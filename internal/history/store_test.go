package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/jsmem/internal/gc"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesToCurrentVersion(t *testing.T) {
	s := newTestStore(t)

	version, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
	assert.True(t, s.columnExists("collections", "label"))

	// Migrations are idempotent.
	require.NoError(t, s.RunMigrations())
}

func TestMigration_FromV1(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Initialize())

	_, err = s.db.Exec(`INSERT INTO collections
		(id, started_at, strategy, duration_ms, collected, freed_bytes, live_objects, heap_size)
		VALUES ('old', 1, 'mark-and-sweep', 1.5, 2, 30, 4, 50)`)
	require.NoError(t, err)

	version, err := s.getSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	require.NoError(t, s.RunMigrations())

	runs, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "old", runs[0].ID)
	assert.Equal(t, "", runs[0].Label)
}

func TestStore_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, &Run{
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			Strategy:    "generational",
			DurationMs:  float64(i + 1),
			Collected:   i,
			FreedBytes:  i * 10,
			LiveObjects: uint64(100 - i),
			HeapSize:    1000,
			Label:       "bench",
		}))
	}

	runs, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 4, runs[0].Collected)
	assert.Equal(t, 2, runs[2].Collected)
	assert.NotEmpty(t, runs[0].ID)
	assert.Equal(t, base.Add(4*time.Second), runs[0].StartedAt)
	assert.Equal(t, uint64(96), runs[0].LiveObjects)
	assert.Equal(t, "bench", runs[0].Label)
}

func TestStore_Summary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Runs)

	require.NoError(t, s.Record(ctx, &Run{Strategy: "incremental", DurationMs: 2, Collected: 3, FreedBytes: 30}))
	require.NoError(t, s.Record(ctx, &Run{Strategy: "incremental", DurationMs: 4, Collected: 1, FreedBytes: 10}))

	sum, err = s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Runs)
	assert.Equal(t, int64(4), sum.Collected)
	assert.Equal(t, int64(40), sum.FreedBytes)
	assert.InDelta(t, 3.0, sum.AvgDurationMs, 1e-9)
	assert.InDelta(t, 4.0, sum.MaxDurationMs, 1e-9)
}

func TestRecorder_RecordsCollections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cfg := gc.DefaultConfig()
	cfg.MemoryThreshold = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	heap := gc.New(cfg,
		gc.WithLogger(logger),
		gc.WithObserver(NewRecorder(s, "test", logger)),
	)

	_, err := heap.Allocate("garbage", 64, nil)
	require.NoError(t, err)
	_, err = heap.CollectGarbage(ctx)
	require.NoError(t, err)

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "mark-and-sweep", runs[0].Strategy)
	assert.Equal(t, 1, runs[0].Collected)
	assert.Equal(t, 64, runs[0].FreedBytes)
	assert.Equal(t, "test", runs[0].Label)
}
