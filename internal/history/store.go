// Package history keeps a SQLite log of collection passes so collector
// behavior can be compared across runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kilupskalvis/jsmem/internal/gc"
)

// Run is one recorded collection pass.
type Run struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	Strategy    string    `json:"strategy"`
	DurationMs  float64   `json:"duration_ms"`
	Collected   int       `json:"collected"`
	FreedBytes  int       `json:"freed_bytes"`
	LiveObjects uint64    `json:"live_objects"`
	HeapSize    int       `json:"heap_size"`
	Label       string    `json:"label,omitempty"`
}

// Summary aggregates every recorded run.
type Summary struct {
	Runs          int     `json:"runs"`
	Collected     int64   `json:"collected"`
	FreedBytes    int64   `json:"freed_bytes"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs float64 `json:"max_duration_ms"`
}

// Store is the SQLite history database.
type Store struct {
	db *sql.DB
}

// New creates a new store connection.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Open creates a connection and brings the schema up to date.
func Open(dbPath string) (*Store, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.RunMigrations(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Initialize creates the base schema.
func (s *Store) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		duration_ms REAL NOT NULL,
		collected INTEGER NOT NULL,
		freed_bytes INTEGER NOT NULL,
		live_objects INTEGER NOT NULL,
		heap_size INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Record inserts a run, assigning an ID when it has none.
func (s *Store) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections
			(id, started_at, strategy, duration_ms, collected, freed_bytes, live_objects, heap_size, label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt.UnixMilli(), run.Strategy, run.DurationMs, run.Collected,
		run.FreedBytes, int64(run.LiveObjects), run.HeapSize, run.Label)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, strategy, duration_ms, collected, freed_bytes, live_objects, heap_size, label
		FROM collections
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r       Run
			started int64
			live    int64
		)
		if err := rows.Scan(&r.ID, &started, &r.Strategy, &r.DurationMs, &r.Collected,
			&r.FreedBytes, &live, &r.HeapSize, &r.Label); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.LiveObjects = uint64(live)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// Summary aggregates all runs.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(collected), 0),
			COALESCE(SUM(freed_bytes), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(MAX(duration_ms), 0)
		FROM collections
	`).Scan(&sum.Runs, &sum.Collected, &sum.FreedBytes, &sum.AvgDurationMs, &sum.MaxDurationMs)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize runs: %w", err)
	}
	return &sum, nil
}

// Recorder writes every collection pass to a Store.
type Recorder struct {
	store  *Store
	label  string
	logger *slog.Logger
}

// NewRecorder returns an observer that records passes under label.
func NewRecorder(store *Store, label string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, label: label, logger: logger}
}

// OnCollection implements gc.CollectionObserver.
func (r *Recorder) OnCollection(e gc.CollectionEvent) {
	run := &Run{
		StartedAt:   time.Now().Add(-e.Duration),
		Strategy:    e.Strategy.String(),
		DurationMs:  float64(e.Duration.Microseconds()) / 1000.0,
		Collected:   len(e.Collected),
		FreedBytes:  e.Freed,
		LiveObjects: e.Stats.LiveObjects,
		HeapSize:    e.Stats.CurrentHeapSize,
		Label:       r.label,
	}
	if err := r.store.Record(context.Background(), run); err != nil {
		r.logger.Warn("failed to record collection", "error", err)
	}
}
