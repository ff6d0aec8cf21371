// Package inspect serves a JSON HTTP API for looking into a running heap:
// collector statistics, objects, roots, inline cache statistics, shapes and
// memory pools.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/jsmem/internal/engine"
	"github.com/kilupskalvis/jsmem/internal/gc"
	"github.com/kilupskalvis/jsmem/internal/history"
	"github.com/kilupskalvis/jsmem/internal/pool"
	"github.com/kilupskalvis/jsmem/internal/snapshot"
)

// SnapshotStore is the subset of the snapshot store the API uses.
type SnapshotStore interface {
	Save(ctx context.Context, label string, src snapshot.Source) (*snapshot.Snapshot, error)
	List(ctx context.Context) ([]*snapshot.Snapshot, error)
}

// HistoryStore is the subset of the history store the API uses.
type HistoryStore interface {
	Recent(ctx context.Context, limit int) ([]*history.Run, error)
	Summary(ctx context.Context) (*history.Summary, error)
}

// PoolManager is the subset of the memory pool manager the API uses.
type PoolManager interface {
	Stats() pool.ManagerStats
	SetEnabled(enabled bool)
	HandleMemoryPressure() int
}

// Config holds limits and optional backends for the API.
type Config struct {
	MaxRequestBody int64  // bytes, for JSON endpoints
	AdminToken     string // guards POST endpoints when set
	Snapshots      SnapshotStore
	History        HistoryStore
	Pool           PoolManager
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{MaxRequestBody: 1024 * 1024}
}

type api struct {
	realm  *engine.Realm
	cfg    *Config
	logger *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
func Handler(realm *engine.Realm, cfg *Config, logger *slog.Logger) http.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{realm: realm, cfg: cfg, logger: logger}
	admin := adminAuth(cfg.AdminToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)

	mux.HandleFunc("GET /api/v1/gc/stats", a.handleGCStats)
	mux.HandleFunc("GET /api/v1/gc/objects", a.handleListObjects)
	mux.HandleFunc("GET /api/v1/gc/objects/{id}", a.handleGetObject)
	mux.HandleFunc("GET /api/v1/gc/roots", a.handleRoots)
	mux.Handle("POST /api/v1/gc/collect", admin(http.HandlerFunc(a.handleCollect)))

	mux.HandleFunc("GET /api/v1/cache/stats", a.handleCacheStats)
	mux.HandleFunc("GET /api/v1/shapes", a.handleListShapes)
	mux.HandleFunc("GET /api/v1/shapes/{id}", a.handleGetShape)

	mux.HandleFunc("GET /api/v1/snapshots", a.handleListSnapshots)
	mux.Handle("POST /api/v1/snapshots", admin(http.HandlerFunc(a.handleSaveSnapshot)))
	mux.HandleFunc("GET /api/v1/history", a.handleHistory)

	mux.HandleFunc("GET /api/v1/pool/stats", a.handlePoolStats)
	mux.Handle("POST /api/v1/pool", admin(http.HandlerFunc(a.handleUpdatePool)))

	return applyMiddleware(mux,
		requestIDMiddleware(logger),
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
	)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// GCStatsResponse is returned by GET /api/v1/gc/stats.
type GCStatsResponse struct {
	Strategy         string     `json:"strategy"`
	Enabled          bool       `json:"enabled"`
	IncrementalCycle bool       `json:"incremental_cycle"`
	Stats            gc.GCStats `json:"stats"`
}

func (a *api) handleGCStats(w http.ResponseWriter, _ *http.Request) {
	heap := a.realm.Heap()
	cfg := heap.Config()
	active, _ := heap.IncrementalCycleActive()
	writeJSON(w, http.StatusOK, GCStatsResponse{
		Strategy:         cfg.Strategy.String(),
		Enabled:          cfg.Enabled,
		IncrementalCycle: active,
		Stats:            heap.Stats(),
	})
}

// ObjectSummary is one entry of GET /api/v1/gc/objects.
type ObjectSummary struct {
	ID         uint64 `json:"id"`
	ObjectType string `json:"object_type"`
	Size       int    `json:"size"`
	State      string `json:"state"`
	Generation uint8  `json:"generation"`
	References int    `json:"references"`
}

func (a *api) handleListObjects(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	objects := a.realm.Heap().Objects()
	out := make([]ObjectSummary, 0, min(limit, len(objects)))
	for _, obj := range objects {
		if len(out) == limit {
			break
		}
		out = append(out, ObjectSummary{
			ID:         obj.ID,
			ObjectType: obj.ObjectType,
			Size:       obj.Size,
			State:      obj.State.String(),
			Generation: obj.Generation,
			References: len(obj.References),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": out, "total": len(objects)})
}

func (a *api) handleGetObject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	obj, found := a.realm.Heap().GetObject(id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("object %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (a *api) handleRoots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roots": a.realm.Heap().Roots()})
}

func (a *api) handleCollect(w http.ResponseWriter, r *http.Request) {
	stats, err := a.realm.CollectFull(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.realm.Caches().Stats())
}

func (a *api) handleListShapes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"shapes": a.realm.Caches().Shapes()})
}

func (a *api) handleGetShape(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	def, found := a.realm.Caches().GetShape(id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("shape %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *api) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Snapshots == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "snapshot store not configured")
		return
	}
	snaps, err := a.cfg.Snapshots.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// SaveSnapshotRequest is the body of POST /api/v1/snapshots.
type SaveSnapshotRequest struct {
	Label string `json:"label"`
}

func (a *api) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Snapshots == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "snapshot store not configured")
		return
	}
	var req SaveSnapshotRequest
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	snap, err := a.cfg.Snapshots.Save(r.Context(), req.Label, a.realm.Heap())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	requestLogger(r.Context(), a.logger).Info("snapshot saved", "id", snap.ID, "objects", snap.ObjectCount)
	writeJSON(w, http.StatusCreated, snap)
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "history store not configured")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	runs, err := a.cfg.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	sum, err := a.cfg.History.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "summary": sum})
}

func (a *api) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	if a.cfg.Pool == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "memory pooling not configured")
		return
	}
	writeJSON(w, http.StatusOK, a.cfg.Pool.Stats())
}

// UpdatePoolRequest is the body of POST /api/v1/pool. Omitted fields leave
// the pools as they are.
type UpdatePoolRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
	Relieve bool  `json:"relieve_pressure,omitempty"`
}

// UpdatePoolResponse is returned by POST /api/v1/pool.
type UpdatePoolResponse struct {
	PoolsShrunk int               `json:"pools_shrunk"`
	Stats       pool.ManagerStats `json:"stats"`
}

func (a *api) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Pool == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "memory pooling not configured")
		return
	}
	var req UpdatePoolRequest
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Enabled != nil {
		a.cfg.Pool.SetEnabled(*req.Enabled)
	}
	var resp UpdatePoolResponse
	if req.Relieve {
		resp.PoolsShrunk = a.cfg.Pool.HandleMemoryPressure()
	}
	resp.Stats = a.cfg.Pool.Stats()
	writeJSON(w, http.StatusOK, resp)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
