package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// ManagerConfig configures the pools and nursery behind a Manager.
type ManagerConfig struct {
	Enabled bool
	Pools   map[Type]Config
	Nursery NurseryConfig

	// PressureThreshold is the pressure above which HandleMemoryPressure
	// shrinks the pools.
	PressureThreshold float64
}

// DefaultManagerConfig returns every stock pool and nursery enabled.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Enabled:           true,
		Pools:             DefaultConfigs(),
		Nursery:           DefaultNurseryConfig(),
		PressureThreshold: 0.8,
	}
}

// ManagerStats aggregates the manager, its pools and its nursery.
type ManagerStats struct {
	Enabled       bool         `json:"enabled"`
	Allocations   uint64       `json:"allocations"`
	Deallocations uint64       `json:"deallocations"`
	Fallbacks     uint64       `json:"fallbacks"`
	CurrentBytes  int          `json:"current_bytes"`
	PeakBytes     int          `json:"peak_bytes"`
	Pressure      float64      `json:"pressure"`
	Pools         []Stats      `json:"pools"`
	Nursery       NurseryStats `json:"nursery"`
}

// Manager routes object storage to the right pool and keeps the nursery
// in step with the collector. It satisfies gc.Allocator.
type Manager struct {
	logger    *slog.Logger
	enabled   atomic.Bool
	threshold float64
	pools     map[Type]*Pool // fixed after construction
	nursery   *Nursery

	mu        sync.Mutex
	owners    map[uint64]*Pool
	allocs    uint64
	deallocs  uint64
	fallbacks uint64
	current   int
	peak      int
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(cfg ManagerConfig, opts ...Option) *Manager {
	m := &Manager{
		logger:    slog.Default(),
		threshold: cfg.PressureThreshold,
		pools:     make(map[Type]*Pool, len(cfg.Pools)),
		nursery:   NewNursery(cfg.Nursery),
		owners:    make(map[uint64]*Pool),
	}
	for t, pc := range cfg.Pools {
		pc.Type = t
		m.pools[t] = New(pc)
	}
	m.enabled.Store(cfg.Enabled)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEnabled switches pooling on or off. While off, Allocate fails with
// ErrDisabled; blocks already handed out can still be freed.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	m.logger.Info("memory pooling toggled", "enabled", enabled)
}

func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// pick returns the object type's own pool when the block fits, otherwise
// the smallest size class that does.
func (m *Manager) pick(objectType string, need int) (*Pool, error) {
	if t, ok := kindFor(objectType); ok {
		if p := m.pools[t]; p != nil && need <= p.BlockSize() {
			return p, nil
		}
	}
	for _, t := range sizeClasses {
		if p := m.pools[t]; p != nil && need <= p.BlockSize() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s of %d bytes: %w", objectType, need, ErrTooLarge)
}

// Allocate admits object id to the nursery and reserves a block big enough
// for size and data. It returns data copied into that block. On error the
// caller keeps its own copy of data.
func (m *Manager) Allocate(id uint64, objectType string, size int, data []byte) ([]byte, error) {
	if !m.enabled.Load() {
		return nil, ErrDisabled
	}

	if err := m.nursery.Admit(id, size); err != nil && !errors.Is(err, ErrDisabled) {
		m.logger.Debug("object bypassed nursery", "object", id, "error", err)
	}

	p, err := m.pick(objectType, max(size, len(data)))
	if err == nil {
		var buf []byte
		if buf, err = p.Allocate(id, data); err == nil {
			m.mu.Lock()
			m.owners[id] = p
			m.allocs++
			m.current += p.BlockSize()
			m.peak = max(m.peak, m.current)
			m.mu.Unlock()
			return buf, nil
		}
	}

	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()
	return nil, err
}

// Free releases the storage of a collected object. Unknown IDs are ignored.
func (m *Manager) Free(id uint64) {
	m.nursery.Collect(id)

	m.mu.Lock()
	p, ok := m.owners[id]
	if ok {
		delete(m.owners, id)
		m.deallocs++
		m.current -= p.BlockSize()
	}
	m.mu.Unlock()

	if ok {
		if err := p.Deallocate(id); err != nil {
			m.logger.Warn("block release failed", "object", id, "error", err)
		}
	}
}

// Promote moves an object that survived its first generation out of the
// nursery.
func (m *Manager) Promote(id uint64) {
	if err := m.nursery.PromoteObject(id); err != nil {
		m.logger.Debug("promotion of non-nursery object", "object", id)
	}
}

// MemoryPressure is the fuller of the nursery and the pools, from 0 to 1.
func (m *Manager) MemoryPressure() float64 {
	var pressure float64
	if ns := m.nursery.Stats(); ns.MaxSize > 0 {
		pressure = float64(ns.CurrentSize) / float64(ns.MaxSize)
	}
	used, total := 0, 0
	for _, p := range m.pools {
		s := p.Stats()
		used += s.InUseBytes
		total += s.TotalBytes
	}
	if total > 0 {
		pressure = max(pressure, float64(used)/float64(total))
	}
	return pressure
}

// HandleMemoryPressure shrinks every pool once pressure passes the
// threshold, and returns how many pools released a chunk.
func (m *Manager) HandleMemoryPressure() int {
	pressure := m.MemoryPressure()
	if pressure <= m.threshold {
		return 0
	}
	shrunk := 0
	for _, p := range m.pools {
		if p.Shrink() {
			shrunk++
		}
	}
	m.logger.Info("memory pressure handled", "pressure", pressure, "pools_shrunk", shrunk)
	return shrunk
}

// PoolStats returns the stats of one pool.
func (m *Manager) PoolStats(t Type) (Stats, bool) {
	p, ok := m.pools[t]
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

func (m *Manager) NurseryStats() NurseryStats {
	return m.nursery.Stats()
}

func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	s := ManagerStats{
		Enabled:       m.enabled.Load(),
		Allocations:   m.allocs,
		Deallocations: m.deallocs,
		Fallbacks:     m.fallbacks,
		CurrentBytes:  m.current,
		PeakBytes:     m.peak,
	}
	m.mu.Unlock()

	types := make([]Type, 0, len(m.pools))
	for t := range m.pools {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		s.Pools = append(s.Pools, m.pools[t].Stats())
	}
	s.Nursery = m.nursery.Stats()
	s.Pressure = m.MemoryPressure()
	return s
}

// Clear returns every block and empties the nursery.
func (m *Manager) Clear() {
	m.mu.Lock()
	clear(m.owners)
	m.allocs, m.deallocs, m.fallbacks = 0, 0, 0
	m.current, m.peak = 0, 0
	m.mu.Unlock()

	for _, p := range m.pools {
		p.Clear()
	}
	m.nursery.Clear()
}
