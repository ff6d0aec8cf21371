package icache

import (
	"log/slog"
	"sync"

	"github.com/kilupskalvis/jsmem/internal/shape"
)

// Default cache capacities.
const (
	DefaultPropertyCacheSize = 1024
	DefaultMethodCacheSize   = 512
	DefaultGlobalCacheSize   = 256
)

// InlineCacheStats aggregates the three caches and the shape registry.
type InlineCacheStats struct {
	PropertyCache CacheStats `json:"property_cache"`
	MethodCache   CacheStats `json:"method_cache"`
	GlobalCache   CacheStats `json:"global_cache"`
	ShapeCount    int        `json:"shape_count"`
}

// Manager owns the property, method and global caches plus the shape
// registry. Each cache has its own lock, so traffic on one never blocks
// another.
type Manager struct {
	logger *slog.Logger
	clock  Clock

	propMu sync.Mutex
	props  *PropertyCache

	methodMu sync.Mutex
	methods  *MethodCache

	globalMu sync.Mutex
	globals  *GlobalCache

	shapes *shape.Registry
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the time source used for entry access times.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithShapeRegistry shares an existing registry instead of creating one.
func WithShapeRegistry(r *shape.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.shapes = r
		}
	}
}

// NewManager creates a manager whose caches hold at most the given number
// of entries each.
func NewManager(propertySize, methodSize, globalSize int, opts ...Option) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	if m.shapes == nil {
		m.shapes = shape.NewRegistry()
	}
	m.props = NewPropertyCache(propertySize, m.clock)
	m.methods = NewMethodCache(methodSize, m.clock)
	m.globals = NewGlobalCache(globalSize, m.clock)
	return m
}

// LookupProperty returns the cached value for (objectID, name).
func (m *Manager) LookupProperty(objectID uint64, name string) (Value, bool) {
	e, ok := m.LookupPropertyEntry(objectID, name)
	return e.Value, ok
}

func (m *Manager) LookupPropertyEntry(objectID uint64, name string) (PropertyCacheEntry, bool) {
	m.propMu.Lock()
	defer m.propMu.Unlock()
	return m.props.Lookup(objectID, name)
}

// LookupPropertyForShape hits only when the entry was stored under shapeID.
func (m *Manager) LookupPropertyForShape(objectID uint64, name string, shapeID uint64) (PropertyCacheEntry, bool) {
	m.propMu.Lock()
	defer m.propMu.Unlock()
	return m.props.LookupForShape(objectID, name, shapeID)
}

func (m *Manager) StoreProperty(objectID uint64, name string, shapeID uint64, offset int, value Value) {
	m.propMu.Lock()
	defer m.propMu.Unlock()
	m.props.Store(objectID, name, shapeID, offset, value)
}

func (m *Manager) UpdateProperty(objectID uint64, name string, value Value) bool {
	m.propMu.Lock()
	defer m.propMu.Unlock()
	return m.props.Update(objectID, name, value)
}

func (m *Manager) InvalidateProperty(objectID uint64, name string) bool {
	m.propMu.Lock()
	defer m.propMu.Unlock()
	return m.props.InvalidateProperty(objectID, name)
}

func (m *Manager) LookupMethod(objectID uint64, name string) (FunctionValue, bool) {
	e, ok := m.LookupMethodEntry(objectID, name)
	return e.Method, ok
}

func (m *Manager) LookupMethodEntry(objectID uint64, name string) (MethodCacheEntry, bool) {
	m.methodMu.Lock()
	defer m.methodMu.Unlock()
	return m.methods.Lookup(objectID, name)
}

func (m *Manager) LookupMethodForShape(objectID uint64, name string, shapeID uint64) (MethodCacheEntry, bool) {
	m.methodMu.Lock()
	defer m.methodMu.Unlock()
	return m.methods.LookupForShape(objectID, name, shapeID)
}

func (m *Manager) StoreMethod(objectID uint64, name string, shapeID uint64, offset int, method FunctionValue) {
	m.methodMu.Lock()
	defer m.methodMu.Unlock()
	m.methods.Store(objectID, name, shapeID, offset, method)
}

func (m *Manager) UpdateMethod(objectID uint64, name string, method FunctionValue) bool {
	m.methodMu.Lock()
	defer m.methodMu.Unlock()
	return m.methods.Update(objectID, name, method)
}

func (m *Manager) InvalidateMethod(objectID uint64, name string) bool {
	m.methodMu.Lock()
	defer m.methodMu.Unlock()
	return m.methods.InvalidateMethod(objectID, name)
}

func (m *Manager) LookupGlobal(name string) (Value, bool) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	e, ok := m.globals.Lookup(name)
	return e.Value, ok
}

func (m *Manager) StoreGlobal(name string, value Value) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	m.globals.Store(name, value)
}

func (m *Manager) UpdateGlobal(name string, value Value) bool {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	return m.globals.Update(name, value)
}

func (m *Manager) InvalidateGlobal(name string) bool {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	return m.globals.Invalidate(name)
}

// InvalidateObject drops every property and method entry keyed by objectID.
// Callers invoke it when the object changes shape or is collected.
func (m *Manager) InvalidateObject(objectID uint64) {
	m.propMu.Lock()
	props := m.props.InvalidateObject(objectID)
	m.propMu.Unlock()

	m.methodMu.Lock()
	methods := m.methods.InvalidateObject(objectID)
	m.methodMu.Unlock()

	if props+methods > 0 {
		m.logger.Debug("cache entries invalidated", "object", objectID, "properties", props, "methods", methods)
	}
}

func (m *Manager) CreateShape(properties []string, parent *uint64) uint64 {
	return m.registry().CreateShape(properties, parent)
}

func (m *Manager) TransitionShape(base uint64, property string) uint64 {
	return m.registry().TransitionShape(base, property)
}

func (m *Manager) GetShape(id uint64) (shape.Definition, bool) {
	return m.registry().GetShape(id)
}

// Shapes returns every registered shape ordered by ID.
func (m *Manager) Shapes() []shape.Definition {
	return m.registry().Shapes()
}

// registry is safe for concurrent use on its own; the pointer is fixed at
// construction.
func (m *Manager) registry() *shape.Registry {
	return m.shapes
}

// Stats snapshots each cache under its own lock.
func (m *Manager) Stats() InlineCacheStats {
	var s InlineCacheStats

	m.propMu.Lock()
	s.PropertyCache = m.props.Stats()
	m.propMu.Unlock()

	m.methodMu.Lock()
	s.MethodCache = m.methods.Stats()
	m.methodMu.Unlock()

	m.globalMu.Lock()
	s.GlobalCache = m.globals.Stats()
	m.globalMu.Unlock()

	s.ShapeCount = m.registry().Len()
	return s
}

// ClearAll empties the caches and resets their counters. Shapes are kept so
// that shape IDs are never handed out twice.
func (m *Manager) ClearAll() {
	m.propMu.Lock()
	m.props.Clear()
	m.propMu.Unlock()

	m.methodMu.Lock()
	m.methods.Clear()
	m.methodMu.Unlock()

	m.globalMu.Lock()
	m.globals.Clear()
	m.globalMu.Unlock()

	m.logger.Debug("inline caches cleared")
}
