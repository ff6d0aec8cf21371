package icache

// MethodCacheEntry records a resolved method for an object. Offset locates
// the method for the caller; the realm stores the number of prototype hops
// from the receiver to the object holding it.
type MethodCacheEntry struct {
	ShapeID    uint64        `json:"shape_id"`
	Offset     int           `json:"offset"`
	Method     FunctionValue `json:"-"`
	HitCount   uint32        `json:"hit_count"`
	LastAccess int64         `json:"last_access"`
}

type methodData struct {
	shapeID uint64
	offset  int
	method  FunctionValue
}

// MethodCache maps (object, method name) to a resolved function. It is not
// safe for concurrent use.
type MethodCache struct {
	c *boundedCache[propertyKey, methodData]
}

func NewMethodCache(maxSize int, clock Clock) *MethodCache {
	return &MethodCache{c: newBoundedCache[propertyKey, methodData](maxSize, clock)}
}

func (m *MethodCache) entry(s *slot[methodData]) MethodCacheEntry {
	return MethodCacheEntry{
		ShapeID:    s.data.shapeID,
		Offset:     s.data.offset,
		Method:     s.data.method.Clone(),
		HitCount:   s.hitCount,
		LastAccess: s.lastAccess,
	}
}

func (m *MethodCache) Lookup(objectID uint64, name string) (MethodCacheEntry, bool) {
	s, ok := m.c.lookup(propertyKey{objectID, name})
	if !ok {
		return MethodCacheEntry{}, false
	}
	return m.entry(s), true
}

// LookupForShape drops and misses on entries recorded under another shape.
func (m *MethodCache) LookupForShape(objectID uint64, name string, shapeID uint64) (MethodCacheEntry, bool) {
	s, ok := m.c.lookupValid(propertyKey{objectID, name}, func(d methodData) bool {
		return d.shapeID == shapeID
	})
	if !ok {
		return MethodCacheEntry{}, false
	}
	return m.entry(s), true
}

func (m *MethodCache) Store(objectID uint64, name string, shapeID uint64, offset int, method FunctionValue) {
	m.c.store(propertyKey{objectID, name}, methodData{
		shapeID: shapeID,
		offset:  offset,
		method:  method.Clone(),
	})
}

// Update replaces the cached function in place. It is a no-op for absent keys.
func (m *MethodCache) Update(objectID uint64, name string, method FunctionValue) bool {
	return m.c.update(propertyKey{objectID, name}, func(d *methodData) {
		d.method = method.Clone()
	})
}

func (m *MethodCache) InvalidateObject(objectID uint64) int {
	return m.c.removeIf(func(k propertyKey) bool { return k.objectID == objectID })
}

func (m *MethodCache) InvalidateMethod(objectID uint64, name string) bool {
	return m.c.remove(propertyKey{objectID, name})
}

func (m *MethodCache) Stats() CacheStats { return m.c.stats() }
func (m *MethodCache) Len() int          { return len(m.c.entries) }
func (m *MethodCache) Clear()            { m.c.clear() }
