package icache

// PropertyCacheEntry records where a property was found for an object.
type PropertyCacheEntry struct {
	ShapeID    uint64 `json:"shape_id"`
	Offset     int    `json:"offset"`
	Value      Value  `json:"-"`
	HitCount   uint32 `json:"hit_count"`
	LastAccess int64  `json:"last_access"`
}

type propertyKey struct {
	objectID uint64
	name     string
}

type propertyData struct {
	shapeID uint64
	offset  int
	value   Value
}

// PropertyCache maps (object, property) to a shape-qualified slot. It is not
// safe for concurrent use.
type PropertyCache struct {
	c *boundedCache[propertyKey, propertyData]
}

func NewPropertyCache(maxSize int, clock Clock) *PropertyCache {
	return &PropertyCache{c: newBoundedCache[propertyKey, propertyData](maxSize, clock)}
}

func (p *PropertyCache) entry(s *slot[propertyData]) PropertyCacheEntry {
	return PropertyCacheEntry{
		ShapeID:    s.data.shapeID,
		Offset:     s.data.offset,
		Value:      s.data.value.Clone(),
		HitCount:   s.hitCount,
		LastAccess: s.lastAccess,
	}
}

// Lookup returns a copy of the cached entry.
func (p *PropertyCache) Lookup(objectID uint64, name string) (PropertyCacheEntry, bool) {
	s, ok := p.c.lookup(propertyKey{objectID, name})
	if !ok {
		return PropertyCacheEntry{}, false
	}
	return p.entry(s), true
}

// LookupForShape is Lookup qualified by the object's current shape. An entry
// recorded under another shape is stale: it is dropped and counted as a miss.
func (p *PropertyCache) LookupForShape(objectID uint64, name string, shapeID uint64) (PropertyCacheEntry, bool) {
	s, ok := p.c.lookupValid(propertyKey{objectID, name}, func(d propertyData) bool {
		return d.shapeID == shapeID
	})
	if !ok {
		return PropertyCacheEntry{}, false
	}
	return p.entry(s), true
}

func (p *PropertyCache) Store(objectID uint64, name string, shapeID uint64, offset int, value Value) {
	p.c.store(propertyKey{objectID, name}, propertyData{
		shapeID: shapeID,
		offset:  offset,
		value:   value.Clone(),
	})
}

// Update replaces the cached value in place. It is a no-op for absent keys.
func (p *PropertyCache) Update(objectID uint64, name string, value Value) bool {
	return p.c.update(propertyKey{objectID, name}, func(d *propertyData) {
		d.value = value.Clone()
	})
}

// InvalidateObject drops every entry for objectID and returns how many.
func (p *PropertyCache) InvalidateObject(objectID uint64) int {
	return p.c.removeIf(func(k propertyKey) bool { return k.objectID == objectID })
}

func (p *PropertyCache) InvalidateProperty(objectID uint64, name string) bool {
	return p.c.remove(propertyKey{objectID, name})
}

func (p *PropertyCache) Stats() CacheStats { return p.c.stats() }
func (p *PropertyCache) Len() int          { return len(p.c.entries) }
func (p *PropertyCache) Clear()            { p.c.clear() }
