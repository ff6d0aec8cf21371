package icache

// GlobalCacheEntry is a cached global binding.
type GlobalCacheEntry struct {
	Name       string `json:"name"`
	Value      Value  `json:"-"`
	HitCount   uint32 `json:"hit_count"`
	LastAccess int64  `json:"last_access"`
}

// GlobalCache maps global names to values. It is not safe for concurrent use.
type GlobalCache struct {
	c *boundedCache[string, Value]
}

func NewGlobalCache(maxSize int, clock Clock) *GlobalCache {
	return &GlobalCache{c: newBoundedCache[string, Value](maxSize, clock)}
}

func (g *GlobalCache) Lookup(name string) (GlobalCacheEntry, bool) {
	s, ok := g.c.lookup(name)
	if !ok {
		return GlobalCacheEntry{}, false
	}
	return GlobalCacheEntry{
		Name:       name,
		Value:      s.data.Clone(),
		HitCount:   s.hitCount,
		LastAccess: s.lastAccess,
	}, true
}

func (g *GlobalCache) Store(name string, value Value) {
	g.c.store(name, value.Clone())
}

// Update replaces the cached value in place. It is a no-op for absent names.
func (g *GlobalCache) Update(name string, value Value) bool {
	return g.c.update(name, func(v *Value) { *v = value.Clone() })
}

func (g *GlobalCache) Invalidate(name string) bool {
	return g.c.remove(name)
}

func (g *GlobalCache) Stats() CacheStats { return g.c.stats() }
func (g *GlobalCache) Len() int          { return len(g.c.entries) }
func (g *GlobalCache) Clear()            { g.c.clear() }
