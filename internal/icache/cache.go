// Package icache implements the inline caches that accelerate property,
// method and global lookups, plus the Manager tying them to a shape registry.
//
// The caches are a mechanism only: they never verify that a cached entry is
// still valid for the object. Callers store right after a shape-qualified
// lookup and invalidate on every shape change or object removal.
package icache

import (
	"cmp"
	"slices"
	"time"
)

// CacheStats summarises one cache.
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// hitRate is hits/(hits+misses), or 0 before any lookup.
func hitRate(hits, misses uint64) float64 {
	if hits+misses == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+misses)
}

// Clock returns the current time; injectable for tests.
type Clock func() time.Time

type slot[E any] struct {
	data       E
	hitCount   uint32
	lastAccess int64 // unix millis
	seq        uint64
}

// boundedCache is the shared engine of the three caches. It is not safe for
// concurrent use; the Manager serialises access.
type boundedCache[K comparable, E any] struct {
	entries map[K]*slot[E]
	maxSize int
	hits    uint64
	misses  uint64
	seq     uint64
	now     Clock
}

func newBoundedCache[K comparable, E any](maxSize int, now Clock) *boundedCache[K, E] {
	if now == nil {
		now = time.Now
	}
	return &boundedCache[K, E]{
		entries: make(map[K]*slot[E]),
		maxSize: maxSize,
		now:     now,
	}
}

func (c *boundedCache[K, E]) timestamp() int64 {
	return c.now().UnixMilli()
}

// lookup counts a hit or a miss. Entry metadata is left untouched.
func (c *boundedCache[K, E]) lookup(key K) (*slot[E], bool) {
	s, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return s, true
}

// lookupValid behaves like lookup but treats an entry failing valid as a
// miss and drops it.
func (c *boundedCache[K, E]) lookupValid(key K, valid func(E) bool) (*slot[E], bool) {
	s, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !valid(s.data) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return s, true
}

// store inserts data with a hit count of 1, first halving the cache when it
// is full. A cache with no capacity stores nothing.
func (c *boundedCache[K, E]) store(key K, data E) {
	if c.maxSize <= 0 {
		return
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLeastUsed()
	}
	c.seq++
	c.entries[key] = &slot[E]{
		data:       data,
		hitCount:   1,
		lastAccess: c.timestamp(),
		seq:        c.seq,
	}
}

// update replaces the data of an existing entry, bumping its hit count and
// access time. It reports whether the key was present.
func (c *boundedCache[K, E]) update(key K, fn func(*E)) bool {
	s, ok := c.entries[key]
	if !ok {
		return false
	}
	fn(&s.data)
	s.hitCount++
	s.lastAccess = c.timestamp()
	return true
}

func (c *boundedCache[K, E]) remove(key K) bool {
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

func (c *boundedCache[K, E]) removeIf(match func(K) bool) int {
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// evictLeastUsed keeps the best maxSize/2 entries, ranked by hit count,
// then access time, then insertion order.
func (c *boundedCache[K, E]) evictLeastUsed() {
	target := c.maxSize / 2
	if len(c.entries) <= target {
		return
	}

	type ranked struct {
		key K
		s   *slot[E]
	}
	all := make([]ranked, 0, len(c.entries))
	for k, s := range c.entries {
		all = append(all, ranked{k, s})
	}
	slices.SortFunc(all, func(a, b ranked) int {
		return cmp.Or(
			cmp.Compare(a.s.hitCount, b.s.hitCount),
			cmp.Compare(a.s.lastAccess, b.s.lastAccess),
			cmp.Compare(a.s.seq, b.s.seq),
		)
	})
	for _, r := range all[:len(all)-target] {
		delete(c.entries, r.key)
	}
}

func (c *boundedCache[K, E]) stats() CacheStats {
	return CacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate(c.hits, c.misses),
	}
}

func (c *boundedCache[K, E]) clear() {
	c.entries = make(map[K]*slot[E])
	c.hits = 0
	c.misses = 0
}
