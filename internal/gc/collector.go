package gc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Collector owns the object heap, the root table and the collection
// strategies. Each logical table has its own lock; when several are needed
// they are always taken in the order objects, roots, queue, barriers, stats.
// The allocator is only ever called under the objects lock.
type Collector struct {
	config Config
	logger *slog.Logger

	objMu     sync.RWMutex
	objects   map[uint64]*MemoryObject
	heapBytes int

	rootMu sync.RWMutex
	roots  []RootReference

	nextID atomic.Uint64

	queueMu   sync.Mutex
	queue     []uint64
	cycle     bool // incremental cycle seeded and not yet swept
	cycleDone bool

	barrierMu sync.Mutex
	barriers  map[uint64]struct{}

	statsMu        sync.RWMutex
	stats          GCStats
	lastCollection time.Time
	since          time.Time

	alloc         Allocator
	allocDisabled atomic.Bool
	autoRunning   atomic.Bool
	background    sync.WaitGroup

	obsMu     sync.RWMutex
	observers []CollectionObserver
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers an observer at construction time.
func WithObserver(o CollectionObserver) Option {
	return func(c *Collector) {
		c.observers = append(c.observers, o)
	}
}

// WithAllocator routes object payload storage through a. The collector
// calls a while holding the objects lock.
func WithAllocator(a Allocator) Option {
	return func(c *Collector) {
		c.alloc = a
	}
}

// New creates a collector with the given configuration.
func New(cfg Config, opts ...Option) *Collector {
	c := &Collector{
		config:   cfg,
		logger:   slog.Default(),
		objects:  make(map[uint64]*MemoryObject),
		barriers: make(map[uint64]struct{}),
		since:    time.Now(),
	}
	c.nextID.Store(1)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the collector configuration.
func (c *Collector) Config() Config {
	return c.config
}

// SetAllocationEnabled switches allocation on or off administratively.
// While off, Allocate fails with ErrDisabled.
func (c *Collector) SetAllocationEnabled(enabled bool) {
	c.allocDisabled.Store(!enabled)
}

// Allocate creates a new object and returns its ID. The object starts
// reachable in generation 0 with a reference count of 1. Allocation may
// start a background collection but never waits for one.
func (c *Collector) Allocate(objectType string, size int, data []byte) (uint64, error) {
	if c.allocDisabled.Load() {
		return 0, fmt.Errorf("allocate %s: %w", objectType, ErrDisabled)
	}
	if size < 0 {
		return 0, fmt.Errorf("allocate %s: negative size %d", objectType, size)
	}

	now := time.Now()
	c.objMu.Lock()
	id := c.nextID.Add(1) - 1
	payload := c.payload(id, objectType, size, data)
	c.objects[id] = &MemoryObject{
		ID:             id,
		ObjectType:     objectType,
		Size:           size,
		ReferenceCount: 1,
		State:          Reachable,
		CreatedAt:      now,
		LastAccessed:   now,
		Generation:     0,
		Data:           payload,
	}
	c.heapBytes += size
	heap, live := c.heapBytes, len(c.objects)
	c.objMu.Unlock()

	c.updateHeapStats(heap, live)
	c.checkCollectionNeeded(heap)

	return id, nil
}

// payload stores data for a new object, in an allocator block when one is
// configured and accepts it.
func (c *Collector) payload(id uint64, objectType string, size int, data []byte) []byte {
	if c.alloc != nil {
		buf, err := c.alloc.Allocate(id, objectType, size, data)
		if err == nil {
			return buf
		}
		c.logger.Debug("allocator declined object", "id", id, "type", objectType, "error", err)
	}
	return slices.Clone(data)
}

// mutate runs fn on an existing object under the objects lock and records
// a write barrier when configured.
func (c *Collector) mutate(id uint64, fn func(*MemoryObject)) error {
	c.objMu.Lock()
	defer c.objMu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return fmt.Errorf("object %d: %w", id, ErrNotFound)
	}
	fn(obj)
	obj.LastAccessed = time.Now()

	if c.config.Incremental.UseWriteBarriers {
		// Marking has to look at this object again before the cycle can be swept.
		c.queueMu.Lock()
		if c.cycle {
			c.cycleDone = false
		}
		c.queueMu.Unlock()

		c.barrierMu.Lock()
		c.barriers[id] = struct{}{}
		c.barrierMu.Unlock()
	}
	return nil
}

// AddReference appends an edge from objectID to referenceID. The target
// does not have to exist; a dangling edge keeps nothing alive.
func (c *Collector) AddReference(objectID, referenceID uint64) error {
	return c.mutate(objectID, func(o *MemoryObject) {
		o.References = append(o.References, referenceID)
	})
}

// RemoveReference removes every edge from objectID to referenceID.
func (c *Collector) RemoveReference(objectID, referenceID uint64) error {
	return c.mutate(objectID, func(o *MemoryObject) {
		o.References = slices.DeleteFunc(o.References, func(r uint64) bool { return r == referenceID })
	})
}

// Retain increments the advisory reference count.
func (c *Collector) Retain(id uint64) error {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	obj, ok := c.objects[id]
	if !ok {
		return fmt.Errorf("object %d: %w", id, ErrNotFound)
	}
	obj.ReferenceCount++
	return nil
}

// Release decrements the advisory reference count. Releasing an object whose
// count is already zero is an ErrInvalidState.
func (c *Collector) Release(id uint64) error {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	obj, ok := c.objects[id]
	if !ok {
		return fmt.Errorf("object %d: %w", id, ErrNotFound)
	}
	if obj.ReferenceCount == 0 {
		return fmt.Errorf("release object %d: count already zero: %w", id, ErrInvalidState)
	}
	obj.ReferenceCount--
	return nil
}

// SetReferenceCount overwrites the advisory reference count.
func (c *Collector) SetReferenceCount(id uint64, n uint32) error {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	obj, ok := c.objects[id]
	if !ok {
		return fmt.Errorf("object %d: %w", id, ErrNotFound)
	}
	obj.ReferenceCount = n
	return nil
}

// Touch refreshes the last-accessed time of an object.
func (c *Collector) Touch(id uint64) error {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	obj, ok := c.objects[id]
	if !ok {
		return fmt.Errorf("object %d: %w", id, ErrNotFound)
	}
	obj.LastAccessed = time.Now()
	return nil
}

// AddRoot registers a named root. Adding the same rootID twice keeps both
// entries; remove first for replace semantics.
func (c *Collector) AddRoot(rootID string, objectIDs []uint64, rootType RootType) error {
	c.rootMu.Lock()
	c.roots = append(c.roots, RootReference{
		ID:        rootID,
		ObjectIDs: slices.Clone(objectIDs),
		RootType:  rootType,
	})
	c.rootMu.Unlock()

	// A root added during an incremental cycle must be traced in that cycle.
	c.shadeIfCycleActive(objectIDs)
	return nil
}

// RemoveRoot removes every root entry named rootID.
func (c *Collector) RemoveRoot(rootID string) error {
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	c.roots = slices.DeleteFunc(c.roots, func(r RootReference) bool { return r.ID == rootID })
	return nil
}

// GetObject returns a copy of the object with the given ID.
func (c *Collector) GetObject(id uint64) (MemoryObject, bool) {
	c.objMu.RLock()
	defer c.objMu.RUnlock()
	obj, ok := c.objects[id]
	if !ok {
		return MemoryObject{}, false
	}
	return obj.clone(), true
}

// Objects returns copies of all objects ordered by ID.
func (c *Collector) Objects() []MemoryObject {
	c.objMu.RLock()
	out := make([]MemoryObject, 0, len(c.objects))
	for _, obj := range c.objects {
		out = append(out, obj.clone())
	}
	c.objMu.RUnlock()

	slices.SortFunc(out, func(a, b MemoryObject) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Roots returns a copy of the root table in insertion order.
func (c *Collector) Roots() []RootReference {
	c.rootMu.RLock()
	defer c.rootMu.RUnlock()
	out := make([]RootReference, len(c.roots))
	for i, r := range c.roots {
		out[i] = r.clone()
	}
	return out
}

// Stats returns a snapshot of the collector statistics.
func (c *Collector) Stats() GCStats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// Clear drops every object and root, resets statistics and restarts ID
// numbering at 1. Background collections are held off while it runs.
func (c *Collector) Clear() {
	// Owning the background slot keeps Allocate from calling background.Add
	// while we Wait.
	for !c.autoRunning.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	defer c.autoRunning.Store(false)
	c.background.Wait()

	c.objMu.Lock()
	if c.alloc != nil {
		for id := range c.objects {
			c.alloc.Free(id)
		}
	}
	c.objects = make(map[uint64]*MemoryObject)
	c.heapBytes = 0
	c.nextID.Store(1)
	c.objMu.Unlock()

	c.rootMu.Lock()
	c.roots = nil
	c.rootMu.Unlock()

	c.queueMu.Lock()
	c.queue = nil
	c.cycle, c.cycleDone = false, false
	c.queueMu.Unlock()

	c.barrierMu.Lock()
	c.barriers = make(map[uint64]struct{})
	c.barrierMu.Unlock()

	c.statsMu.Lock()
	c.stats = GCStats{}
	c.lastCollection = time.Time{}
	c.since = time.Now()
	c.statsMu.Unlock()
}

// CollectGarbage runs one pass of the configured strategy and returns the
// updated statistics. It is a no-op when collection is disabled.
// CollectionTimeout bounds the pass between units of work; only
// cancellation of ctx itself is reported as an error.
func (c *Collector) CollectGarbage(ctx context.Context) (GCStats, error) {
	if !c.config.Enabled {
		return c.Stats(), nil
	}

	budget := ctx
	if c.config.CollectionTimeout > 0 {
		var cancel context.CancelFunc
		budget, cancel = context.WithTimeout(ctx, c.config.CollectionTimeout)
		defer cancel()
	}

	start := time.Now()
	var res sweepResult
	switch c.config.Strategy {
	case Generational:
		res = c.generationalCollect(budget)
	case Incremental:
		res = c.incrementalCollect(budget)
	case Concurrent:
		res = c.concurrentCollect()
	default:
		res = c.markAndSweep()
	}
	elapsed := time.Since(start)

	stats := c.recordCollection(res, elapsed)

	c.logger.Info("gc complete",
		"strategy", c.config.Strategy.String(),
		"collected", len(res.collected),
		"freed", res.freed,
		"live", stats.LiveObjects,
		"duration_ms", stats.LastCollectionTimeMs,
	)

	c.notify(CollectionEvent{
		Strategy:  c.config.Strategy,
		Collected: res.collected,
		Freed:     res.freed,
		Duration:  elapsed,
		Stats:     stats,
	})

	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("collect garbage: %w", err)
	}
	return stats, nil
}

// concurrentCollect runs mark-and-sweep synchronously.
func (c *Collector) concurrentCollect() sweepResult {
	return c.markAndSweep()
}

// recordCollection folds one pass into the statistics.
func (c *Collector) recordCollection(res sweepResult, elapsed time.Duration) GCStats {
	c.objMu.RLock()
	heap, live := c.heapBytes, len(c.objects)
	c.objMu.RUnlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := &c.stats
	s.TotalCollections++
	s.TotalObjectsCollected += uint64(len(res.collected))
	s.TotalMemoryFreed += res.freed
	s.DeadObjects = res.dead
	s.LastCollectionTimeMs = float64(elapsed.Microseconds()) / 1000.0
	prev := s.AvgCollectionTimeMs * float64(s.TotalCollections-1)
	s.AvgCollectionTimeMs = (prev + s.LastCollectionTimeMs) / float64(s.TotalCollections)
	s.CurrentHeapSize = heap
	s.PeakHeapSize = max(s.PeakHeapSize, heap)
	s.LiveObjects = uint64(live)

	now := time.Now()
	c.lastCollection = now
	if minutes := now.Sub(c.since).Minutes(); minutes > 0 {
		s.CollectionFrequency = float64(s.TotalCollections) / minutes
	}
	return *s
}

func (c *Collector) updateHeapStats(heap, live int) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.CurrentHeapSize = heap
	c.stats.PeakHeapSize = max(c.stats.PeakHeapSize, heap)
	c.stats.LiveObjects = uint64(live)
}

// checkCollectionNeeded starts a background pass when the heap or the time
// since the last pass exceeds its threshold. At most one background pass
// runs at a time.
func (c *Collector) checkCollectionNeeded(heap int) {
	if !c.config.Enabled {
		return
	}

	c.statsMu.RLock()
	collections := c.stats.TotalCollections
	last := c.lastCollection
	c.statsMu.RUnlock()

	reason := ""
	switch {
	case c.config.MaxHeapSize > 0 && heap > c.config.MaxHeapSize:
		c.logger.Warn("heap above max size", "heap", heap, "max", c.config.MaxHeapSize)
		reason = "max_heap"
	case c.config.MemoryThreshold > 0 && heap > c.config.MemoryThreshold:
		reason = "memory_threshold"
	case collections > 0 && c.config.TimeThreshold > 0 && time.Since(last) > c.config.TimeThreshold:
		reason = "time_threshold"
	}
	if reason == "" {
		return
	}

	if !c.autoRunning.CompareAndSwap(false, true) {
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer c.autoRunning.Store(false)
		c.logger.Debug("background collection", "reason", reason, "heap", heap)
		if _, err := c.CollectGarbage(context.Background()); err != nil {
			c.logger.Warn("background collection failed", "error", err)
		}
	}()
}

// WaitBackground blocks until in-flight background collections finish. Like
// sync.WaitGroup.Wait it must not race with allocations that can start a new
// background pass; call it once mutators are done.
func (c *Collector) WaitBackground() {
	c.background.Wait()
}
