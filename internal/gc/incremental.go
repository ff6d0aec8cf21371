package gc

import (
	"context"
	"fmt"
	"time"
)

// incrementalCollect advances the incremental marking cycle by one bounded
// step. A cycle is seeded from the roots when none is active. Objects waiting
// in the queue are Processing; processing one marks it Reachable and shades
// its unmarked references. An Unreachable object taken from the queue is
// Marked. Nothing is removed here; see SweepIncremental.
func (c *Collector) incrementalCollect(ctx context.Context) sweepResult {
	cfg := c.config.Incremental
	start := time.Now()

	c.seedCycle()
	if cfg.UseWriteBarriers {
		c.drainBarriers()
	}

	processed := 0
	for processed < cfg.ObjectsPerStep {
		// At least one object per step so a tiny budget still progresses.
		if processed > 0 && cfg.MaxStepTime > 0 && time.Since(start) > cfg.MaxStepTime {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if !c.processNext() {
			break
		}
		processed++
	}

	c.objMu.RLock()
	c.queueMu.Lock()
	c.cycleDone = c.cycle && len(c.queue) == 0
	remaining := len(c.queue)
	var dead uint64
	for _, obj := range c.objects {
		if obj.State == Marked {
			dead++
		}
	}
	c.queueMu.Unlock()
	c.objMu.RUnlock()

	c.logger.Debug("incremental step",
		"processed", processed,
		"queued", remaining,
		"elapsed", time.Since(start),
	)
	return sweepResult{dead: dead}
}

// seedCycle starts a new cycle if none is active.
func (c *Collector) seedCycle() {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	c.rootMu.RLock()
	defer c.rootMu.RUnlock()
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if c.cycle {
		return
	}
	for _, obj := range c.objects {
		obj.State = Unreachable
	}
	for _, root := range c.roots {
		for _, id := range root.ObjectIDs {
			c.shadeLocked(id)
		}
	}

	c.cycle = true
	c.cycleDone = len(c.queue) == 0
}

// drainBarriers re-queues objects mutated since the last step so edges added
// behind the marker are traced.
func (c *Collector) drainBarriers() {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.barrierMu.Lock()
	dirty := c.barriers
	c.barriers = make(map[uint64]struct{})
	c.barrierMu.Unlock()

	for id := range dirty {
		obj, ok := c.objects[id]
		if !ok {
			continue
		}
		switch obj.State {
		case Reachable:
			obj.State = Processing
			c.queue = append(c.queue, id)
		case Unreachable:
			c.queue = append(c.queue, id)
		}
	}
}

// shadeDirtyLocked consumes the write barriers and shades whatever marked
// objects now point at, so edges added after marking finished are not swept
// away. Callers hold the objects and queue locks.
func (c *Collector) shadeDirtyLocked() {
	c.barrierMu.Lock()
	dirty := c.barriers
	c.barriers = make(map[uint64]struct{})
	c.barrierMu.Unlock()

	for id := range dirty {
		obj, ok := c.objects[id]
		if !ok || obj.State != Reachable {
			continue
		}
		for _, ref := range obj.References {
			c.shadeLocked(ref)
		}
	}
}

// processNext handles the object at the head of the queue. It reports false
// when the queue is empty.
func (c *Collector) processNext() bool {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) == 0 {
		return false
	}
	id := c.queue[0]
	c.queue = c.queue[1:]

	obj, ok := c.objects[id]
	if !ok {
		return true
	}
	switch obj.State {
	case Processing:
		obj.State = Reachable
		for _, ref := range obj.References {
			c.shadeLocked(ref)
		}
	case Unreachable:
		obj.State = Marked
	}
	return true
}

// shadeLocked queues an unmarked object for processing. Callers hold the
// objects and queue locks.
func (c *Collector) shadeLocked(id uint64) {
	obj, ok := c.objects[id]
	if !ok {
		return
	}
	if obj.State == Unreachable || obj.State == Marked {
		obj.State = Processing
		c.queue = append(c.queue, id)
	}
}

func (c *Collector) shadeIfCycleActive(ids []uint64) {
	if c.config.Strategy != Incremental {
		return
	}
	c.objMu.Lock()
	defer c.objMu.Unlock()
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if !c.cycle {
		return
	}
	for _, id := range ids {
		c.shadeLocked(id)
	}
	if len(c.queue) > 0 {
		c.cycleDone = false
	}
}

// IncrementalCycleActive reports whether an incremental cycle has been
// seeded and whether its marking has finished.
func (c *Collector) IncrementalCycleActive() (active, done bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.cycle, c.cycleDone
}

// SweepIncremental removes every object left Unreachable or Marked by a
// finished incremental cycle and ends the cycle. It fails with
// ErrInvalidState while marking is still in progress or no cycle exists.
// With write barriers on, edges recorded since the last step are traced
// first; if that finds unmarked objects the cycle resumes and the sweep
// fails until further steps finish marking.
func (c *Collector) SweepIncremental(ctx context.Context) (GCStats, error) {
	if err := ctx.Err(); err != nil {
		return c.Stats(), err
	}

	start := time.Now()
	c.objMu.Lock()
	c.queueMu.Lock()
	if c.cycle && c.config.Incremental.UseWriteBarriers {
		c.shadeDirtyLocked()
	}
	if !c.cycle || len(c.queue) > 0 {
		queued := len(c.queue)
		if c.cycle {
			c.cycleDone = false
		}
		c.queueMu.Unlock()
		c.objMu.Unlock()
		return c.Stats(), fmt.Errorf("sweep incremental: cycle not complete (%d queued): %w", queued, ErrInvalidState)
	}
	res := c.sweepLocked(func(s ReferenceState) bool { return s == Unreachable || s == Marked })
	c.cycle, c.cycleDone = false, false
	heap, live := c.heapBytes, len(c.objects)
	c.queueMu.Unlock()
	c.objMu.Unlock()

	c.statsMu.Lock()
	c.stats.TotalObjectsCollected += uint64(len(res.collected))
	c.stats.TotalMemoryFreed += res.freed
	c.stats.DeadObjects = 0
	c.stats.CurrentHeapSize = heap
	c.stats.LiveObjects = uint64(live)
	stats := c.stats
	c.statsMu.Unlock()

	c.logger.Info("incremental sweep complete",
		"collected", len(res.collected),
		"freed", res.freed,
		"live", live,
	)
	c.notify(CollectionEvent{
		Strategy:  Incremental,
		Collected: res.collected,
		Freed:     res.freed,
		Duration:  time.Since(start),
		Stats:     stats,
	})
	return stats, nil
}
