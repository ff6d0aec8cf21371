package gc

import "slices"

// sweepResult is what one pass reclaimed.
type sweepResult struct {
	collected []uint64
	freed     int
	dead      uint64
}

func (r *sweepResult) add(other sweepResult) {
	r.collected = append(r.collected, other.collected...)
	r.freed += other.freed
	r.dead = other.dead
}

// markAndSweep traces from the roots and removes everything left
// unreachable. The objects lock is held across both phases so the sweep
// sees exactly the graph that was marked.
func (c *Collector) markAndSweep() sweepResult {
	c.objMu.Lock()
	defer c.objMu.Unlock()

	c.markLocked()
	res := c.sweepLocked(func(s ReferenceState) bool { return s == Unreachable })

	// A full pass supersedes any incremental bookkeeping.
	c.barrierMu.Lock()
	clear(c.barriers)
	c.barrierMu.Unlock()

	return res
}

// markLocked resets every object to Unreachable and marks everything
// reachable from a root. An object is pushed at most once, so cycles
// terminate. Edges to missing objects are skipped.
func (c *Collector) markLocked() {
	for _, obj := range c.objects {
		obj.State = Unreachable
	}

	c.rootMu.RLock()
	var stack []uint64
	for _, root := range c.roots {
		for _, id := range root.ObjectIDs {
			if obj, ok := c.objects[id]; ok && obj.State == Unreachable {
				obj.State = Reachable
				stack = append(stack, id)
			}
		}
	}
	c.rootMu.RUnlock()

	for len(stack) != 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		obj, ok := c.objects[id]
		if !ok {
			continue
		}
		for _, ref := range obj.References {
			target, ok := c.objects[ref]
			if !ok || target.State != Unreachable {
				continue
			}
			target.State = Reachable
			stack = append(stack, ref)
		}
	}
}

// sweepLocked removes every object whose state matches dead.
func (c *Collector) sweepLocked(dead func(ReferenceState) bool) sweepResult {
	var res sweepResult
	for id, obj := range c.objects {
		if !dead(obj.State) {
			continue
		}
		res.collected = append(res.collected, id)
		res.freed += obj.Size
	}
	for _, id := range res.collected {
		delete(c.objects, id)
		if c.alloc != nil {
			c.alloc.Free(id)
		}
	}
	c.heapBytes -= res.freed
	slices.Sort(res.collected)
	return res
}
