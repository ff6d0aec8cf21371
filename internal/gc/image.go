package gc

import (
	"fmt"
	"time"
)

// Image is a point-in-time copy of the heap and root tables, used to persist
// and restore a collector.
type Image struct {
	NextID  uint64          `json:"next_id"`
	Objects []MemoryObject  `json:"objects"`
	Roots   []RootReference `json:"roots"`
}

// HeapSize sums the sizes of all objects in the image.
func (img *Image) HeapSize() int {
	total := 0
	for i := range img.Objects {
		total += img.Objects[i].Size
	}
	return total
}

// Export copies the current heap and roots.
func (c *Collector) Export() Image {
	c.objMu.RLock()
	next := c.nextID.Load()
	c.objMu.RUnlock()

	return Image{
		NextID:  next,
		Objects: c.Objects(),
		Roots:   c.Roots(),
	}
}

// Restore builds a collector holding the objects and roots of img. The ID
// counter resumes after the highest restored ID. Statistics start fresh
// apart from the heap gauges.
func Restore(cfg Config, img Image, opts ...Option) (*Collector, error) {
	c := New(cfg, opts...)

	next := img.NextID
	heap := 0
	for i := range img.Objects {
		obj := img.Objects[i].clone()
		if obj.ID == 0 {
			return nil, fmt.Errorf("restore: object with zero id: %w", ErrInvalidState)
		}
		if _, dup := c.objects[obj.ID]; dup {
			return nil, fmt.Errorf("restore: duplicate object %d: %w", obj.ID, ErrInvalidState)
		}
		if obj.LastAccessed.IsZero() {
			obj.LastAccessed = time.Now()
		}
		c.objects[obj.ID] = &obj
		heap += obj.Size
		if obj.ID >= next {
			next = obj.ID + 1
		}
	}
	if next == 0 {
		next = 1
	}
	c.nextID.Store(next)
	c.heapBytes = heap

	for _, r := range img.Roots {
		c.roots = append(c.roots, r.clone())
	}
	c.updateHeapStats(heap, len(c.objects))
	return c, nil
}
