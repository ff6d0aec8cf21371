package gc

import "time"

// CollectionEvent describes one finished collection pass.
type CollectionEvent struct {
	Strategy  Strategy
	Collected []uint64 // IDs removed from the heap, ascending
	Freed     int
	Duration  time.Duration
	Stats     GCStats
}

// CollectionObserver is notified after every pass, outside all collector
// locks. Observers must not block for long.
type CollectionObserver interface {
	OnCollection(CollectionEvent)
}

// ObserverFunc adapts a function to CollectionObserver.
type ObserverFunc func(CollectionEvent)

func (f ObserverFunc) OnCollection(e CollectionEvent) { f(e) }

// AddObserver registers o for every subsequent pass.
func (c *Collector) AddObserver(o CollectionObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *Collector) notify(e CollectionEvent) {
	c.obsMu.RLock()
	observers := append([]CollectionObserver(nil), c.observers...)
	c.obsMu.RUnlock()

	for _, o := range observers {
		o.OnCollection(e)
	}
}

// Allocator supplies storage for object payloads and follows each object
// through promotion and collection. Allocate may decline with an error, in
// which case the collector keeps its own copy of the data.
type Allocator interface {
	Allocate(id uint64, objectType string, size int, data []byte) ([]byte, error)
	// Promote is called when id leaves generation 0.
	Promote(id uint64)
	// Free is called once id has been removed from the heap.
	Free(id uint64)
}
